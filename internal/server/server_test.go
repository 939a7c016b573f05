package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/engine"
	"planline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("board-1")
	e := engine.New(conn, cfg)
	ctx := context.Background()
	for actor, role := range map[string]string{
		"architect-1": "architect",
		"engineer-1":  "engineer",
		"regulator-1": "regulator",
		"admin-1":     "admin",
	} {
		if err := e.GrantRole(ctx, actor, role, "admin-1"); err != nil {
			t.Fatalf("grant %s: %v", role, err)
		}
	}
	handler, err := New(Config{
		Engine: e,
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func TestApprovalRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name": "Harbor Front Tower",
		"kind": "commercial",
	}, asActor("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if created.Status != "draft" || created.OwnerID != "owner-1" {
		t.Fatalf("unexpected project %+v", created)
	}

	steps := []struct {
		path  string
		actor string
		want  string
	}{
		{"/submit", "owner-1", "under_architect_review"},
		{"/approve", "architect-1", "under_engineer_review"},
		{"/approve", "engineer-1", "under_regulator_review"},
		{"/approve", "regulator-1", "approved"},
	}
	for _, s := range steps {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+created.ID+s.path,
			map[string]any{"comment": "ok"}, asActor(s.actor))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s by %s status %d: %s", s.path, s.actor, res.StatusCode, string(data))
		}
		var tr TransitionResponse
		if err := json.Unmarshal(data, &tr); err != nil {
			t.Fatalf("unmarshal transition: %v", err)
		}
		if tr.Project.Status != s.want {
			t.Fatalf("%s by %s: status %s, want %s", s.path, s.actor, tr.Project.Status, s.want)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+created.ID+"/ledger", nil, asActor("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ledger status %d: %s", res.StatusCode, string(data))
	}
	var chain []ApprovalResponse
	if err := json.Unmarshal(data, &chain); err != nil {
		t.Fatalf("unmarshal ledger: %v", err)
	}
	if len(chain) != 4 {
		t.Fatalf("ledger rows %d, want 4", len(chain))
	}
	if chain[0].StatusFrom != nil {
		t.Fatalf("first ledger row status_from %q, want absent", *chain[0].StatusFrom)
	}
	for i := 1; i < len(chain); i++ {
		if chain[i].StatusFrom == nil || *chain[i].StatusFrom != chain[i-1].StatusTo {
			t.Fatalf("ledger chain break at %d", i)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/queue", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "architect-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("bad login response: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "architect-1" || len(me.Roles) != 1 || me.Roles[0] != "architect" {
		t.Fatalf("unexpected me %+v", me)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status %d, want 401", res.StatusCode)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name": "Civic Center Annex",
		"kind": "public",
	}, asActor("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", res.StatusCode)
	}
	var created ProjectResponse
	_ = json.Unmarshal(data, &created)
	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+created.ID+"/submit", nil, asActor("owner-1"))

	// Wrong role: 403 forbidden.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+created.ID+"/approve", nil, asActor("engineer-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("approve by engineer status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("code %s, want forbidden", envelope.Error.Code)
	}

	// Bad edge: 409 illegal_transition.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+created.ID+"/override", map[string]any{
		"target": "approved",
	}, asActor("admin-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("override status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "illegal_transition" {
		t.Fatalf("envelope %s", string(data))
	}

	// Missing project: 404.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/nope", nil, asActor("owner-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get missing status %d", res.StatusCode)
	}
}

func TestQueueAndAssignmentRoutes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name": "Elm Street Duplex",
	}, asActor("owner-1"))
	var created ProjectResponse
	_ = json.Unmarshal(data, &created)
	_, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+created.ID+"/submit", nil, asActor("owner-1"))

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/queue", nil, asActor("architect-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue status %d: %s", res.StatusCode, string(data))
	}
	var queue []QueueItemResponse
	if err := json.Unmarshal(data, &queue); err != nil || len(queue) != 1 {
		t.Fatalf("queue %v: %s", err, string(data))
	}
	if queue[0].ProjectName != "Elm Street Duplex" {
		t.Fatalf("queue item %+v", queue[0])
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+queue[0].Assignment.ID+"/start", nil, asActor("architect-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var started AssignmentResponse
	if err := json.Unmarshal(data, &started); err != nil || started.Status != "in_progress" {
		t.Fatalf("started %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me/stats", nil, asActor("architect-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d", res.StatusCode)
	}
	var stats StatsResponse
	if err := json.Unmarshal(data, &stats); err != nil || stats.Pending != 1 {
		t.Fatalf("stats %s", string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"name": "ci",
	}, asActor("regulator-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mint status %d: %s", res.StatusCode, string(data))
	}
	var minted APIKeyCreatedResponse
	if err := json.Unmarshal(data, &minted); err != nil || minted.Key == "" {
		t.Fatalf("minted %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": minted.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via key status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil || me.ActorID != "regulator-1" {
		t.Fatalf("me %s", string(data))
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/apikeys/"+minted.ID, nil, asActor("regulator-1"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": minted.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("deleted key still valid: %d", res.StatusCode)
	}
}

func TestRBACRoutesRequireAdmin(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rbac/roles/grant", map[string]any{
		"actor_id": "new-reviewer",
		"role_id":  "architect",
	}, asActor("architect-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("grant by non-admin status %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rbac/roles/grant", map[string]any{
		"actor_id": "new-reviewer",
		"role_id":  "architect",
	}, asActor("admin-1"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("grant by admin status %d: %s", res.StatusCode, string(data))
	}

	who, err := srv.Engine.WhoAmI(context.Background(), "new-reviewer")
	if err != nil || len(who.Roles) != 1 {
		t.Fatalf("whoami %+v %v", who, err)
	}
}
