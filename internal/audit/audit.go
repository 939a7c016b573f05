// Package audit records who did what. The audit log is append-only and
// doubles as the ordered event stream the webhook dispatcher polls.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"planline/internal/domain"
	"planline/internal/repo"
)

type Sink interface {
	Record(ctx context.Context, actorID, action, resourceType, resourceID string, details map[string]any) error
}

type Store struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s Store) Record(ctx context.Context, actorID, action, resourceType, resourceID string, details map[string]any) error {
	detailsJSON := "{}"
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return err
		}
		detailsJSON = string(raw)
	}
	return s.Repo.InsertAudit(ctx, domain.AuditEntry{
		TS:           s.Now().UTC().Format(time.RFC3339),
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		DetailsJSON:  detailsJSON,
	})
}
