// Package notify delivers per-user notifications after a transition
// commits. Delivery failures are logged, never propagated: a lost
// notification must not roll back an approved project.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"planline/internal/domain"
	"planline/internal/repo"
)

// Sink receives notification events. Implementations must tolerate
// duplicate delivery.
type Sink interface {
	Notify(ctx context.Context, userID, kind string, payload map[string]any) error
}

// Store writes notifications as durable rows so every instance sharing the
// database sees the same queue.
type Store struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s Store) Notify(ctx context.Context, userID, kind string, payload map[string]any) error {
	var payloadJSON string
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		payloadJSON = string(raw)
	}
	return s.Repo.InsertNotification(ctx, domain.Notification{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		CreatedAt:   s.Now().UTC().Format(time.RFC3339),
	})
}
