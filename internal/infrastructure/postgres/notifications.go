package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/subalert/notification-worker/internal/notification"
)

// NotificationStore implements notification.Store on top of the gateway.
// Every row operation runs inside the RLS transaction WithUser opens.
type NotificationStore struct {
	gw *Gateway
}

func NewNotificationStore(gw *Gateway) *NotificationStore {
	return &NotificationStore{gw: gw}
}

func (s *NotificationStore) WithUser(ctx context.Context, userID string, fn func(tx notification.Tx) error) error {
	return s.gw.WithRLSContext(ctx, userID, func(tx pgx.Tx) error {
		return fn(&notificationTx{tx: tx, gw: s.gw})
	})
}

type notificationTx struct {
	tx pgx.Tx
	gw *Gateway
}

func (t *notificationTx) Insert(ctx context.Context, d notification.Draft) (string, error) {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		meta = []byte("{}")
	}

	var id string
	err = t.tx.QueryRow(ctx, `
		INSERT INTO notifications (user_id, subscription_id, title, content, source_url, metadata, entity_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'unread', NOW(), NOW())
		RETURNING id
	`, d.UserID, d.SubscriptionID, d.Title, d.Content, d.SourceURL, meta, d.EntityType).Scan(&id)
	if err != nil {
		return "", t.gw.classify(err, "notification insert failed")
	}
	return id, nil
}

// HasRecent reports whether a structurally-equivalent notification exists for
// the user inside the dedupe window. The RLS context already scopes rows to
// the user; the explicit predicate keeps the query honest regardless.
func (t *notificationTx) HasRecent(ctx context.Context, d notification.Draft, window time.Duration) (bool, error) {
	cutoff := time.Now().Add(-window)

	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM notifications
			WHERE user_id = $1
			  AND title = $2
			  AND COALESCE(source_url, '') = $3
			  AND COALESCE(entity_type, '') = $4
			  AND created_at > $5
		)
	`, d.UserID, d.Title, d.SourceURL, d.EntityType, cutoff).Scan(&exists)
	if err != nil {
		return false, t.gw.classify(err, "dedupe lookup failed")
	}
	return exists, nil
}
