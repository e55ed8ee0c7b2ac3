package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/subalert/notification-worker/internal/notification"
)

// UserDirectory reads user preferences and subscription names. These are
// service-role reads, not RLS-scoped writes, so they go through the plain
// gateway query path with its transient retry.
type UserDirectory struct {
	gw *Gateway
}

func NewUserDirectory(gw *Gateway) *UserDirectory {
	return &UserDirectory{gw: gw}
}

// notificationSettings mirrors the JSON stored in users.notification_settings.
type notificationSettings struct {
	EmailNotifications   bool   `json:"emailNotifications"`
	NotificationEmail    string `json:"notificationEmail"`
	InstantNotifications bool   `json:"instantNotifications"`
	TestUser             bool   `json:"testUser"`
}

func (d *UserDirectory) NotificationSettings(ctx context.Context, userID string) (notification.Settings, error) {
	var (
		email    string
		rawPrefs []byte
	)
	err := d.gw.QueryRow(ctx,
		`SELECT email, COALESCE(notification_settings, '{}'::jsonb) FROM users WHERE id = $1`,
		[]any{userID}, &email, &rawPrefs)
	if err != nil {
		return notification.Settings{}, err
	}

	var prefs notificationSettings
	if uerr := json.Unmarshal(rawPrefs, &prefs); uerr != nil {
		// Unreadable preferences degrade to digest-only defaults.
		prefs = notificationSettings{EmailNotifications: false}
	}

	return notification.Settings{
		Email:             email,
		NotificationEmail: prefs.NotificationEmail,
		EmailEnabled:      prefs.EmailNotifications,
		Instant:           prefs.InstantNotifications,
		TestUser:          prefs.TestUser,
	}, nil
}

func (d *UserDirectory) SubscriptionName(ctx context.Context, subscriptionID string) (string, error) {
	var name string
	err := d.gw.QueryRow(ctx,
		`SELECT name FROM subscriptions WHERE id = $1`,
		[]any{subscriptionID}, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}
