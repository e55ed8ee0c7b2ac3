// Package notification owns persistence of notification rows and the fanout
// to the email and realtime side channels. Processors produce drafts; only
// this package writes them.
package notification

import (
	"context"
	"time"
)

// Draft is a notification a processor wants persisted. The id is assigned by
// the store at insert time.
type Draft struct {
	UserID         string
	SubscriptionID string
	Title          string
	Content        string
	SourceURL      string
	EntityType     string
	Metadata       map[string]any
}

// Created pairs a persisted draft with its server-assigned id.
type Created struct {
	ID    string
	Draft Draft
}

// Detail records the disposition of one draft within a batch.
type Detail struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	ID        string `json:"id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Outcome aggregates the counters of one batch.
type Outcome struct {
	Created         int           `json:"created"`
	Errors          int           `json:"errors"`
	Duplicates      int           `json:"duplicates"`
	EmailsPublished int           `json:"emails_published"`
	SuccessRate     float64       `json:"success_rate"`
	ProcessingTime  time.Duration `json:"processing_time"`
	Details         []Detail      `json:"details"`
}

// Settings is the slice of users.notification_settings the worker reads.
type Settings struct {
	Email             string
	NotificationEmail string
	EmailEnabled      bool
	Instant           bool
	TestUser          bool
}

// Recipient resolves the address email payloads are sent to.
func (s Settings) Recipient() string {
	if s.NotificationEmail != "" {
		return s.NotificationEmail
	}
	return s.Email
}

// EmailTopic selects between the immediate and daily-digest email topics.
type EmailTopic string

const (
	EmailImmediate EmailTopic = "immediate"
	EmailDaily     EmailTopic = "daily"
)

// EmailPayload is the wire shape for both email topics.
type EmailPayload struct {
	UserID       string            `json:"userId"`
	Email        string            `json:"email"`
	Notification EmailNotification `json:"notification"`
	Timestamp    string            `json:"timestamp"`
}

type EmailNotification struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	SourceURL        string `json:"sourceUrl"`
	SubscriptionName string `json:"subscriptionName"`
}

// RealtimePayload is the wire shape for the push topic.
type RealtimePayload struct {
	UserID       string               `json:"userId"`
	Notification RealtimeNotification `json:"notification"`
	Type         string               `json:"type"`
}

type RealtimeNotification struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	SourceURL  string `json:"sourceUrl"`
	EntityType string `json:"entityType"`
	CreatedAt  string `json:"createdAt"`
}

// Tx is the per-transaction surface the service uses for row operations.
// Both calls run inside the RLS transaction opened by Store.WithUser.
type Tx interface {
	Insert(ctx context.Context, d Draft) (id string, err error)
	HasRecent(ctx context.Context, d Draft, window time.Duration) (bool, error)
}

// Store opens an RLS-scoped transaction for one user and runs fn inside it.
type Store interface {
	WithUser(ctx context.Context, userID string, fn func(tx Tx) error) error
}

// Directory reads user preferences and subscription names.
type Directory interface {
	NotificationSettings(ctx context.Context, userID string) (Settings, error)
	SubscriptionName(ctx context.Context, subscriptionID string) (string, error)
}

// Publisher is the side-channel publish contract. Message ids are
// transport-assigned and empty on permanent failure.
type Publisher interface {
	PublishEmail(ctx context.Context, topic EmailTopic, payload EmailPayload) (string, error)
	PublishRealtime(ctx context.Context, payload RealtimePayload) (string, error)
}
