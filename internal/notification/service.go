package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/subalert/notification-worker/internal/apperrors"
	"github.com/subalert/notification-worker/internal/metrics"
	"github.com/subalert/notification-worker/internal/retry"
)

const defaultSubscriptionName = "Suscripción"

// Service persists notification batches under RLS and fans created rows out
// to the email and realtime topics.
type Service struct {
	store        Store
	users        Directory
	pub          Publisher
	dedupeWindow time.Duration
	publishRetry retry.Config
	lg           zerolog.Logger
}

func NewService(store Store, users Directory, pub Publisher, dedupeWindow time.Duration, lg zerolog.Logger) *Service {
	if dedupeWindow <= 0 {
		dedupeWindow = 60 * time.Minute
	}
	return &Service{
		store:        store,
		users:        users,
		pub:          pub,
		dedupeWindow: dedupeWindow,
		publishRetry: retry.Config{MaxRetries: 2, InitialDelay: 1 * time.Second, MaxDelay: 10 * time.Second, Factor: 2},
		lg:           lg.With().Str("component", "notification_service").Logger(),
	}
}

// CreateBatch persists drafts and publishes side channels. Same-user batches
// run in a single RLS transaction with sequential inserts; mixed-user batches
// fall back to one transaction per row. Individual insert failures are counted
// and do not abort the batch; a transaction-level failure (connection loss,
// RLS denial) aborts it and is returned so the caller's persistence retry and
// the delivery disposition see it.
func (s *Service) CreateBatch(ctx context.Context, drafts []Draft) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{Details: []Detail{}}
	if len(drafts) == 0 {
		return out, nil
	}

	sameUser := true
	for _, d := range drafts[1:] {
		if d.UserID != drafts[0].UserID {
			sameUser = false
			break
		}
	}

	var created []Created
	if sameUser {
		rows, err := s.persistForUser(ctx, drafts[0].UserID, drafts, out)
		if err != nil {
			return nil, err
		}
		created = rows
	} else {
		for _, d := range drafts {
			rows, err := s.persistForUser(ctx, d.UserID, []Draft{d}, out)
			if err != nil {
				return nil, err
			}
			created = append(created, rows...)
		}
	}

	if len(created) > 0 {
		out.EmailsPublished = s.fanout(ctx, created)
	}

	out.Created = len(created)
	if total := out.Created + out.Errors; total > 0 {
		out.SuccessRate = float64(out.Created) / float64(total) * 100
	}
	out.ProcessingTime = time.Since(start)
	metrics.RecordDuplicates(out.Duplicates)

	s.lg.Info().
		Int("created", out.Created).
		Int("errors", out.Errors).
		Int("duplicates", out.Duplicates).
		Int("emails", out.EmailsPublished).
		Dur("took", out.ProcessingTime).
		Msg("notification batch processed")

	return out, nil
}

// persistForUser runs one RLS transaction for userID. A connection-class
// insert error rolls the whole transaction back; anything else is recorded in
// the details and the batch continues. The transaction error itself is
// returned, not counted: nothing from the group is durable, so absorbing it
// would ack an envelope whose writes never happened.
func (s *Service) persistForUser(ctx context.Context, userID string, drafts []Draft, out *Outcome) ([]Created, error) {
	var (
		created    []Created
		details    []Detail
		duplicates int
		errors     int
	)

	err := s.store.WithUser(ctx, userID, func(tx Tx) error {
		created, details = nil, nil
		duplicates, errors = 0, 0

		for _, d := range drafts {
			dup, derr := tx.HasRecent(ctx, d, s.dedupeWindow)
			if derr != nil {
				// Prefer delivery over silent loss: treat as not duplicate.
				s.lg.Warn().Err(derr).Str("user_id", userID).Msg("dedupe check failed; inserting anyway")
				dup = false
			}
			if dup {
				duplicates++
				details = append(details, Detail{Duplicate: true})
				continue
			}

			id, ierr := tx.Insert(ctx, d)
			if ierr != nil {
				if apperrors.IsConnection(ierr) {
					return ierr
				}
				errors++
				details = append(details, Detail{Error: ierr.Error()})
				s.lg.Error().Err(ierr).Str("user_id", userID).Str("title", d.Title).Msg("insert failed")
				continue
			}
			created = append(created, Created{ID: id, Draft: d})
			details = append(details, Detail{Success: true, ID: id})
		}
		return nil
	})
	if err != nil {
		s.lg.Error().Err(err).Str("user_id", userID).Int("drafts", len(drafts)).Msg("batch transaction failed")
		return nil, err
	}

	out.Duplicates += duplicates
	out.Errors += errors
	out.Details = append(out.Details, details...)
	return created, nil
}

// fanout publishes side channels for the created rows and returns the number
// of email payloads enqueued. Realtime failures never fail the task: the rows
// are already durable.
func (s *Service) fanout(ctx context.Context, created []Created) int {
	byUser := make(map[string][]Created)
	order := []string{}
	for _, c := range created {
		if _, seen := byUser[c.Draft.UserID]; !seen {
			order = append(order, c.Draft.UserID)
		}
		byUser[c.Draft.UserID] = append(byUser[c.Draft.UserID], c)
	}

	emails := 0
	subNames := map[string]string{}

	for _, userID := range order {
		rows := byUser[userID]

		settings, err := s.users.NotificationSettings(ctx, userID)
		emailOK := err == nil
		if err != nil {
			s.lg.Warn().Err(err).Str("user_id", userID).Msg("preferences lookup failed; skipping email channel")
		}

		if emailOK {
			switch {
			case settings.Instant || settings.TestUser:
				for _, c := range rows {
					if s.publishEmail(ctx, EmailImmediate, settings, c, s.subscriptionName(ctx, subNames, c.Draft.SubscriptionID)) {
						emails++
					}
				}
			case settings.EmailEnabled:
				c := rows[0]
				if s.publishEmail(ctx, EmailDaily, settings, c, s.subscriptionName(ctx, subNames, c.Draft.SubscriptionID)) {
					emails++
				}
			}
		}

		for _, c := range rows {
			s.publishRealtime(ctx, c)
		}
	}
	return emails
}

func (s *Service) subscriptionName(ctx context.Context, cache map[string]string, subscriptionID string) string {
	if name, ok := cache[subscriptionID]; ok {
		return name
	}
	name, err := s.users.SubscriptionName(ctx, subscriptionID)
	if err != nil || name == "" {
		name = defaultSubscriptionName
	}
	cache[subscriptionID] = name
	return name
}

func (s *Service) publishEmail(ctx context.Context, topic EmailTopic, settings Settings, c Created, subName string) bool {
	payload := EmailPayload{
		UserID: c.Draft.UserID,
		Email:  settings.Recipient(),
		Notification: EmailNotification{
			ID:               c.ID,
			Title:            c.Draft.Title,
			Content:          c.Draft.Content,
			SourceURL:        c.Draft.SourceURL,
			SubscriptionName: subName,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	err := retry.Do(ctx, s.publishRetry, apperrors.IsRetryable, func() error {
		_, perr := s.pub.PublishEmail(ctx, topic, payload)
		return perr
	})
	if err != nil {
		metrics.RecordPublishFailure("email")
		s.lg.Error().Err(err).Str("topic", string(topic)).Str("notification_id", c.ID).Msg("email publish failed")
		return false
	}
	return true
}

func (s *Service) publishRealtime(ctx context.Context, c Created) {
	payload := RealtimePayload{
		UserID: c.Draft.UserID,
		Notification: RealtimeNotification{
			ID:         c.ID,
			Title:      c.Draft.Title,
			Content:    c.Draft.Content,
			SourceURL:  c.Draft.SourceURL,
			EntityType: c.Draft.EntityType,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		},
		Type: "notification",
	}

	err := retry.Do(ctx, s.publishRetry, apperrors.IsRetryable, func() error {
		_, perr := s.pub.PublishRealtime(ctx, payload)
		return perr
	})
	if err != nil {
		metrics.RecordPublishFailure("realtime")
		s.lg.Warn().Err(err).Str("notification_id", c.ID).Msg("realtime publish failed; continuing")
	}
}
