// Package worker glues the message gateway to the envelope pipeline:
// normalize, dedupe, dispatch.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rs/zerolog"

	"github.com/subalert/notification-worker/internal/apperrors"
	"github.com/subalert/notification-worker/internal/envelope"
	"github.com/subalert/notification-worker/internal/infrastructure/idempotency"
	"github.com/subalert/notification-worker/internal/metrics"
	appctx "github.com/subalert/notification-worker/internal/pkg/context"
	"github.com/subalert/notification-worker/internal/processor"
)

// DBHealthSink receives database-health observations made while processing;
// satisfied by the status tracker.
type DBHealthSink interface {
	SetDBActive(active bool, err error)
}

// Pipeline handles one envelope end to end. It satisfies the gateway's
// Handler contract; returned errors keep their taxonomy code so the gateway
// can route the delivery.
type Pipeline struct {
	validator *envelope.Validator
	registry  *processor.Registry
	idem      idempotency.Store
	health    DBHealthSink
	lg        zerolog.Logger
}

func NewPipeline(v *envelope.Validator, reg *processor.Registry, idem idempotency.Store, lg zerolog.Logger) *Pipeline {
	if idem == nil {
		idem = idempotency.Noop{}
	}
	return &Pipeline{
		validator: v,
		registry:  reg,
		idem:      idem,
		lg:        lg.With().Str("component", "pipeline").Logger(),
	}
}

// SetHealthSink installs the tracker that database observations feed.
func (p *Pipeline) SetHealthSink(h DBHealthSink) { p.health = h }

func (p *Pipeline) Handle(ctx context.Context, body []byte, messageID string) error {
	env, err := p.validator.Normalize(body)
	if err != nil {
		switch apperrors.CodeOf(err) {
		case apperrors.CodeValidation, apperrors.CodeParse:
			metrics.RecordValidationError()
		case apperrors.CodeUnknownProcessor:
			metrics.RecordUnknownProcessor()
		}
		return err
	}

	ctx = appctx.WithTraceID(ctx, env.TraceID)
	lg := p.lg.With().
		Str("trace_id", env.TraceID).
		Str("message_id", messageID).
		Str("type", env.ProcessorType).
		Logger()

	key := idempotencyKey(env, body)
	duplicate, err := p.idem.CheckAndMark(ctx, key)
	if err != nil {
		// The dedupe layer is best effort; a broken store must not stall intake.
		lg.Warn().Err(err).Msg("idempotency check failed; continuing")
	} else if duplicate {
		lg.Info().Str("key", key).Msg("duplicate envelope skipped")
		metrics.RecordDuplicates(1)
		return nil
	}

	metrics.RecordMessageConsumed(env.ProcessorType)

	outcome, err := p.registry.Dispatch(ctx, env)
	p.noteDBHealth(err)
	if err != nil {
		// Drop the claim so a requeued delivery is not skipped as a duplicate.
		if rerr := p.idem.Release(ctx, key); rerr != nil {
			lg.Warn().Err(rerr).Str("key", key).Msg("idempotency release failed")
		}
		return err
	}

	// Row-level duplicate counts are recorded by the notification service.
	metrics.RecordNotificationsCreated(env.ProcessorType, outcome.Created)
	return nil
}

// noteDBHealth feeds the status tracker: connection-class dispatch failures
// mark the database down, successful dispatches mark it up.
func (p *Pipeline) noteDBHealth(err error) {
	if p.health == nil {
		return
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeDBConnection:
		p.health.SetDBActive(false, err)
	case "":
		p.health.SetDBActive(true, nil)
	}
}

// idempotencyKey prefers the producer's processing id; envelopes without one
// fall back to a content hash.
func idempotencyKey(env *envelope.Envelope, body []byte) string {
	if env.Request.ProcessingID != "" {
		return env.Request.ProcessingID
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
