// Package processor maps document families to the handlers that turn
// envelopes into notification drafts.
package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/subalert/notification-worker/internal/apperrors"
	"github.com/subalert/notification-worker/internal/envelope"
	"github.com/subalert/notification-worker/internal/metrics"
	"github.com/subalert/notification-worker/internal/notification"
)

// Processor is the per-family contract. Transform specializes the generic
// normalization; Process emits and persists drafts and never writes rows
// itself beyond what the notification service exposes.
type Processor interface {
	Type() string
	RequiresDatabase() bool
	Validate(env *envelope.Envelope) error
	Transform(env *envelope.Envelope) *envelope.Envelope
	Process(ctx context.Context, env *envelope.Envelope) (*notification.Outcome, error)
}

// Registry holds the processor_type -> Processor mapping.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
	dbReady    func() bool
	lg         zerolog.Logger
}

func NewRegistry(lg zerolog.Logger) *Registry {
	return &Registry{
		processors: make(map[string]Processor),
		lg:         lg.With().Str("component", "processor_registry").Logger(),
	}
}

// SetDBCheck installs the database-availability probe dispatch consults
// before running a processor that requires the database.
func (r *Registry) SetDBCheck(ready func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dbReady = ready
}

// Register adds a processor. Registering the same instance twice is a no-op;
// a different processor under an existing type is rejected.
func (r *Registry) Register(p Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.processors[p.Type()]; ok {
		if existing == p {
			return nil
		}
		return fmt.Errorf("processor type %q already registered", p.Type())
	}
	r.processors[p.Type()] = p
	r.lg.Info().Str("type", p.Type()).Bool("requires_db", p.RequiresDatabase()).Msg("processor registered")
	return nil
}

// Has reports whether a processor type is registered.
func (r *Registry) Has(processorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processors[processorType]
	return ok
}

// Types returns the registered processor types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatch routes an envelope to its processor and runs the
// validate -> transform -> process chain.
func (r *Registry) Dispatch(ctx context.Context, env *envelope.Envelope) (*notification.Outcome, error) {
	lg := r.lg.With().
		Str("trace_id", env.TraceID).
		Str("user_id", env.Request.UserID).
		Str("subscription_id", env.Request.SubscriptionID).
		Str("type", env.ProcessorType).
		Logger()
	lg.Info().Msg("dispatching envelope")

	r.mu.RLock()
	p, ok := r.processors[env.ProcessorType]
	dbReady := r.dbReady
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewUnknownProcessor(
			fmt.Sprintf("no processor for type %q (registered: %v)", env.ProcessorType, r.Types()))
	}

	// Fail fast instead of burning persistence retries against a dead pool.
	if p.RequiresDatabase() && dbReady != nil && !dbReady() {
		return nil, apperrors.NewDBConnection(
			fmt.Sprintf("processor %q requires the database, which is unavailable", p.Type()), nil)
	}

	if err := p.Validate(env); err != nil {
		return nil, apperrors.NewProcessorValidation(
			fmt.Sprintf("processor %q rejected envelope: %v", p.Type(), err))
	}

	start := time.Now()
	outcome, err := p.Process(ctx, p.Transform(env))
	took := time.Since(start)
	metrics.RecordProcessing(env.ProcessorType, took)

	if err != nil {
		if appCode := apperrors.CodeOf(err); appCode != apperrors.CodeInternal {
			// Already classified; keep the original code for routing.
			return nil, err
		}
		return nil, apperrors.NewProcessorExecution(
			fmt.Sprintf("processor %q failed (trace %s)", p.Type(), env.TraceID), err)
	}

	lg.Info().
		Int("created", outcome.Created).
		Int("errors", outcome.Errors).
		Int("duplicates", outcome.Duplicates).
		Dur("took", took).
		Msg("envelope processed")
	return outcome, nil
}
