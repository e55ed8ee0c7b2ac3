package worker

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subalert/notification-worker/internal/apperrors"
	"github.com/subalert/notification-worker/internal/envelope"
	"github.com/subalert/notification-worker/internal/notification"
	"github.com/subalert/notification-worker/internal/processor"
)

const (
	testUserID = "11111111-2222-3333-4444-555555555555"
	testSubID  = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
)

type recordingProcessor struct {
	typ        string
	processErr error
	envelopes  []*envelope.Envelope
}

func (r *recordingProcessor) Type() string                                        { return r.typ }
func (r *recordingProcessor) RequiresDatabase() bool                              { return true }
func (r *recordingProcessor) Validate(env *envelope.Envelope) error               { return nil }
func (r *recordingProcessor) Transform(env *envelope.Envelope) *envelope.Envelope { return env }
func (r *recordingProcessor) Process(ctx context.Context, env *envelope.Envelope) (*notification.Outcome, error) {
	r.envelopes = append(r.envelopes, env)
	if r.processErr != nil {
		return nil, r.processErr
	}
	return &notification.Outcome{Created: 1}, nil
}

type memoryIdem struct {
	seen map[string]bool
	err  error
}

func (m *memoryIdem) CheckAndMark(ctx context.Context, key string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	dup := m.seen[key]
	m.seen[key] = true
	return dup, nil
}

func (m *memoryIdem) Release(ctx context.Context, key string) error {
	if m.err != nil {
		return m.err
	}
	delete(m.seen, key)
	return nil
}

func newTestPipeline(t *testing.T, proc *recordingProcessor, idem *memoryIdem) *Pipeline {
	t.Helper()
	reg := processor.NewRegistry(zerolog.Nop())
	require.NoError(t, reg.Register(proc))
	v := envelope.NewValidator(reg.Has, zerolog.Nop())
	return NewPipeline(v, reg, idem, zerolog.Nop())
}

func rawEnvelope(processingID string) []byte {
	return []byte(fmt.Sprintf(`{
		"processor_type": "boe",
		"request": {"user_id": %q, "subscription_id": %q, "processing_id": %q},
		"results": {"matches": [{"prompt": "p", "documents": []}]}
	}`, testUserID, testSubID, processingID))
}

func TestHandleProcessesEnvelope(t *testing.T) {
	proc := &recordingProcessor{typ: "boe"}
	p := newTestPipeline(t, proc, &memoryIdem{})

	err := p.Handle(context.Background(), rawEnvelope("proc-1"), "msg-1")
	require.NoError(t, err)
	require.Len(t, proc.envelopes, 1)
	assert.Equal(t, testUserID, proc.envelopes[0].Request.UserID)
}

func TestHandleSkipsDuplicateProcessingID(t *testing.T) {
	proc := &recordingProcessor{typ: "boe"}
	p := newTestPipeline(t, proc, &memoryIdem{})

	require.NoError(t, p.Handle(context.Background(), rawEnvelope("proc-1"), "msg-1"))
	require.NoError(t, p.Handle(context.Background(), rawEnvelope("proc-1"), "msg-2"))

	assert.Len(t, proc.envelopes, 1, "redelivered processing id must not dispatch twice")
}

func TestHandleFallsBackToContentHash(t *testing.T) {
	proc := &recordingProcessor{typ: "boe"}
	p := newTestPipeline(t, proc, &memoryIdem{})

	body := rawEnvelope("")
	require.NoError(t, p.Handle(context.Background(), body, "msg-1"))
	require.NoError(t, p.Handle(context.Background(), body, "msg-2"))
	assert.Len(t, proc.envelopes, 1, "identical bodies share the content-hash key")

	other := rawEnvelope("")
	other = append(other, ' ')
	require.NoError(t, p.Handle(context.Background(), other, "msg-3"))
	assert.Len(t, proc.envelopes, 2, "different bytes are different keys")
}

func TestHandleIdempotencyStoreFailureContinues(t *testing.T) {
	proc := &recordingProcessor{typ: "boe"}
	p := newTestPipeline(t, proc, &memoryIdem{err: fmt.Errorf("redis down")})

	require.NoError(t, p.Handle(context.Background(), rawEnvelope("proc-1"), "msg-1"))
	assert.Len(t, proc.envelopes, 1)
}

func TestHandleReturnsValidationError(t *testing.T) {
	proc := &recordingProcessor{typ: "boe"}
	p := newTestPipeline(t, proc, &memoryIdem{})

	err := p.Handle(context.Background(), []byte(`{"processor_type":"boe"}`), "msg-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
	assert.Empty(t, proc.envelopes)
}

func TestHandleReturnsParseError(t *testing.T) {
	p := newTestPipeline(t, &recordingProcessor{typ: "boe"}, &memoryIdem{})

	err := p.Handle(context.Background(), []byte(`not json`), "msg-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeParse, apperrors.CodeOf(err))
}

func TestHandleUnknownProcessor(t *testing.T) {
	p := newTestPipeline(t, &recordingProcessor{typ: "boe"}, &memoryIdem{})

	raw := []byte(fmt.Sprintf(`{"processor_type":"dou","request":{"user_id":%q,"subscription_id":%q}}`, testUserID, testSubID))
	err := p.Handle(context.Background(), raw, "msg-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeUnknownProcessor, apperrors.CodeOf(err))
}

func TestHandlePropagatesProcessorFailure(t *testing.T) {
	proc := &recordingProcessor{typ: "boe", processErr: apperrors.NewDBConnection("pool down", nil)}
	p := newTestPipeline(t, proc, &memoryIdem{})

	err := p.Handle(context.Background(), rawEnvelope("proc-1"), "msg-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDBConnection, apperrors.CodeOf(err))
}

func TestHandleFailureReleasesIdempotencyClaim(t *testing.T) {
	proc := &recordingProcessor{typ: "boe", processErr: apperrors.NewDBConnection("pool down", nil)}
	idem := &memoryIdem{}
	p := newTestPipeline(t, proc, idem)

	require.Error(t, p.Handle(context.Background(), rawEnvelope("proc-1"), "msg-1"))

	// Recovered dependency: the redelivered envelope must process.
	proc.processErr = nil
	require.NoError(t, p.Handle(context.Background(), rawEnvelope("proc-1"), "msg-1"))
	assert.Len(t, proc.envelopes, 2)
}
