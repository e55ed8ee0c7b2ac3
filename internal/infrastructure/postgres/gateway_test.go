package postgres

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subalert/notification-worker/internal/apperrors"
	"github.com/subalert/notification-worker/internal/retry"
)

func testGateway() *Gateway {
	return NewGateway("postgres://x:y@localhost:5432/test", retry.Default(), zerolog.Nop())
}

func TestClassifyPgErrors(t *testing.T) {
	g := testGateway()

	cases := []struct {
		name string
		code string
		want apperrors.Code
	}{
		{"rls denial", "42501", apperrors.CodeDBPermission},
		{"connection exception", "08006", apperrors.CodeDBConnection},
		{"admin shutdown", "57P01", apperrors.CodeDBConnection},
		{"cannot connect now", "57P03", apperrors.CodeDBConnection},
		{"failed sql transaction", "25P02", apperrors.CodeDBTransaction},
		{"unique violation", "23505", apperrors.CodeDBQuery},
		{"syntax error", "42601", apperrors.CodeDBQuery},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.classify(&pgconn.PgError{Code: tc.code}, "op failed")
			assert.Equal(t, tc.want, apperrors.CodeOf(err))
		})
	}
}

func TestClassifyTransportAndTimeout(t *testing.T) {
	g := testGateway()

	dial := &net.OpError{Op: "dial", Err: errors.New("connect: connection refused")}
	assert.Equal(t, apperrors.CodeDBConnection, apperrors.CodeOf(g.classify(dial, "op")))

	reset := errors.New("read tcp 127.0.0.1:5432: connection reset by peer")
	assert.Equal(t, apperrors.CodeDBConnection, apperrors.CodeOf(g.classify(reset, "op")))

	assert.Equal(t, apperrors.CodeTimeout, apperrors.CodeOf(g.classify(context.DeadlineExceeded, "op")))

	plain := errors.New("some scan error")
	assert.Equal(t, apperrors.CodeDBQuery, apperrors.CodeOf(g.classify(plain, "op")))
}

func TestWithRLSContextRejectsNonUUID(t *testing.T) {
	g := testGateway()

	for _, bad := range []string{
		"",
		"user-42",
		"abc'; DROP TABLE notifications;--",
		"11111111-2222-3333-4444-55555555555",
		"11111111-2222-3333-4444-555555555555' OR '1'='1",
	} {
		err := g.WithRLSContext(context.Background(), bad, nil)
		require.Error(t, err, "user_id %q must be rejected before any SQL runs", bad)
		assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
	}
}

func TestStatsBeforeInitialization(t *testing.T) {
	g := testGateway()

	st := g.Stats()
	assert.False(t, st.Initialized)
	assert.Zero(t, st.Total)
	assert.True(t, st.LastSuccess.IsZero())
}

func TestStatsRecordsErrors(t *testing.T) {
	g := testGateway()
	g.noteError(errors.New("broken pipe"))

	st := g.Stats()
	assert.Equal(t, "broken pipe", st.LastErrMsg)
	assert.WithinDuration(t, time.Now(), st.LastError, time.Second)
}

func TestIsTransportError(t *testing.T) {
	assert.True(t, isTransportError(errors.New("dial tcp: connection refused")))
	assert.True(t, isTransportError(errors.New("write: broken pipe")))
	assert.True(t, isTransportError(errors.New("FATAL: terminating connection due to administrator command")))
	assert.True(t, isTransportError(errors.New("conn closed")))
	assert.False(t, isTransportError(errors.New("duplicate key value violates unique constraint")))
}
