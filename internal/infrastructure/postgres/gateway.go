// Package postgres owns the connection pool, transaction boundaries and the
// row-level-security context every notification write runs under.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/subalert/notification-worker/internal/apperrors"
	"github.com/subalert/notification-worker/internal/envelope"
	"github.com/subalert/notification-worker/internal/retry"
)

const connectTestTimeout = 10 * time.Second

// PoolStats is the read-only pool snapshot exposed to the status surface.
type PoolStats struct {
	Initialized bool      `json:"initialized"`
	Total       int32     `json:"total"`
	Idle        int32     `json:"idle"`
	Waiting     int64     `json:"waiting"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   time.Time `json:"last_error,omitempty"`
	LastErrMsg  string    `json:"last_error_message,omitempty"`
}

// Gateway wraps a lazily-initialized pgx pool. Concurrent initializers are
// single-flighted; a fatal pool error drops the pool so the next caller
// re-initializes it.
type Gateway struct {
	dsn      string
	retryCfg retry.Config
	lg       zerolog.Logger

	mu          sync.Mutex
	pool        *pgxpool.Pool
	initCh      chan struct{} // non-nil while an init attempt is in flight
	lastSuccess time.Time
	lastError   time.Time
	lastErrMsg  string
}

func NewGateway(dsn string, retryCfg retry.Config, lg zerolog.Logger) *Gateway {
	return &Gateway{
		dsn:      dsn,
		retryCfg: retryCfg,
		lg:       lg.With().Str("component", "db_gateway").Logger(),
	}
}

// Pool returns the shared pool, initializing it on first use. Callers racing
// the initialization wait for the in-flight attempt instead of dialing again.
func (g *Gateway) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	for {
		g.mu.Lock()
		if g.pool != nil {
			p := g.pool
			g.mu.Unlock()
			return p, nil
		}
		if g.initCh != nil {
			ch := g.initCh
			g.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, apperrors.NewDBConnection("pool init interrupted", ctx.Err())
			}
		}
		ch := make(chan struct{})
		g.initCh = ch
		g.mu.Unlock()

		pool, err := pgxpool.New(ctx, g.dsn)

		g.mu.Lock()
		g.initCh = nil
		close(ch)
		if err != nil {
			g.noteErrorLocked(err)
			g.mu.Unlock()
			return nil, apperrors.NewDBConnection("pool init failed", err)
		}
		g.pool = pool
		g.lastSuccess = time.Now()
		g.mu.Unlock()
		g.lg.Info().Msg("database pool initialized")
		return pool, nil
	}
}

// TestConnection issues SELECT 1 with a 10s cap per attempt and 1s/2s/4s
// backoff across up to three attempts.
func (g *Gateway) TestConnection(ctx context.Context) error {
	cfg := retry.Config{MaxRetries: 2, InitialDelay: 1 * time.Second, MaxDelay: 4 * time.Second, Factor: 2}
	return retry.Do(ctx, cfg, nil, func() error {
		pool, err := g.Pool(ctx)
		if err != nil {
			return err
		}
		tctx, cancel := context.WithTimeout(ctx, connectTestTimeout)
		defer cancel()

		var one int
		if err := pool.QueryRow(tctx, "SELECT 1").Scan(&one); err != nil {
			g.noteError(err)
			g.dropPoolOnFatal(err)
			return apperrors.NewDBConnection("connection test failed", err)
		}
		g.noteSuccess()
		return nil
	})
}

// Ping issues a single SELECT 1, no retry. Used by the periodic health probe.
func (g *Gateway) Ping(ctx context.Context) error {
	pool, err := g.Pool(ctx)
	if err != nil {
		return err
	}
	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return g.classify(err, "ping failed")
	}
	g.noteSuccess()
	return nil
}

// Query runs a read outside any RLS context, retrying transient errors.
func (g *Gateway) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	err := retry.Do(ctx, g.retryCfg, apperrors.IsRetryable, func() error {
		pool, perr := g.Pool(ctx)
		if perr != nil {
			return perr
		}
		var qerr error
		rows, qerr = pool.Query(ctx, sql, args...)
		if qerr != nil {
			return g.classify(qerr, "query failed")
		}
		return nil
	})
	return rows, err
}

// QueryRow runs a single-row read with transient retry, scanning into dest.
func (g *Gateway) QueryRow(ctx context.Context, sql string, args []any, dest ...any) error {
	return retry.Do(ctx, g.retryCfg, apperrors.IsRetryable, func() error {
		pool, perr := g.Pool(ctx)
		if perr != nil {
			return perr
		}
		if err := pool.QueryRow(ctx, sql, args...).Scan(dest...); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			return g.classify(err, "query failed")
		}
		g.noteSuccess()
		return nil
	})
}

// Exec runs a statement outside any RLS context, retrying transient errors.
func (g *Gateway) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := retry.Do(ctx, g.retryCfg, apperrors.IsRetryable, func() error {
		pool, perr := g.Pool(ctx)
		if perr != nil {
			return perr
		}
		var eerr error
		tag, eerr = pool.Exec(ctx, sql, args...)
		if eerr != nil {
			return g.classify(eerr, "exec failed")
		}
		g.noteSuccess()
		return nil
	})
	return tag, err
}

// WithRLSContext runs fn inside a transaction whose session-local
// app.current_user_id is set to userID. The store cannot parameterize SET
// LOCAL, so userID is validated against the canonical UUID pattern before it
// is interpolated; anything else is rejected outright.
func (g *Gateway) WithRLSContext(ctx context.Context, userID string, fn func(tx pgx.Tx) error) error {
	if !envelope.IsUUID(userID) {
		return apperrors.NewValidation(fmt.Sprintf("user_id %q is not a valid UUID for RLS context", userID))
	}

	pool, err := g.Pool(ctx)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return g.classify(err, "begin failed")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Safe to interpolate: the value just passed the strict UUID check.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL app.current_user_id = '%s'", userID)); err != nil {
		return g.classify(err, "rls context set failed")
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return g.classify(err, "commit failed")
	}
	g.noteSuccess()
	return nil
}

// classify maps a raw driver error onto the taxonomy; the stores in this
// package all route their errors through it.
func (g *Gateway) classify(err error, msg string) error {
	g.noteError(err)
	g.dropPoolOnFatal(err)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501": // insufficient_privilege: RLS denial
			return apperrors.NewDBPermission(msg, err)
		case strings.HasPrefix(pgErr.Code, "08"), // connection_exception class
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "57P02", // crash_shutdown
			pgErr.Code == "57P03": // cannot_connect_now
			return apperrors.NewDBConnection(msg, err)
		case pgErr.Code == "25P02": // in_failed_sql_transaction
			return apperrors.NewDBTransaction(msg, err)
		}
		return apperrors.NewDBQuery(msg, err)
	}

	if isTransportError(err) {
		return apperrors.NewDBConnection(msg, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeout(msg, err)
	}
	return apperrors.NewDBQuery(msg, err)
}

// isTransportError catches the network-level failures pgx surfaces without a
// SQLSTATE: dial errors, resets, broken pipes.
func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	s := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"terminating connection",
		"unexpected EOF",
		"conn closed",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// dropPoolOnFatal discards the pool after connection-class failures so the
// next caller re-initializes it.
func (g *Gateway) dropPoolOnFatal(err error) {
	if !isTransportError(err) {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || !strings.HasPrefix(pgErr.Code, "57P") {
			return
		}
	}
	g.mu.Lock()
	pool := g.pool
	g.pool = nil
	g.mu.Unlock()
	if pool != nil {
		pool.Close()
		g.lg.Warn().Msg("database pool dropped after fatal error; will re-initialize")
	}
}

func (g *Gateway) noteSuccess() {
	g.mu.Lock()
	g.lastSuccess = time.Now()
	g.mu.Unlock()
}

func (g *Gateway) noteError(err error) {
	g.mu.Lock()
	g.noteErrorLocked(err)
	g.mu.Unlock()
}

func (g *Gateway) noteErrorLocked(err error) {
	g.lastError = time.Now()
	g.lastErrMsg = err.Error()
}

// Stats returns a consistent snapshot for /diagnostics.
func (g *Gateway) Stats() PoolStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := PoolStats{
		Initialized: g.pool != nil,
		LastSuccess: g.lastSuccess,
		LastError:   g.lastError,
		LastErrMsg:  g.lastErrMsg,
	}
	if g.pool != nil {
		st := g.pool.Stat()
		out.Total = st.TotalConns()
		out.Idle = st.IdleConns()
		out.Waiting = st.EmptyAcquireCount()
	}
	return out
}

func (g *Gateway) Close() {
	g.mu.Lock()
	pool := g.pool
	g.pool = nil
	g.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
}
