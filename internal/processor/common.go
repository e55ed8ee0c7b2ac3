package processor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/subalert/notification-worker/internal/apperrors"
	"github.com/subalert/notification-worker/internal/metrics"
	"github.com/subalert/notification-worker/internal/notification"
	"github.com/subalert/notification-worker/internal/retry"
)

// Creator is the slice of the notification service processors depend on.
type Creator interface {
	CreateBatch(ctx context.Context, drafts []notification.Draft) (*notification.Outcome, error)
}

// persistRetry bounds the persistence retries processors perform before
// giving up: two extra attempts, 1s initial delay, exponential backoff.
var persistRetry = retry.Config{MaxRetries: 2, InitialDelay: 1 * time.Second, MaxDelay: 10 * time.Second, Factor: 2}

// persistWithRetry calls the notification service, retrying connection-class
// failures only.
func persistWithRetry(ctx context.Context, c Creator, drafts []notification.Draft) (*notification.Outcome, error) {
	var outcome *notification.Outcome
	attempt := 0
	err := retry.Do(ctx, persistRetry, apperrors.IsConnection, func() error {
		if attempt > 0 {
			metrics.RecordRetryAttempt("persist")
		}
		attempt++
		var cerr error
		outcome, cerr = c.CreateBatch(ctx, drafts)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// truncateEllipsis bounds s to max runes, ending in "..." when cut.
func truncateEllipsis(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

var spanishMonths = []string{
	"enero", "febrero", "marzo", "abril", "mayo", "junio",
	"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre",
}

// spanishDate renders an ISO date as "2 de mayo de 2025"; unparseable input
// is returned as-is.
func spanishDate(iso string) string {
	iso = strings.TrimSpace(iso)
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		t, err = time.Parse("2006-01-02", iso)
	}
	if err != nil {
		return iso
	}
	return strconv.Itoa(t.Day()) + " de " + spanishMonths[t.Month()-1] + " de " + strconv.Itoa(t.Year())
}

// formatEuro renders an amount the way es-ES currency formatting does with
// zero fraction digits: dot-grouped thousands and a trailing euro sign.
func formatEuro(amount float64) string {
	n := int64(amount + 0.5)
	if amount < 0 {
		n = int64(amount - 0.5)
	}
	neg := n < 0
	if neg {
		n = -n
	}

	digits := strconv.FormatInt(n, 10)
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
		if len(digits) > lead {
			b.WriteByte('.')
		}
	}
	for i := lead; i < len(digits); i += 3 {
		b.WriteString(digits[i : i+3])
		if i+3 < len(digits) {
			b.WriteByte('.')
		}
	}
	return b.String() + " €"
}

// formatNumber renders a float without trailing zeros ("85", "85.5").
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
