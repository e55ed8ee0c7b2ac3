// Package status tracks dependency health and derives the worker's coarse
// operating mode from it.
package status

import (
	"sync"
	"time"
)

// Mode is the coarse health classification of the worker.
type Mode string

const (
	ModeInitializing Mode = "INITIALIZING"
	ModeFull         Mode = "FULL"
	ModeLimited      Mode = "LIMITED"  // can persist; not ingesting
	ModeReadOnly     Mode = "READONLY" // database only
	ModeError        Mode = "ERROR"
)

const errorRingSize = 20

// ErrEntry is one retained dependency error.
type ErrEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Report is a consistent snapshot for the HTTP surface.
type Report struct {
	Mode               Mode                  `json:"mode"`
	DBActive           bool                  `json:"db_active"`
	PubSubActive       bool                  `json:"pubsub_active"`
	SubscriptionActive bool                  `json:"subscription_active"`
	Since              time.Time             `json:"since"`
	Errors             map[string][]ErrEntry `json:"errors,omitempty"`
}

// Tracker owns the dependency booleans and the per-source error rings.
// All methods are safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	initialized        bool
	dbActive           bool
	pubsubActive       bool
	subscriptionActive bool
	since              time.Time

	errors map[string][]ErrEntry
}

func NewTracker() *Tracker {
	return &Tracker{
		since:  time.Now(),
		errors: make(map[string][]ErrEntry),
	}
}

// MarkInitialized moves the tracker out of INITIALIZING; mode derivation
// applies from here on.
func (t *Tracker) MarkInitialized() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = true
	t.since = time.Now()
}

func (t *Tracker) SetDBActive(active bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dbActive = active
	if err != nil {
		t.recordLocked("db", err)
	}
}

func (t *Tracker) SetPubSubActive(active bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pubsubActive = active
	if !active {
		// A dead transport also means no live subscription.
		t.subscriptionActive = false
	}
	if err != nil {
		t.recordLocked("pubsub", err)
	}
}

func (t *Tracker) SetSubscriptionActive(active bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscriptionActive = active
	if err != nil {
		t.recordLocked("subscription", err)
	}
}

func (t *Tracker) recordLocked(source string, err error) {
	ring := append(t.errors[source], ErrEntry{At: time.Now(), Message: err.Error()})
	if len(ring) > errorRingSize {
		ring = ring[len(ring)-errorRingSize:]
	}
	t.errors[source] = ring
}

// Mode derives the operating mode from the dependency booleans.
func (t *Tracker) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modeLocked()
}

func (t *Tracker) modeLocked() Mode {
	if !t.initialized {
		return ModeInitializing
	}
	switch {
	case !t.dbActive:
		return ModeError
	case t.pubsubActive && t.subscriptionActive:
		return ModeFull
	case t.pubsubActive:
		return ModeLimited
	default:
		return ModeReadOnly
	}
}

// Healthy reports liveness: FULL or LIMITED.
func (t *Tracker) Healthy() bool {
	m := t.Mode()
	return m == ModeFull || m == ModeLimited
}

// Ready reports readiness to ingest: FULL only.
func (t *Tracker) Ready() bool {
	return t.Mode() == ModeFull
}

func (t *Tracker) Snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	errs := make(map[string][]ErrEntry, len(t.errors))
	for k, ring := range t.errors {
		cp := make([]ErrEntry, len(ring))
		copy(cp, ring)
		errs[k] = cp
	}

	return Report{
		Mode:               t.modeLocked(),
		DBActive:           t.dbActive,
		PubSubActive:       t.pubsubActive,
		SubscriptionActive: t.subscriptionActive,
		Since:              t.since,
		Errors:             errs,
	}
}
