package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeDerivation(t *testing.T) {
	cases := []struct {
		name                string
		db, pubsub, subscr  bool
		want                Mode
		healthy, ready      bool
	}{
		{"all up", true, true, true, ModeFull, true, true},
		{"subscription down", true, true, false, ModeLimited, true, false},
		{"pubsub down", true, false, false, ModeReadOnly, false, false},
		{"db down", false, true, true, ModeError, false, false},
		{"everything down", false, false, false, ModeError, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker()
			tr.MarkInitialized()
			tr.SetDBActive(tc.db, nil)
			tr.SetPubSubActive(tc.pubsub, nil)
			tr.SetSubscriptionActive(tc.subscr, nil)

			assert.Equal(t, tc.want, tr.Mode())
			assert.Equal(t, tc.healthy, tr.Healthy())
			assert.Equal(t, tc.ready, tr.Ready())
		})
	}
}

func TestModeBeforeInitialization(t *testing.T) {
	tr := NewTracker()
	tr.SetDBActive(true, nil)
	tr.SetPubSubActive(true, nil)
	tr.SetSubscriptionActive(true, nil)

	assert.Equal(t, ModeInitializing, tr.Mode())
	assert.False(t, tr.Healthy())
	assert.False(t, tr.Ready())

	tr.MarkInitialized()
	assert.Equal(t, ModeFull, tr.Mode())
}

func TestPubSubDownClearsSubscription(t *testing.T) {
	tr := NewTracker()
	tr.MarkInitialized()
	tr.SetDBActive(true, nil)
	tr.SetPubSubActive(true, nil)
	tr.SetSubscriptionActive(true, nil)
	require.Equal(t, ModeFull, tr.Mode())

	tr.SetPubSubActive(false, errors.New("connection reset"))
	assert.Equal(t, ModeReadOnly, tr.Mode())

	// Transport recovery alone is LIMITED until the consumer re-registers.
	tr.SetPubSubActive(true, nil)
	assert.Equal(t, ModeLimited, tr.Mode())
}

func TestErrorRingBounded(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 50; i++ {
		tr.SetDBActive(false, fmt.Errorf("failure %d", i))
	}

	rep := tr.Snapshot()
	require.Len(t, rep.Errors["db"], 20)
	assert.Equal(t, "failure 30", rep.Errors["db"][0].Message, "oldest entries evicted first")
	assert.Equal(t, "failure 49", rep.Errors["db"][19].Message)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	tr := NewTracker()
	tr.SetDBActive(false, errors.New("one"))

	rep := tr.Snapshot()
	rep.Errors["db"][0].Message = "mutated"

	assert.Equal(t, "one", tr.Snapshot().Errors["db"][0].Message)
}

func TestSuccessfulSetDoesNotRecordError(t *testing.T) {
	tr := NewTracker()
	tr.SetDBActive(true, nil)
	tr.SetPubSubActive(true, nil)

	assert.Empty(t, tr.Snapshot().Errors)
}
