package journal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ml/kestrel/common/stats"
	"github.com/kestrel-ml/kestrel/journal"
	"github.com/kestrel-ml/kestrel/journal/journals"
)

func TestRecorderContinuesNumbering(t *testing.T) {
	j := journals.MakeInMemoryJournal()
	r, err := journal.NewRecorder(j, "exp", stats.NilStatsReceiver())
	require.NoError(t, err)
	require.NoError(t, r.Record(journal.StatusEvent, "RUNNING"))
	require.NoError(t, r.Record(journal.MetadataEvent, map[string]string{"key": "k", "value": "v"}))

	// a second recorder on the same log, as after a crash
	r2, err := journal.NewRecorder(j, "exp", nil)
	require.NoError(t, err)
	require.NoError(t, r2.Record(journal.StatusEvent, "STOPPED"))

	events, err := r2.Events()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[2].Seq)
	var status string
	require.NoError(t, events[2].Decode(&status))
	assert.Equal(t, "STOPPED", status)
}

func TestRecorderRejectsUnknownType(t *testing.T) {
	r, err := journal.NewRecorder(journals.MakeInMemoryJournal(), "exp", nil)
	require.NoError(t, err)
	err = r.Record(journal.EventType("bogus"), 1)
	assert.Error(t, err)
	_, ok := err.(journal.InvalidEventError)
	assert.True(t, ok)
}

func TestValidate(t *testing.T) {
	ok := []journal.Event{{Seq: 1, Type: journal.TrialEvent}, {Seq: 3, Type: journal.MetricEvent}}
	assert.NoError(t, journal.Validate("exp", ok))

	outOfOrder := []journal.Event{{Seq: 2, Type: journal.TrialEvent}, {Seq: 2, Type: journal.MetricEvent}}
	assert.True(t, journal.IsCorrupted(journal.Validate("exp", outOfOrder)))

	unknown := []journal.Event{{Seq: 1, Type: "nope"}}
	assert.True(t, journal.IsCorrupted(journal.Validate("exp", unknown)))
}
