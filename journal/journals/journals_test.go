package journals

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ml/kestrel/journal"
)

type statusPayload struct {
	Status string `json:"status"`
}

func makeEvent(t *testing.T, expID string, seq int64, status string) journal.Event {
	ev, err := journal.MakeEvent(expID, seq, journal.StatusEvent, statusPayload{status})
	require.NoError(t, err)
	return ev
}

// Behavior shared by every Journal implementation.
func testJournal(t *testing.T, j journal.Journal) {
	events, err := j.GetEvents("missing")
	require.NoError(t, err)
	assert.Empty(t, events)

	err = j.LogEvent(makeEvent(t, "exp1", 1, "RUNNING"))
	assert.Error(t, err, "logging to an experiment that was never started")

	require.NoError(t, j.StartExperiment("exp1"))
	require.NoError(t, j.StartExperiment("exp1"))
	require.NoError(t, j.StartExperiment("exp2"))

	want := []journal.Event{
		makeEvent(t, "exp1", 1, "INITIALIZED"),
		makeEvent(t, "exp1", 2, "RUNNING"),
		makeEvent(t, "exp1", 5, "DONE"),
	}
	for _, ev := range want {
		require.NoError(t, j.LogEvent(ev))
	}
	assert.Error(t, j.LogEvent(makeEvent(t, "exp1", 5, "ERROR")), "duplicate seq")
	require.NoError(t, j.LogEvent(makeEvent(t, "exp2", 1, "RUNNING")))

	got, err := j.GetEvents("exp1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("exp1 events mismatch (-want +got):\n%s", diff)
	}
	var p statusPayload
	require.NoError(t, got[2].Decode(&p))
	assert.Equal(t, "DONE", p.Status)

	ids, err := j.GetExperiments()
	require.NoError(t, err)
	assert.Equal(t, []string{"exp1", "exp2"}, ids)
}

func TestInMemoryJournal(t *testing.T) {
	testJournal(t, MakeInMemoryJournal())
}

func TestFileJournal(t *testing.T) {
	j, err := MakeFileJournal(t.TempDir())
	require.NoError(t, err)
	testJournal(t, j)
}

func TestSQLiteJournal(t *testing.T) {
	j, closeFn, err := MakeSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer closeFn()
	testJournal(t, j)
}

func TestFileJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := MakeFileJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.StartExperiment("exp"))
	require.NoError(t, j.LogEvent(makeEvent(t, "exp", 1, "RUNNING")))

	reopened, err := MakeFileJournal(dir)
	require.NoError(t, err)
	events, err := reopened.GetEvents("exp")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFileJournalTornTail(t *testing.T) {
	dir := t.TempDir()
	j, err := MakeFileJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.StartExperiment("exp"))
	require.NoError(t, j.LogEvent(makeEvent(t, "exp", 1, "RUNNING")))

	f, err := os.OpenFile(filepath.Join(dir, "exp", eventsFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"expId":"exp","seq":2,"ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := j.GetEvents("exp")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestFileJournalAppendAfterTornTail(t *testing.T) {
	dir := t.TempDir()
	j, err := MakeFileJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.StartExperiment("exp"))
	require.NoError(t, j.LogEvent(makeEvent(t, "exp", 1, "RUNNING")))

	f, err := os.OpenFile(filepath.Join(dir, "exp", eventsFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"expId":"exp","seq":2,"ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// a restarted process continues the log, then restarts again
	for _, seq := range []int64{2, 3} {
		reopened, err := MakeFileJournal(dir)
		require.NoError(t, err)
		require.NoError(t, reopened.StartExperiment("exp"))
		require.NoError(t, reopened.LogEvent(makeEvent(t, "exp", seq, "RUNNING")))
	}

	reopened, err := MakeFileJournal(dir)
	require.NoError(t, err)
	events, err := reopened.GetEvents("exp")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestFileJournalKeepsCompleteTailWithoutNewline(t *testing.T) {
	dir := t.TempDir()
	j, err := MakeFileJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.StartExperiment("exp"))
	require.NoError(t, j.LogEvent(makeEvent(t, "exp", 1, "RUNNING")))

	path := filepath.Join(dir, "exp", eventsFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-1], 0o644))

	reopened, err := MakeFileJournal(dir)
	require.NoError(t, err)
	require.NoError(t, reopened.LogEvent(makeEvent(t, "exp", 2, "DONE")))
	events, err := reopened.GetEvents("exp")
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Error(t, reopened.LogEvent(makeEvent(t, "exp", 2, "DONE")), "seq 2 already written")
}

func TestFileJournalCorruptedMiddle(t *testing.T) {
	dir := t.TempDir()
	j, err := MakeFileJournal(dir)
	require.NoError(t, err)
	require.NoError(t, j.StartExperiment("exp"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exp", eventsFileName), []byte("garbage\n{}\n"), 0o644))

	_, err = j.GetEvents("exp")
	assert.True(t, journal.IsCorrupted(err), "got %v", err)
}
