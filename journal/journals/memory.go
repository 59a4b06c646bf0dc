// Package journals provides implementations of journal.Journal.
package journals

import (
	"sort"
	"sync"

	"github.com/kestrel-ml/kestrel/journal"
)

// In memory implementation of a Journal. Does NOT durably persist events;
// used by tests and by experiments that do not need resume.
type inMemoryJournal struct {
	experiments map[string][]journal.Event
	mutex       sync.RWMutex
}

func MakeInMemoryJournal() journal.Journal {
	return &inMemoryJournal{
		experiments: make(map[string][]journal.Event),
	}
}

func (j *inMemoryJournal) StartExperiment(expID string) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if _, ok := j.experiments[expID]; !ok {
		j.experiments[expID] = []journal.Event{}
	}
	return nil
}

func (j *inMemoryJournal) LogEvent(ev journal.Event) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	events, ok := j.experiments[ev.ExpID]
	if !ok {
		return journal.NewInvalidEventError("experiment %s not started", ev.ExpID)
	}
	if n := len(events); n > 0 && events[n-1].Seq >= ev.Seq {
		return journal.NewInvalidEventError("%s is not after seq %d", ev, events[n-1].Seq)
	}
	j.experiments[ev.ExpID] = append(events, ev)
	return nil
}

func (j *inMemoryJournal) GetEvents(expID string) ([]journal.Event, error) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	events := j.experiments[expID]
	out := make([]journal.Event, len(events))
	copy(out, events)
	return out, nil
}

func (j *inMemoryJournal) GetExperiments() ([]string, error) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()
	ids := make([]string, 0, len(j.experiments))
	for id := range j.experiments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
