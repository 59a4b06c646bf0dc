package journals

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kestrel-ml/kestrel/journal"
)

// Writes the journal to the file system. Not durable beyond machine failure.
// Each experiment has a directory under dirName holding an events.log file
// with one JSON encoded event per line. Each event is written with a single
// write followed by an fsync; a torn final line left by a crash is ignored
// on read and cut off before the next write, a malformed line anywhere else
// is reported as corruption.
type fileJournal struct {
	dirName string
	mutex   sync.Mutex
	// last seq written per experiment, loaded on the first write
	lastSeq map[string]int64
}

const eventsFileName = "events.log"

// Creates a file journal rooted at dirName, creating the directory if needed.
func MakeFileJournal(dirName string) (journal.Journal, error) {
	if err := os.MkdirAll(dirName, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating journal dir %s", dirName)
	}
	return &fileJournal{dirName: dirName, lastSeq: make(map[string]int64)}, nil
}

func (j *fileJournal) experimentDir(expID string) string {
	return filepath.Join(j.dirName, expID)
}

func (j *fileJournal) eventsFile(expID string) string {
	return filepath.Join(j.experimentDir(expID), eventsFileName)
}

func (j *fileJournal) StartExperiment(expID string) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if err := os.MkdirAll(j.experimentDir(expID), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.eventsFile(expID), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_, err = j.load(expID)
	return err
}

// load repairs a torn tail and returns the last seq in the file, caching it.
func (j *fileJournal) load(expID string) (int64, error) {
	if seq, ok := j.lastSeq[expID]; ok {
		return seq, nil
	}
	path := j.eventsFile(expID)
	if err := repairTail(path); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	events, err := parseEvents(expID, data)
	if err != nil {
		return 0, err
	}
	var seq int64
	if n := len(events); n > 0 {
		seq = events[n-1].Seq
	}
	j.lastSeq[expID] = seq
	return seq, nil
}

// repairTail makes the file end in a newline. A complete event missing only
// its newline gets one; a partial event is truncated away.
func repairTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	var ev journal.Event
	if json.Unmarshal(data[keep:], &ev) == nil {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return err
		}
		return f.Sync()
	}
	log.WithFields(log.Fields{
		"path":  path,
		"bytes": len(data) - keep,
	}).Warn("Truncating torn final journal line")
	if err := os.Truncate(path, int64(keep)); err != nil {
		return errors.Wrapf(err, "truncating %s", path)
	}
	return nil
}

func (j *fileJournal) LogEvent(ev journal.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return journal.NewInvalidEventError("cannot encode %s: %v", ev, err)
	}
	line = append(line, '\n')

	j.mutex.Lock()
	defer j.mutex.Unlock()
	if _, err := os.Stat(j.eventsFile(ev.ExpID)); os.IsNotExist(err) {
		return journal.NewInvalidEventError("experiment %s not started", ev.ExpID)
	}
	last, err := j.load(ev.ExpID)
	if err != nil {
		return err
	}
	if last >= ev.Seq {
		return journal.NewInvalidEventError("%s is not after seq %d", ev, last)
	}
	f, err := os.OpenFile(j.eventsFile(ev.ExpID), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		// a partial write is repaired by the next load
		delete(j.lastSeq, ev.ExpID)
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	j.lastSeq[ev.ExpID] = ev.Seq
	return nil
}

func (j *fileJournal) GetEvents(expID string) ([]journal.Event, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	data, err := os.ReadFile(j.eventsFile(expID))
	if err != nil {
		if os.IsNotExist(err) {
			return []journal.Event{}, nil
		}
		return nil, err
	}
	return parseEvents(expID, data)
}

func parseEvents(expID string, data []byte) ([]journal.Event, error) {
	events := []journal.Event{}
	lines := bytes.Split(data, []byte{'\n'})
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev journal.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			if i == len(lines)-1 {
				log.WithFields(log.Fields{
					"experimentID": expID,
					"err":          err,
				}).Warn("Ignoring torn final journal line")
				break
			}
			return nil, journal.NewCorruptedJournalError(expID, errors.Wrapf(err, "line %d", i+1).Error())
		}
		events = append(events, ev)
	}
	return events, nil
}

func (j *fileJournal) GetExperiments() ([]string, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	entries, err := os.ReadDir(j.dirName)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(j.eventsFile(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
