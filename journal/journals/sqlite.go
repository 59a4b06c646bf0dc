package journals

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/kestrel-ml/kestrel/journal"
)

// Journal stored in a single sqlite database, one row per event.
type sqliteJournal struct {
	db   *sql.DB
	lock sync.Mutex
}

// Opens (creating if needed) the sqlite journal at path. The returned close
// func releases the database handle.
func MakeSQLiteJournal(path string) (journal.Journal, func() error, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, errors.Wrapf(err, "could not make directory %s for sqlite journal", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening sqlite journal %s", path)
	}
	// modernc sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	j := &sqliteJournal{db: db}
	if err := j.setup(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return j, db.Close, nil
}

func (j *sqliteJournal) setup() error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS experiments (
			ExpId TEXT PRIMARY KEY,
			Created INT)`,
		`CREATE TABLE IF NOT EXISTS events (
			ExpId TEXT,
			Seq INT,
			Type TEXT,
			Timestamp INT,
			Data BLOB,
			PRIMARY KEY(ExpId, Seq))`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "setting up sqlite journal")
		}
	}
	return nil
}

func (j *sqliteJournal) StartExperiment(expID string) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	_, err := j.db.Exec("INSERT OR IGNORE INTO experiments (ExpId, Created) VALUES (?, ?)", expID, time.Now().Unix())
	return err
}

func (j *sqliteJournal) LogEvent(ev journal.Event) error {
	j.lock.Lock()
	defer j.lock.Unlock()

	var last sql.NullInt64
	var started int
	if err := j.db.QueryRow("SELECT COUNT(*) FROM experiments WHERE ExpId = ?", ev.ExpID).Scan(&started); err != nil {
		return err
	}
	if started == 0 {
		return journal.NewInvalidEventError("experiment %s not started", ev.ExpID)
	}
	if err := j.db.QueryRow("SELECT MAX(Seq) FROM events WHERE ExpId = ?", ev.ExpID).Scan(&last); err != nil {
		return err
	}
	if last.Valid && last.Int64 >= ev.Seq {
		return journal.NewInvalidEventError("%s is not after seq %d", ev, last.Int64)
	}
	_, err := j.db.Exec("INSERT INTO events (ExpId, Seq, Type, Timestamp, Data) VALUES (?, ?, ?, ?, ?)",
		ev.ExpID, ev.Seq, string(ev.Type), ev.Time.UnixNano(), []byte(ev.Data))
	return err
}

func (j *sqliteJournal) GetEvents(expID string) ([]journal.Event, error) {
	j.lock.Lock()
	defer j.lock.Unlock()

	rows, err := j.db.Query("SELECT Seq, Type, Timestamp, Data FROM events WHERE ExpId = ? ORDER BY Seq", expID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []journal.Event{}
	for rows.Next() {
		var seq, ts int64
		var typ string
		var data []byte
		if err := rows.Scan(&seq, &typ, &ts, &data); err != nil {
			return nil, journal.NewCorruptedJournalError(expID, err.Error())
		}
		events = append(events, journal.Event{
			ExpID: expID,
			Seq:   seq,
			Type:  journal.EventType(typ),
			Time:  time.Unix(0, ts).UTC(),
			Data:  data,
		})
	}
	return events, rows.Err()
}

func (j *sqliteJournal) GetExperiments() ([]string, error) {
	j.lock.Lock()
	defer j.lock.Unlock()

	rows, err := j.db.Query("SELECT ExpId FROM experiments ORDER BY ExpId")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
