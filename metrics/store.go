package metrics

import (
	"sort"
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
)

const (
	metricsTable = "metrics"

	idIndex    = "id"
	trialIndex = "trial"
	typeIndex  = "type"
	keyIndex   = "key"
)

func storeSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			metricsTable: {
				Name: metricsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "Seq"},
					},
					trialIndex: {
						Name:    trialIndex,
						Indexer: &memdb.StringFieldIndex{Field: "TrialJobID"},
					},
					typeIndex: {
						Name:    typeIndex,
						Indexer: &memdb.StringFieldIndex{Field: "Type"},
					},
					keyIndex: {
						Name:   keyIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "TrialJobID"},
								&memdb.StringFieldIndex{Field: "Type"},
								&memdb.IntFieldIndex{Field: "Sequence"},
							},
						},
					},
				},
			},
		},
	}
}

// Store is the append-only metrics store. Records are never mutated once
// appended. Safe for concurrent use.
type Store struct {
	db *memdb.MemDB

	mu      sync.Mutex
	lastSeq uint64
}

func NewStore() (*Store, error) {
	db, err := memdb.NewMemDB(storeSchema())
	if err != nil {
		return nil, errors.Wrap(err, "creating metrics store")
	}
	return &Store{db: db}, nil
}

// Append assigns the next global Seq to r and stores it. A record whose
// (trial, type, sequence) is already stored is ignored and added is false.
// Records with an undecodable payload are rejected.
func (s *Store) Append(r Record) (stored Record, added bool, err error) {
	if !r.Type.Valid() {
		return Record{}, false, errors.Errorf("metric for trial %s has unknown type %q", r.TrialJobID, r.Type)
	}
	if r.TrialJobID == "" {
		return Record{}, false, errors.New("metric has no trial job id")
	}
	if !r.Value.Ok() {
		r.Value = Decode(r.Data)
		if !r.Value.Ok() {
			return Record{}, false, errors.Wrapf(r.Value.Err, "metric %d of trial %s", r.Sequence, r.TrialJobID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(metricsTable, keyIndex, r.TrialJobID, string(r.Type), r.Sequence)
	if err != nil {
		return Record{}, false, err
	}
	if existing != nil {
		return *existing.(*Record), false, nil
	}
	if r.Seq <= s.lastSeq {
		r.Seq = s.lastSeq + 1
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	rec := r
	if err := txn.Insert(metricsTable, &rec); err != nil {
		return Record{}, false, err
	}
	txn.Commit()
	s.lastSeq = rec.Seq
	return rec, true, nil
}

func (s *Store) collect(index string, args ...interface{}) []Record {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(metricsTable, index, args...)
	if err != nil {
		return nil
	}
	var out []Record
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*Record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Query returns records in append order, filtered by trial and type when
// those are non-empty.
func (s *Store) Query(trialJobID string, typ MetricType) []Record {
	var recs []Record
	switch {
	case trialJobID != "":
		recs = s.collect(trialIndex, trialJobID)
	case typ != "":
		return s.collect(typeIndex, string(typ))
	default:
		return s.collect(idIndex)
	}
	if typ == "" {
		return recs
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

// Range returns records of trials whose sequence id is within [min, max],
// in append order.
func (s *Store) Range(minSeqID, maxSeqID int) []Record {
	if minSeqID > maxSeqID {
		return nil
	}
	var out []Record
	for _, r := range s.collect(idIndex) {
		if r.TrialSequenceID >= minSeqID && r.TrialSequenceID <= maxSeqID {
			out = append(out, r)
		}
	}
	return out
}

// LatestFor returns the trial's latest record: the FINAL with the highest
// sequence if any, else the most recently appended PERIODICAL.
func (s *Store) LatestFor(trialJobID string) (Record, bool) {
	return latest(s.collect(trialIndex, trialJobID))
}

// Latest returns the latest record of every trial that has one, in the
// order of those records' Seq.
func (s *Store) Latest() []Record {
	byTrial := map[string][]Record{}
	var order []string
	for _, r := range s.collect(idIndex) {
		if _, ok := byTrial[r.TrialJobID]; !ok {
			order = append(order, r.TrialJobID)
		}
		byTrial[r.TrialJobID] = append(byTrial[r.TrialJobID], r)
	}
	var out []Record
	for _, id := range order {
		if r, ok := latest(byTrial[id]); ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func latest(recs []Record) (Record, bool) {
	var final, periodical *Record
	for i := range recs {
		r := &recs[i]
		switch r.Type {
		case Final:
			if final == nil || r.Sequence > final.Sequence {
				final = r
			}
		case Periodical:
			if periodical == nil || r.Seq > periodical.Seq {
				periodical = r
			}
		}
	}
	switch {
	case final != nil:
		return *final, true
	case periodical != nil:
		return *periodical, true
	}
	return Record{}, false
}

func (s *Store) Len() int {
	txn := s.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(metricsTable, idIndex)
	if err != nil {
		return 0
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n
}
