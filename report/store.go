package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"
)

var bucketRuns = []byte("runs")

// Store archives run summaries in bbolt with an in-memory btree index
// ordered by run start time
type Store struct {
	mu    sync.RWMutex
	db    *bbolt.DB
	index *btree.BTreeG[string]
}

// OpenStore opens or creates the archive at path
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open run archive: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}

	s := &Store{
		db:    db,
		index: btree.NewG[string](32, func(a, b string) bool { return a < b }),
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, _ []byte) error {
			s.index.ReplaceOrInsert(string(k))
			return nil
		})
	})
}

// Close closes the archive
func (s *Store) Close() error {
	return s.db.Close()
}

// ErrInvalidStart is returned by Save for runs that started before the Unix
// epoch, including the zero time. Their keys would not sort in start order.
var ErrInvalidStart = errors.New("run start time before 1970")

// Save archives summary and returns its key
func (s *Store) Save(summary RunSummary) (string, error) {
	if summary.StartedAt.IsZero() || summary.StartedAt.Before(time.Unix(0, 0)) {
		return "", fmt.Errorf("save summary: %w", ErrInvalidStart)
	}

	value, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRuns)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key = makeRunKey(summary.StartedAt, seq)
		return bucket.Put([]byte(key), value)
	})
	if err != nil {
		return "", fmt.Errorf("save summary: %w", err)
	}

	s.index.ReplaceOrInsert(key)
	return key, nil
}

// List returns up to limit summaries, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]RunSummary, error) {
	s.mu.RLock()
	var keys []string
	s.index.Descend(func(key string) bool {
		keys = append(keys, key)
		return limit <= 0 || len(keys) < limit
	})
	s.mu.RUnlock()

	summaries := make([]RunSummary, 0, len(keys))
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRuns)
		for _, key := range keys {
			data := bucket.Get([]byte(key))
			if data == nil {
				return errors.New("index references missing run " + key)
			}
			var summary RunSummary
			if err := json.Unmarshal(data, &summary); err != nil {
				return fmt.Errorf("decode run %s: %w", key, err)
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	return summaries, nil
}

// Len returns the number of archived runs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// makeRunKey sorts lexically in start order; seq breaks ties. startedAt
// must not be before the epoch.
func makeRunKey(startedAt time.Time, seq uint64) string {
	return fmt.Sprintf("%020d:%010d", startedAt.UTC().UnixNano(), seq)
}
