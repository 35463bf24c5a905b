package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/evanofslack/hcloud-vrrp-failover/internal/metrics"
)

const runPrefix = "run:"

type Journal interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

type badgerJournal struct {
	db      *badger.DB
	retain  int
	metrics *metrics.Metrics
}

// Open opens the journal at path. A retain of zero keeps every entry.
func Open(path string, retain int, metrics *metrics.Metrics) (Journal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable Badger's internal logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &badgerJournal{db: db, retain: retain, metrics: metrics}, nil
}

func (j *badgerJournal) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		j.metrics.IncBadgerRequest("update", false)
		return err
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		key, err := j.nextKey(txn, entry)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	j.metrics.IncBadgerRequest("update", err == nil)
	if err != nil {
		return err
	}
	return j.prune()
}

// nextKey orders entries by time; entries sharing a timestamp get the next
// free sequence.
func (j *badgerJournal) nextKey(txn *badger.Txn, entry Entry) ([]byte, error) {
	ts := uint64(entry.Time.UnixNano())
	for seq := uint16(0); ; seq++ {
		key := runKey(ts, seq)
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return key, nil
		}
		if err != nil {
			return nil, err
		}
		if seq == ^uint16(0) {
			return nil, fmt.Errorf("journal key space exhausted for %s", entry.Time)
		}
	}
}

func (j *badgerJournal) List(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(runPrefix)
		for it.Seek(append(prefix, 0xff)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(entries) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var entry Entry
				if err := json.Unmarshal(val, &entry); err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	j.metrics.IncBadgerRequest("read", err == nil)
	return entries, err
}

// prune drops the oldest entries beyond the retention count.
func (j *badgerJournal) prune() error {
	if j.retain <= 0 {
		return nil
	}

	var stale [][]byte
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(runPrefix)
		seen := 0
		for it.Seek(append(prefix, 0xff)); it.ValidForPrefix(prefix); it.Next() {
			seen++
			if seen > j.retain {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		j.metrics.IncBadgerRequest("read", false)
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	j.metrics.IncBadgerRequest("delete", err == nil)
	return err
}

func (j *badgerJournal) Close() error {
	return j.db.Close()
}

func runKey(ts uint64, seq uint16) []byte {
	key := make([]byte, len(runPrefix)+10)
	copy(key, runPrefix)
	binary.BigEndian.PutUint64(key[len(runPrefix):], ts)
	binary.BigEndian.PutUint16(key[len(runPrefix)+8:], seq)
	return key
}
