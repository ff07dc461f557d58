// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
)

// Key layout:
//
//	question/id/<id>                -> JSON Question
//	question/fp/<fingerprint>       -> id
//	question/subject/<subject>/<id> -> empty
//	querylog/<unix nanos>/<id>      -> JSON QueryLogEntry
const (
	prefixQuestionID      = "question/id/"
	prefixQuestionFP      = "question/fp/"
	prefixQuestionSubject = "question/subject/"
	prefixQueryLog        = "querylog/"
)

// maxConflictRetries bounds re-runs of an insert transaction that lost an
// optimistic conflict. The re-run observes the winner and returns ErrDuplicate.
const maxConflictRetries = 3

// BadgerStore is a CacheStore on an embedded Badger database.
//
// # Description
//
// Similarity search is an exact scan over the subject index. That is
// adequate for the collection sizes of a single deployment; use
// WeaviateStore when an approximate index is needed.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent inserts of one fingerprint are
// serialised by Badger's conflict detection on the fingerprint key.
type BadgerStore struct {
	db        *badgerDB
	dimension int
	now       func() time.Time
	newID     func() string
}

var _ CacheStore = (*BadgerStore)(nil)

// OpenBadgerStore opens (or creates) a Badger database for the cache.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		db:        db,
		dimension: cfg.Dimension,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// =============================================================================
// Questions
// =============================================================================

// ExactLookup implements CacheStore.
func (s *BadgerStore) ExactLookup(ctx context.Context, fingerprint string) (*datatypes.Question, error) {
	var found *datatypes.Question
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		id, err := getString(txn, prefixQuestionFP+fingerprint)
		if err != nil {
			return err
		}
		found, err = getQuestion(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("exact lookup", err)
	}
	return found, nil
}

// GetByID returns the record with id, or ErrNotFound.
func (s *BadgerStore) GetByID(ctx context.Context, id string) (*datatypes.Question, error) {
	var found *datatypes.Question
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getQuestion(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get by id", err)
	}
	return found, nil
}

// SimilaritySearch implements CacheStore.
//
// Records without an embedding, or whose embedding length differs from the
// query, are skipped.
// thresholdHint is ignored; the scan is exhaustive.
func (s *BadgerStore) SimilaritySearch(ctx context.Context, vector []float32, subject datatypes.Subject, k int, thresholdHint float64) ([]datatypes.Candidate, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	var candidates []datatypes.Candidate
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		prefix := []byte(prefixQuestionSubject + string(subject) + "/")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := string(it.Item().Key()[len(prefix):])
			q, err := getQuestion(txn, id)
			if err != nil {
				return err
			}
			sim, err := CosineSimilarity(vector, q.Embedding)
			if err != nil {
				continue
			}
			candidates = append(candidates, datatypes.Candidate{Question: q, Similarity: sim})
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("similarity search", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Insert implements CacheStore.
//
// # Description
//
// The transaction reads the fingerprint key and writes the record and its
// indexes. If a concurrent insert of the same fingerprint commits first,
// Badger reports a conflict and the transaction is re-run, at which point
// the key exists and ErrDuplicate is returned.
func (s *BadgerStore) Insert(ctx context.Context, draft datatypes.QuestionDraft) (*datatypes.Question, error) {
	if err := draft.Validate(s.dimension); err != nil {
		return nil, err
	}

	var created *datatypes.Question
	for attempt := 0; ; attempt++ {
		err := s.db.update(ctx, func(txn *badger.Txn) error {
			fpKey := []byte(prefixQuestionFP + draft.Fingerprint)
			if _, err := txn.Get(fpKey); err == nil {
				return ErrDuplicate
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			q := draft.ToQuestion(s.newID(), s.now().UTC())
			data, err := json.Marshal(q)
			if err != nil {
				return fmt.Errorf("encode question: %w", err)
			}
			if err := txn.Set([]byte(prefixQuestionID+q.ID), data); err != nil {
				return err
			}
			if err := txn.Set(fpKey, []byte(q.ID)); err != nil {
				return err
			}
			if err := txn.Set([]byte(prefixQuestionSubject+string(q.Subject)+"/"+q.ID), nil); err != nil {
				return err
			}
			created = q
			return nil
		})
		switch {
		case err == nil:
			return created, nil
		case errors.Is(err, ErrDuplicate):
			return nil, ErrDuplicate
		case errors.Is(err, badger.ErrConflict) && attempt < maxConflictRetries:
			continue
		default:
			return nil, unavailable("insert", err)
		}
	}
}

// =============================================================================
// Query log and statistics
// =============================================================================

// AppendQueryLog implements CacheStore.
func (s *BadgerStore) AppendQueryLog(ctx context.Context, entry datatypes.QueryLogEntry) error {
	if entry.ID == "" {
		entry.ID = s.newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode query log entry: %w", err)
	}
	key := fmt.Sprintf("%s%020d/%s", prefixQueryLog, entry.CreatedAt.UnixNano(), entry.ID)
	err = s.db.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return unavailable("append query log", err)
	}
	return nil
}

// Stats implements CacheStore.
func (s *BadgerStore) Stats(ctx context.Context) (datatypes.Stats, error) {
	stats := datatypes.Stats{BySubject: make(map[datatypes.Subject]int, len(datatypes.Subjects))}
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		for _, subject := range datatypes.Subjects {
			n := countPrefix(txn, prefixQuestionSubject+string(subject)+"/")
			stats.BySubject[subject] = n
		}
		stats.TotalQuestions = countPrefix(txn, prefixQuestionID)

		prefix := []byte(prefixQueryLog)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry datatypes.QueryLogEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode query log entry: %w", err)
			}
			stats.TotalQueries++
			if entry.CacheHit {
				stats.CacheHits++
			}
		}
		return nil
	})
	if err != nil {
		return datatypes.Stats{}, unavailable("stats", err)
	}
	stats.ComputeHitRate()
	return stats, nil
}

// QueryLog returns every query log entry in creation order.
func (s *BadgerStore) QueryLog(ctx context.Context) ([]datatypes.QueryLogEntry, error) {
	var entries []datatypes.QueryLogEntry
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		prefix := []byte(prefixQueryLog)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry datatypes.QueryLogEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("read query log", err)
	}
	return entries, nil
}

// Ping implements CacheStore.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := s.db.view(ctx, func(*badger.Txn) error { return nil }); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.close()
}

// =============================================================================
// Helpers
// =============================================================================

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func getQuestion(txn *badger.Txn, id string) (*datatypes.Question, error) {
	item, err := txn.Get([]byte(prefixQuestionID + id))
	if err != nil {
		return nil, err
	}
	var q datatypes.Question
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &q)
	}); err != nil {
		return nil, fmt.Errorf("decode question %s: %w", id, err)
	}
	return &q, nil
}

func countPrefix(txn *badger.Txn, prefix string) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		n++
	}
	return n
}
