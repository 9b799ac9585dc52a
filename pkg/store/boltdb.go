package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

var (
	// Bucket names
	bucketEvaluations = []byte("evaluations")
	bucketDeadLetters = []byte("dead_letters")
)

// BoltStore implements DurableStore using BoltDB for single-node and
// development deployments. Values are JSON; bolt's single-writer
// transactions give UpdateEvaluation its atomicity for free.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "crucible.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEvaluations, bucketDeadLetters} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateEvaluation persists the initial record
func (s *BoltStore) CreateEvaluation(_ context.Context, ev *types.Evaluation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvaluations)
		if b.Get([]byte(ev.ID)) != nil {
			return fmt.Errorf("evaluation already exists: %s", ev.ID)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put([]byte(ev.ID), data)
	})
}

// GetEvaluation fetches one evaluation
func (s *BoltStore) GetEvaluation(_ context.Context, id string) (*types.Evaluation, error) {
	var ev types.Evaluation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvaluations).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListEvaluationsByStatus returns evaluations in the given status
func (s *BoltStore) ListEvaluationsByStatus(_ context.Context, status types.Status) ([]*types.Evaluation, error) {
	var evals []*types.Evaluation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvaluations).ForEach(func(k, v []byte) error {
			var ev types.Evaluation
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.Status == status {
				evals = append(evals, &ev)
			}
			return nil
		})
	})
	return evals, err
}

// UpdateEvaluation applies mutate inside a single bolt transaction
func (s *BoltStore) UpdateEvaluation(_ context.Context, id string, mutate func(ev *types.Evaluation) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvaluations)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var ev types.Evaluation
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		if err := mutate(&ev); err != nil {
			return err
		}

		updated, err := json.Marshal(&ev)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// RecordDeadLetter persists a dead-letter record
func (s *BoltStore) RecordDeadLetter(_ context.Context, rec *types.DeadLetterRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDeadLetters).Put([]byte(rec.TaskID), data)
	})
}
