package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/mothsandbox/moth/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAnalyses = []byte("analyses")
	bucketMachines = []byte("machines")
)

// BoltStore implements Store using an embedded bbolt database, one bucket
// per entity kind, JSON-marshalled values keyed by id/name — the same
// shape as the teacher's per-entity CRUD.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "sandboxd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAnalyses, bucketMachines} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
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

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateAnalysis stores analysis, keyed by its ID. Also used as the upsert
// path for UpdateAnalysis.
func (s *BoltStore) CreateAnalysis(analysis *types.Analysis) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(analysis)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAnalyses).Put([]byte(analysis.ID), data)
	})
}

// GetAnalysis retrieves an analysis by id.
func (s *BoltStore) GetAnalysis(id string) (*types.Analysis, error) {
	var analysis types.Analysis
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAnalyses).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("analysis not found: %s", id)
		}
		return json.Unmarshal(data, &analysis)
	})
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

// ListAnalyses returns every stored analysis.
func (s *BoltStore) ListAnalyses() ([]*types.Analysis, error) {
	var out []*types.Analysis
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAnalyses).ForEach(func(k, v []byte) error {
			var analysis types.Analysis
			if err := json.Unmarshal(v, &analysis); err != nil {
				return err
			}
			out = append(out, &analysis)
			return nil
		})
	})
	return out, err
}

// UpdateAnalysis overwrites the stored analysis record.
func (s *BoltStore) UpdateAnalysis(analysis *types.Analysis) error {
	return s.CreateAnalysis(analysis)
}

// DeleteAnalysis removes an analysis record.
func (s *BoltStore) DeleteAnalysis(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAnalyses).Delete([]byte(id))
	})
}

// CreateMachine stores a machine record, keyed by its name. Also used as
// the upsert path for UpdateMachine.
func (s *BoltStore) CreateMachine(machine *types.Machine) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(machine)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMachines).Put([]byte(machine.Name), data)
	})
}

// GetMachine retrieves a machine record by name.
func (s *BoltStore) GetMachine(name string) (*types.Machine, error) {
	var machine types.Machine
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMachines).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("machine not found: %s", name)
		}
		return json.Unmarshal(data, &machine)
	})
	if err != nil {
		return nil, err
	}
	return &machine, nil
}

// ListMachines returns every stored machine record.
func (s *BoltStore) ListMachines() ([]*types.Machine, error) {
	var out []*types.Machine
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachines).ForEach(func(k, v []byte) error {
			var machine types.Machine
			if err := json.Unmarshal(v, &machine); err != nil {
				return err
			}
			out = append(out, &machine)
			return nil
		})
	})
	return out, err
}

// UpdateMachine overwrites the stored machine record.
func (s *BoltStore) UpdateMachine(machine *types.Machine) error {
	return s.CreateMachine(machine)
}

// DeleteMachine removes a machine record.
func (s *BoltStore) DeleteMachine(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMachines).Delete([]byte(name))
	})
}
