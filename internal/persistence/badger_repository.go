package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"signal-engine-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

var riskStateKey = []byte("risk_state")

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) a BadgerDB database at dbPath.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	return open(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository returns a repository backed by an in-memory BadgerDB.
// Nothing is written to disk; state is lost on Close.
func NewInMemoryRepository() (StateRepository, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (StateRepository, error) {
	// Badger's own logging is disabled to keep the engine's logs clean.
	// Errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerRepository{db: db}, nil
}

// SaveState marshals the state into JSON and saves it under a single key.
func (r *badgerRepository) SaveState(state *models.RiskState) error {
	if state == nil {
		return errors.New("nil risk state")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(riskStateKey, data)
	})
}

// LoadState returns (nil, nil) when no state has been saved yet.
func (r *badgerRepository) LoadState() (*models.RiskState, error) {
	var state models.RiskState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(riskStateKey)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
