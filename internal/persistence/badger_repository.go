package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"trend-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const keyPrefix = "strategy_state:"

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) the BadgerDB database at dbPath.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// badger 自身的日志太吵, 错误依然会从调用返回
	opts.Logger = nil
	return open(opts)
}

// NewInMemoryRepository returns a badger repository that never touches disk.
func NewInMemoryRepository() (StateRepository, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (StateRepository, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &badgerRepository{db: db}, nil
}

func stateKey(symbol string) []byte {
	return []byte(keyPrefix + symbol)
}

// SaveState marshals the snapshot into JSON and stores it under the symbol key.
func (r *badgerRepository) SaveState(snap *models.StrategySnapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(snap.Symbol), data)
	})
}

// LoadState loads the snapshot for symbol.
// If the key is not found, it returns (nil, nil) to indicate no state is present.
func (r *badgerRepository) LoadState(symbol string) (*models.StrategySnapshot, error) {
	var snap models.StrategySnapshot

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(symbol))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &snap)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
