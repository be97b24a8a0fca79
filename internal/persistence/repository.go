package persistence

import "trend-grid-bot-go/internal/models"

// StateRepository defines the interface for strategy state persistence.
// It hides the storage engine (BadgerDB, in-memory) from the bot.
type StateRepository interface {
	// SaveState atomically replaces the snapshot stored for snap.Symbol.
	SaveState(snap *models.StrategySnapshot) error

	// LoadState loads the snapshot for symbol.
	// If no snapshot is found, it returns (nil, nil).
	LoadState(symbol string) (*models.StrategySnapshot, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
