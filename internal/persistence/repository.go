package persistence

import "signal-engine-go/internal/models"

// StateRepository defines the interface for risk state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type StateRepository interface {
	// SaveState atomically saves the entire risk state.
	SaveState(state *models.RiskState) error

	// LoadState loads the risk state from storage.
	// If no state is found, it should return (nil, nil).
	LoadState() (*models.RiskState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
