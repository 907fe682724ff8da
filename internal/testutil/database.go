package testutil

import (
	"testing"

	"kozeki/internal/database"
)

// NewTestState creates an in-memory state store with the schema applied.
// The store is automatically closed when the test completes.
func NewTestState(t *testing.T) *database.SQLiteState {
	t.Helper()

	state, err := database.OpenSQLiteState(database.MemoryPath)
	if err != nil {
		t.Fatalf("failed to open state: %v", err)
	}

	t.Cleanup(func() {
		state.Close()
	})

	return state
}
