package repository

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romvault/netplay-server-go/internal/database"
)

// setupTestDB connects to TEST_DATABASE_URL, applies migrations and empties
// the netplay tables. Tests are skipped when no database is configured.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.Connect(url)
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	_, err = db.Exec(`TRUNCATE netplay_signal_messages, netplay_participants, netplay_sessions, save_states, roms`)
	require.NoError(t, err)

	return db
}
