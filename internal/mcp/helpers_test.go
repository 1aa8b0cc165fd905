package mcp

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"switchboard/internal/store/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApprovalStore(t *testing.T) *sqlite.ApprovalStore {
	t.Helper()
	db, err := sqlite.Open(":memory:", "mcp-test")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := sqlite.NewApprovalStore(db)
	require.NoError(t, err)
	return store
}
