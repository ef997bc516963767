package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// Connect creates a new database connection for testing. Tests are skipped
// when TEST_DATABASE is not set.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	connString := os.Getenv("TEST_DATABASE")
	if connString == "" {
		t.Skip("TEST_DATABASE not set")
	}

	config, err := pgx.ParseConfig(connString)
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}

	conn, err := pgx.ConnectConfig(ctx, config)
	require.NoError(t, err)

	t.Cleanup(func() {
		Close(t, conn)
	})

	return conn
}

// Close safely closes a database connection
func Close(t testing.TB, conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
}
