package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jimjrxieb/linkops/internal/db"
)

func TestSQLiteLocker(t *testing.T) {
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	ctx := context.Background()
	locker := NewSQLite(database)

	first, err := locker.Acquire(ctx, "100|200", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, first.Owner)

	_, err = locker.Acquire(ctx, "100|200", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	// Other windows are independent
	other, err := locker.Acquire(ctx, "200|300", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	require.NoError(t, first.Release(ctx))

	again, err := locker.Acquire(ctx, "100|200", time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, first.Owner, again.Owner)
	require.NoError(t, again.Release(ctx))
}

func TestSQLiteLocker_ExpiredLeaseIsTaken(t *testing.T) {
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	ctx := context.Background()
	locker := NewSQLite(database)
	base := time.Unix(1_700_000_000, 0)
	locker.now = func() time.Time { return base }

	stale, err := locker.Acquire(ctx, "w", time.Minute)
	require.NoError(t, err)

	locker.now = func() time.Time { return base.Add(2 * time.Minute) }
	fresh, err := locker.Acquire(ctx, "w", time.Minute)
	require.NoError(t, err)

	// The stale owner's release must not drop the new lease
	require.NoError(t, stale.Release(ctx))
	_, err = locker.Acquire(ctx, "w", time.Minute)
	require.ErrorIs(t, err, ErrHeld)
	require.NoError(t, fresh.Release(ctx))
}

func TestOpen_DefaultsToSQLite(t *testing.T) {
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	locker, closeFn, err := Open(context.Background(), database, "")
	require.NoError(t, err)
	require.IsType(t, &SQLiteLocker{}, locker)
	require.NoError(t, closeFn())

	_, _, err = Open(context.Background(), database, "://bad")
	require.Error(t, err)
}

func TestLease_NilRelease(t *testing.T) {
	var l *Lease
	require.NoError(t, l.Release(context.Background()))
}
