package repositories

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyRepository_Claim_Once(t *testing.T) {
	req := require.New(t)
	db, err := OpenBadger("", false)
	req.NoError(err)
	defer db.Close()
	store := NewIdempotencyRepository(db)
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "alice|viewed_listing|1700000000", time.Minute)
	req.NoError(err)
	req.True(claimed)

	// A retry inside the window is refused
	claimed, err = store.Claim(ctx, "alice|viewed_listing|1700000000", time.Minute)
	req.NoError(err)
	req.False(claimed)

	// A release lets the retry through
	req.NoError(store.Release(ctx, "alice|viewed_listing|1700000000"))
	claimed, err = store.Claim(ctx, "alice|viewed_listing|1700000000", time.Minute)
	req.NoError(err)
	req.True(claimed)
}

func TestIdempotencyRepository_Concurrent_Claims(t *testing.T) {
	req := require.New(t)
	db, err := OpenBadger("", false)
	req.NoError(err)
	defer db.Close()
	store := NewIdempotencyRepository(db)

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.Claim(context.Background(), "same-key", time.Minute)
			if err == nil && claimed {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	req.Equal(int32(1), winners.Load())
}

func TestIdempotencyRepository_Key_Expires(t *testing.T) {
	req := require.New(t)
	db, err := OpenBadger("", false)
	req.NoError(err)
	defer db.Close()
	store := NewIdempotencyRepository(db)
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "short", time.Millisecond)
	req.NoError(err)
	req.True(claimed)

	// The minimum TTL is two seconds, badger resolution being one second
	req.Eventually(func() bool {
		claimed, err := store.Claim(ctx, "short", time.Millisecond)
		return err == nil && claimed
	}, 5*time.Second, 200*time.Millisecond)
}
