package repositories

import (
	"context"
	"negotiation-lab/contract"
	"negotiation-lab/errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var _ contract.IdempotencyStore = (*IdempotencyRepository)(nil)

// badger expiry has a one second resolution.
const minClaimTTL = 2 * time.Second

// IdempotencyRepository is an arena of recent occurrence keys.
// Entries carry a badger TTL so eviction needs no sweeper.
type IdempotencyRepository struct {
	db *badger.DB
}

func NewIdempotencyRepository(db *badger.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

func idempotencyKey(key string) []byte {
	return []byte("idem:" + key)
}

// Claim reads then writes in one transaction. Two concurrent claims of the
// same key can't both commit: the loser gets badger.ErrConflict and is
// reported as not claimed.
func (r *IdempotencyRepository) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl < minClaimTTL {
		ttl = minClaimTTL
	}
	claimed := false
	err := r.db.Update(func(txn *badger.Txn) error {
		k := idempotencyKey(key)
		_, err := txn.Get(k)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		claimed = true
		return txn.SetEntry(badger.NewEntry(k, []byte(time.Now().UTC().Format(time.RFC3339Nano))).WithTTL(ttl))
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(idempotencyKey(key))
	})
}
