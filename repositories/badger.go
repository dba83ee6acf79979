package repositories

import (
	"encoding/json"
	"negotiation-lab/errors"

	"github.com/dgraph-io/badger/v4"
)

// OpenBadger opens the store backing every badger repository.
// An empty path opens an in-memory instance.
func OpenBadger(path string, verbose bool) (*badger.DB, error) {
	options := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if verbose {
		options = options.WithLoggingLevel(badger.INFO)
	}
	if path == "" {
		options = options.WithInMemory(true)
	}
	return badger.Open(options)
}

// getJSON decodes the value stored under key into out.
// It returns badger.ErrKeyNotFound untouched so callers can branch on it.
func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, in any) error {
	bytes, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return txn.Set(key, bytes)
}

// commitError maps badger's optimistic conflict onto the ledger's version conflict.
func commitError(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return errors.ErrVersionConflict
	}
	return err
}
