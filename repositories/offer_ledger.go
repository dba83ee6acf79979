package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"negotiation-lab/contract"
	"negotiation-lab/domain"
	"negotiation-lab/errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var _ contract.OfferLedger = (*OfferLedger)(nil)

const (
	headPrefix  = "head:"
	offerPrefix = "offer:"
)

// OfferLedger stores negotiation threads in BadgerDB.
//
// Two kinds of keys are written:
//   - "head:{thread}" holds the pointer to the current head offer and the thread version.
//   - "offer:{thread}:{seq}" holds each offer, seq being 19-digit zero padded so a
//     prefix scan returns the chain in creation order.
//
// Every write runs in a single badger transaction. Badger's conflict detection
// turns a concurrent commit on the same head into ErrVersionConflict.
type OfferLedger struct {
	db  *badger.DB
	log *slog.Logger
}

func NewOfferLedger(db *badger.DB, log *slog.Logger) *OfferLedger {
	return &OfferLedger{db: db, log: log}
}

type threadHead struct {
	OfferID  uuid.UUID `json:"offerId"`
	OfferSeq uint64    `json:"offerSeq"`
	Count    uint64    `json:"count"`
	Round    int       `json:"round"`
	Version  uint64    `json:"version"`
}

func headKey(key domain.ThreadKey) []byte {
	return []byte(headPrefix + key.String())
}

func offerKey(key domain.ThreadKey, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d", offerPrefix, key.String(), seq))
}

func (l *OfferLedger) Latest(ctx context.Context, key domain.ThreadKey) (*domain.Offer, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	var offer *domain.Offer
	var version uint64
	err := l.db.View(func(txn *badger.Txn) error {
		head, current, err := readHead(txn, key)
		if err != nil || head == nil {
			return err
		}
		offer, version = &current, head.Version
		return nil
	})
	return offer, version, err
}

func (l *OfferLedger) Create(ctx context.Context, key domain.ThreadKey, expectedVersion uint64, offer domain.Offer) (domain.Offer, uint64, error) {
	if err := ctx.Err(); err != nil {
		return domain.Offer{}, 0, err
	}
	if offer.Key() != key {
		return domain.Offer{}, 0, errors.Validation("offer %s does not belong to thread %s", offer.ID, key)
	}
	var version uint64
	err := l.db.Update(func(txn *badger.Txn) error {
		head, current, err := readHead(txn, key)
		if err != nil {
			return err
		}
		next := threadHead{}
		if head != nil {
			if head.Version != expectedVersion {
				return errors.ErrVersionConflict
			}
			if current.IsLive() {
				return fmt.Errorf("%w: offer %s is still pending", errors.ErrIllegalTransition, current.ID)
			}
			next = *head
		} else if expectedVersion != 0 {
			return errors.ErrVersionConflict
		}

		next.Count++
		next.OfferSeq = next.Count
		next.OfferID = offer.ID
		next.Round = offer.Round
		next.Version++
		if err = setJSON(txn, offerKey(key, next.OfferSeq), offer); err != nil {
			return err
		}
		version = next.Version
		return setJSON(txn, headKey(key), next)
	})
	if err != nil {
		return domain.Offer{}, 0, commitError(err)
	}
	l.log.Debug("offer created", "thread", key.String(), "offer_id", offer.ID, "version", version)
	return offer, version, nil
}

func (l *OfferLedger) Transition(ctx context.Context, key domain.ThreadKey, expectedVersion uint64, change domain.Change) (domain.Transition, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transition{}, err
	}
	if change.Successor != nil && change.Status != domain.Countered {
		return domain.Transition{}, errors.Validation("only a counter creates a successor")
	}
	var result domain.Transition
	err := l.db.Update(func(txn *badger.Txn) error {
		head, current, err := readHead(txn, key)
		if err != nil {
			return err
		}
		if head == nil {
			return fmt.Errorf("%w: thread %s is empty", errors.ErrIllegalTransition, key)
		}
		if head.Version != expectedVersion {
			return errors.ErrVersionConflict
		}
		if !current.IsLive() {
			return fmt.Errorf("%w: offer %s is %s", errors.ErrIllegalTransition, current.ID, current.Status)
		}

		next := *head
		updated := current.WithStatus(change.Status, change.At)
		if err = setJSON(txn, offerKey(key, head.OfferSeq), updated); err != nil {
			return err
		}
		if change.Successor != nil {
			next.Count++
			next.OfferSeq = next.Count
			next.OfferID = change.Successor.ID
			if err = setJSON(txn, offerKey(key, next.OfferSeq), change.Successor); err != nil {
				return err
			}
		}
		next.Version++
		result = domain.Transition{Updated: updated, Successor: change.Successor, Version: next.Version}
		return setJSON(txn, headKey(key), next)
	})
	if err != nil {
		return domain.Transition{}, commitError(err)
	}
	return result, nil
}

func (l *OfferLedger) History(ctx context.Context, key domain.ThreadKey) ([]domain.Offer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var offers []domain.Offer
	err := l.db.View(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("%s%s:", offerPrefix, key.String()))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var offer domain.Offer
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &offer)
			})
			if err != nil {
				return err
			}
			offers = append(offers, offer)
		}
		return nil
	})
	return offers, err
}

// readHead loads the head pointer and the offer it points to.
// A missing head is not an error: it returns nil.
func readHead(txn *badger.Txn, key domain.ThreadKey) (*threadHead, domain.Offer, error) {
	var head threadHead
	err := getJSON(txn, headKey(key), &head)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.Offer{}, nil
	}
	if err != nil {
		return nil, domain.Offer{}, err
	}
	var offer domain.Offer
	if err = getJSON(txn, offerKey(key, head.OfferSeq), &offer); err != nil {
		return nil, domain.Offer{}, fmt.Errorf("head of %s points to a missing offer: %w", key, err)
	}
	return &head, offer, nil
}
