package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"negotiation-lab/contract"
	"negotiation-lab/domain"
	"net/url"

	"github.com/dgraph-io/badger/v4"
)

var _ contract.TelemetryTransport = (*ActivityRepository)(nil)

// ActivityRepository archives recorded activities for downstream analytics.
type ActivityRepository struct {
	db              *badger.DB
	log             *slog.Logger
	limitActivities *int
}

func NewActivityRepository(db *badger.DB, log *slog.Logger, limitActivities *int) *ActivityRepository {
	return &ActivityRepository{db: db, log: log, limitActivities: limitActivities}
}

// Deliver persists an activity in BadgerDB.
// The key is formatted as "activity:{user}:{timestamp_padded}:{uuid}" to:
//  1. Keep a user's activities in chronological order using 19-digit zero padding.
//  2. Avoid collisions when two activities are observed at the same nanosecond.
func (r *ActivityRepository) Deliver(ctx context.Context, activity domain.ActivityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := fmt.Sprintf("activity:%s:%019d:%s",
		url.QueryEscape(activity.UserID),
		activity.ObservedAt.UnixNano(),
		activity.ID,
	)
	bytes, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), bytes)
	})
}

// GetActivities returns the most recent activities of a user, newest first.
// It stops once the configured limit is reached.
func (r *ActivityRepository) GetActivities(ctx context.Context, userID string) ([]domain.ActivityEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var activities []domain.ActivityEvent
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("activity:%s:", url.QueryEscape(userID)))
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		// Reverse iteration starts from the highest possible timestamp
		seekKey := append(append([]byte{}, prefix...), []byte("9999999999999999999")...)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if r.limitActivities != nil && len(activities) == *r.limitActivities {
				r.log.Debug(fmt.Sprintf("Maximum of %d activities reached", *r.limitActivities))
				break
			}
			var activity domain.ActivityEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &activity)
			})
			if err != nil {
				return err
			}
			activities = append(activities, activity)
		}
		return nil
	})
	return activities, err
}
