package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"negotiation-lab/contract"
	"negotiation-lab/domain"
	"negotiation-lab/errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var _ contract.OfferLedger = (*PostgresLedger)(nil)

const uniqueViolation = "23505"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS offers (
	seq              BIGSERIAL PRIMARY KEY,
	id               UUID NOT NULL UNIQUE,
	conversation_id  TEXT NOT NULL,
	listing_id       TEXT NOT NULL,
	buyer_id         TEXT NOT NULL,
	seller_id        TEXT NOT NULL,
	proposed_by      TEXT NOT NULL,
	round            INT NOT NULL,
	amount           NUMERIC NOT NULL,
	currency         CHAR(3) NOT NULL,
	message          TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	metadata         JSONB,
	counter_offer_to UUID REFERENCES offers(id),
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS offers_thread_idx
	ON offers (conversation_id, listing_id, buyer_id, seller_id, seq);
CREATE TABLE IF NOT EXISTS negotiation_heads (
	conversation_id TEXT NOT NULL,
	listing_id      TEXT NOT NULL,
	buyer_id        TEXT NOT NULL,
	seller_id       TEXT NOT NULL,
	offer_id        UUID NOT NULL REFERENCES offers(id),
	round           INT NOT NULL,
	version         BIGINT NOT NULL,
	PRIMARY KEY (conversation_id, listing_id, buyer_id, seller_id)
);`

const offerColumns = `o.id, o.conversation_id, o.listing_id, o.buyer_id, o.seller_id, o.proposed_by,
	o.round, o.amount, o.currency, o.message, o.status, o.metadata, o.counter_offer_to,
	o.created_at, o.updated_at`

// PostgresLedger is the SQL driver of the offer ledger.
// The head row is locked with SELECT ... FOR UPDATE for the duration of a
// transition; the first offer of a thread races on the head primary key.
type PostgresLedger struct {
	db  *sql.DB
	log *slog.Logger
}

func NewPostgresLedger(db *sql.DB, log *slog.Logger) *PostgresLedger {
	return &PostgresLedger{db: db, log: log}
}

// OpenPostgresLedger connects with lib/pq and applies the schema.
func OpenPostgresLedger(ctx context.Context, dsn string, log *slog.Logger) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	ledger := NewPostgresLedger(db, log)
	if err = ledger.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ledger, nil
}

func (l *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, postgresSchema)
	return err
}

func (l *PostgresLedger) Close() error { return l.db.Close() }

func (l *PostgresLedger) Latest(ctx context.Context, key domain.ThreadKey) (*domain.Offer, uint64, error) {
	row := l.db.QueryRowContext(ctx, `SELECT h.version, `+offerColumns+`
		FROM negotiation_heads h JOIN offers o ON o.id = h.offer_id
		WHERE h.conversation_id = $1 AND h.listing_id = $2 AND h.buyer_id = $3 AND h.seller_id = $4`,
		key.ConversationID, key.ListingID, key.BuyerID, key.SellerID)
	var version uint64
	offer, err := scanOffer(row, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return &offer, version, nil
}

func (l *PostgresLedger) Create(ctx context.Context, key domain.ThreadKey, expectedVersion uint64, offer domain.Offer) (domain.Offer, uint64, error) {
	if offer.Key() != key {
		return domain.Offer{}, 0, errors.Validation("offer %s does not belong to thread %s", offer.ID, key)
	}
	var version uint64
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		head, err := lockHead(ctx, tx, key)
		if err != nil {
			return err
		}
		if head == nil {
			if expectedVersion != 0 {
				return errors.ErrVersionConflict
			}
			if err = insertOffer(ctx, tx, offer); err != nil {
				return err
			}
			version = 1
			_, err = tx.ExecContext(ctx, `INSERT INTO negotiation_heads
				(conversation_id, listing_id, buyer_id, seller_id, offer_id, round, version)
				VALUES ($1, $2, $3, $4, $5, $6, 1)`,
				key.ConversationID, key.ListingID, key.BuyerID, key.SellerID, offer.ID, offer.Round)
			return err
		}
		if head.version != expectedVersion {
			return errors.ErrVersionConflict
		}
		if head.status == domain.Pending {
			return fmt.Errorf("%w: offer %s is still pending", errors.ErrIllegalTransition, head.offerID)
		}
		if err = insertOffer(ctx, tx, offer); err != nil {
			return err
		}
		version = head.version + 1
		return updateHead(ctx, tx, key, offer.ID, offer.Round, version)
	})
	if err != nil {
		return domain.Offer{}, 0, err
	}
	return offer, version, nil
}

func (l *PostgresLedger) Transition(ctx context.Context, key domain.ThreadKey, expectedVersion uint64, change domain.Change) (domain.Transition, error) {
	if change.Successor != nil && change.Status != domain.Countered {
		return domain.Transition{}, errors.Validation("only a counter creates a successor")
	}
	var result domain.Transition
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		head, err := lockHead(ctx, tx, key)
		if err != nil {
			return err
		}
		if head == nil {
			return fmt.Errorf("%w: thread %s is empty", errors.ErrIllegalTransition, key)
		}
		if head.version != expectedVersion {
			return errors.ErrVersionConflict
		}
		if head.status != domain.Pending {
			return fmt.Errorf("%w: offer %s is %s", errors.ErrIllegalTransition, head.offerID, head.status)
		}
		current, err := scanOffer(tx.QueryRowContext(ctx,
			`SELECT `+offerColumns+` FROM offers o WHERE o.id = $1`, head.offerID))
		if err != nil {
			return err
		}
		updated := current.WithStatus(change.Status, change.At)
		if _, err = tx.ExecContext(ctx, `UPDATE offers SET status = $1, updated_at = $2 WHERE id = $3`,
			string(updated.Status), updated.UpdatedAt, updated.ID); err != nil {
			return err
		}
		headID, round := updated.ID, updated.Round
		if change.Successor != nil {
			if err = insertOffer(ctx, tx, *change.Successor); err != nil {
				return err
			}
			headID, round = change.Successor.ID, change.Successor.Round
		}
		version := head.version + 1
		result = domain.Transition{Updated: updated, Successor: change.Successor, Version: version}
		return updateHead(ctx, tx, key, headID, round, version)
	})
	return result, err
}

func (l *PostgresLedger) History(ctx context.Context, key domain.ThreadKey) ([]domain.Offer, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers o
		WHERE o.conversation_id = $1 AND o.listing_id = $2 AND o.buyer_id = $3 AND o.seller_id = $4
		ORDER BY o.seq`,
		key.ConversationID, key.ListingID, key.BuyerID, key.SellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var offers []domain.Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

func (l *PostgresLedger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return pgError(err)
	}
	return pgError(tx.Commit())
}

// pgError turns a lost race on the heads primary key into a version conflict.
func pgError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return errors.ErrVersionConflict
	}
	return err
}

type lockedHead struct {
	offerID uuid.UUID
	status  domain.OfferStatus
	version uint64
}

func lockHead(ctx context.Context, tx *sql.Tx, key domain.ThreadKey) (*lockedHead, error) {
	var head lockedHead
	var status string
	err := tx.QueryRowContext(ctx, `SELECT h.offer_id, o.status, h.version
		FROM negotiation_heads h JOIN offers o ON o.id = h.offer_id
		WHERE h.conversation_id = $1 AND h.listing_id = $2 AND h.buyer_id = $3 AND h.seller_id = $4
		FOR UPDATE OF h`,
		key.ConversationID, key.ListingID, key.BuyerID, key.SellerID).
		Scan(&head.offerID, &status, &head.version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	head.status = domain.OfferStatus(status)
	return &head, nil
}

func updateHead(ctx context.Context, tx *sql.Tx, key domain.ThreadKey, offerID uuid.UUID, round int, version uint64) error {
	_, err := tx.ExecContext(ctx, `UPDATE negotiation_heads SET offer_id = $1, round = $2, version = $3
		WHERE conversation_id = $4 AND listing_id = $5 AND buyer_id = $6 AND seller_id = $7`,
		offerID, round, version, key.ConversationID, key.ListingID, key.BuyerID, key.SellerID)
	return err
}

func insertOffer(ctx context.Context, tx *sql.Tx, offer domain.Offer) error {
	// JSONB needs a textual NULL or document, never an empty byte slice
	var metadata any
	if len(offer.Metadata) > 0 {
		bytes, err := json.Marshal(offer.Metadata)
		if err != nil {
			return err
		}
		metadata = string(bytes)
	}
	counterOfferTo := uuid.NullUUID{}
	if offer.CounterOfferTo != nil {
		counterOfferTo = uuid.NullUUID{UUID: *offer.CounterOfferTo, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO offers
		(id, conversation_id, listing_id, buyer_id, seller_id, proposed_by, round, amount, currency,
		 message, status, metadata, counter_offer_to, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		offer.ID, offer.ConversationID, offer.ListingID, offer.BuyerID, offer.SellerID, offer.ProposedBy,
		offer.Round, offer.Amount.Value, offer.Amount.Currency, offer.Message, string(offer.Status),
		metadata, counterOfferTo, offer.CreatedAt, offer.UpdatedAt)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

// scanOffer reads offerColumns, prefixed by any extra destinations.
func scanOffer(row scanner, prefix ...any) (domain.Offer, error) {
	var offer domain.Offer
	var status string
	var metadata []byte
	var counterOfferTo uuid.NullUUID
	dest := append(prefix,
		&offer.ID, &offer.ConversationID, &offer.ListingID, &offer.BuyerID, &offer.SellerID, &offer.ProposedBy,
		&offer.Round, &offer.Amount.Value, &offer.Amount.Currency, &offer.Message, &status, &metadata,
		&counterOfferTo, &offer.CreatedAt, &offer.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return domain.Offer{}, err
	}
	offer.Status = domain.OfferStatus(status)
	if counterOfferTo.Valid {
		offer.CounterOfferTo = &counterOfferTo.UUID
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &offer.Metadata); err != nil {
			return domain.Offer{}, err
		}
	}
	offer.CreatedAt = offer.CreatedAt.UTC()
	offer.UpdatedAt = offer.UpdatedAt.UTC()
	return offer, nil
}
