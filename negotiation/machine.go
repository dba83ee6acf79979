// Package negotiation decides whether an offer command is legal and applies it
// to the ledger. Transitions on one thread are serialized, threads never share a lock.
package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"negotiation-lab/contract"
	"negotiation-lab/domain"
	"negotiation-lab/errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type Action string

const (
	Propose Action = "PROPOSE"
	Counter Action = "COUNTER"
	Accept  Action = "ACCEPT"
	Reject  Action = "REJECT"
)

// Request is one transition attempted by Actor on the thread Key.
// Terms are required by Propose and Counter only.
type Request struct {
	Key    domain.ThreadKey
	Actor  string
	Action Action
	Terms  *domain.OfferTerms
}

// Result is what a committed transition produced. Superseded is set for a
// counter: it is the prior live offer, now Countered.
type Result struct {
	Action     Action
	Offer      domain.Offer
	Superseded *domain.Offer
	Version    uint64
}

// A version conflict is retried once against the fresh head.
const maxAttempts = 2

type Machine struct {
	log    *slog.Logger
	ledger contract.OfferLedger
	censor contract.Censor
	locks  *threadLocks
	now    func() time.Time
}

// NewMachine builds a machine over ledger. censor may be nil.
func NewMachine(log *slog.Logger, ledger contract.OfferLedger, censor contract.Censor) *Machine {
	return &Machine{
		log:    log,
		ledger: ledger,
		censor: censor,
		locks:  newThreadLocks(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Machine) Propose(ctx context.Context, key domain.ThreadKey, actor string, terms domain.OfferTerms) (Result, error) {
	return m.Apply(ctx, Request{Key: key, Actor: actor, Action: Propose, Terms: &terms}, nil)
}

func (m *Machine) Counter(ctx context.Context, key domain.ThreadKey, actor string, terms domain.OfferTerms) (Result, error) {
	return m.Apply(ctx, Request{Key: key, Actor: actor, Action: Counter, Terms: &terms}, nil)
}

func (m *Machine) Accept(ctx context.Context, key domain.ThreadKey, actor string) (Result, error) {
	return m.Apply(ctx, Request{Key: key, Actor: actor, Action: Accept}, nil)
}

func (m *Machine) Reject(ctx context.Context, key domain.ThreadKey, actor string) (Result, error) {
	return m.Apply(ctx, Request{Key: key, Actor: actor, Action: Reject}, nil)
}

// Latest returns the head of the thread, whatever its status.
func (m *Machine) Latest(ctx context.Context, key domain.ThreadKey) (*domain.Offer, error) {
	head, _, err := m.ledger.Latest(ctx, key)
	return head, err
}

// Live returns the Pending head of the thread, nil if there is none.
func (m *Machine) Live(ctx context.Context, key domain.ThreadKey) (*domain.Offer, error) {
	head, err := m.Latest(ctx, key)
	if err != nil || head == nil || !head.IsLive() {
		return nil, err
	}
	return head, nil
}

// History returns every offer of every round of the thread, oldest first.
func (m *Machine) History(ctx context.Context, key domain.ThreadKey) ([]domain.Offer, error) {
	return m.ledger.History(ctx, key)
}

// Apply validates req, then commits it while holding the thread scope.
//
// handoff, when not nil, runs after the commit and before the scope is
// released, so successive handoffs of one thread observe commit order.
// It must not block.
func (m *Machine) Apply(ctx context.Context, req Request, handoff func(Result)) (Result, error) {
	if err := m.check(req); err != nil {
		return Result{}, err
	}
	terms := m.sanitize(req)

	release := m.locks.acquire(req.Key.String())
	defer release()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		head, version, err := m.ledger.Latest(ctx, req.Key)
		if err != nil {
			return Result{}, err
		}
		result, err := m.apply(ctx, req, terms, head, version)
		if errors.Is(err, errors.ErrVersionConflict) {
			m.log.Debug("Thread version conflict", "thread", req.Key.String(), "attempt", attempt)
			continue
		}
		if err != nil {
			return Result{}, m.refuse(ctx, req, err)
		}
		m.log.Debug("Transition committed",
			"thread", req.Key.String(),
			"action", req.Action,
			"offer_id", result.Offer.ID,
			"status", result.Offer.Status,
			"version", result.Version)
		if handoff != nil {
			handoff(result)
		}
		return result, nil
	}
	return Result{}, m.refuse(ctx, req, fmt.Errorf("%w: thread kept changing", errors.ErrIllegalTransition))
}

// check holds every rule that needs no state, so its failures are side effect free.
func (m *Machine) check(req Request) error {
	if err := req.Key.Validate(); err != nil {
		return err
	}
	if !req.Key.IsParty(req.Actor) {
		return fmt.Errorf("%w: %q is not party to %s", errors.ErrUnauthorized, req.Actor, req.Key.ConversationID)
	}
	switch req.Action {
	case Propose, Counter:
		if req.Terms == nil {
			return errors.Validation("%s requires terms", req.Action)
		}
		return req.Terms.Validate()
	case Accept, Reject:
		return nil
	default:
		return errors.Validation("unknown action %q", req.Action)
	}
}

func (m *Machine) sanitize(req Request) domain.OfferTerms {
	if req.Terms == nil {
		return domain.OfferTerms{}
	}
	terms := *req.Terms
	terms.Metadata = terms.Metadata.Clone()
	if m.censor != nil && terms.Message != "" {
		message, words := m.censor.Censor(terms.Message)
		if len(words) > 0 {
			m.log.Debug("Offer message censored", "thread", req.Key.String(), "words", len(words))
		}
		terms.Message = message
	}
	return terms
}

func (m *Machine) apply(ctx context.Context, req Request, terms domain.OfferTerms, head *domain.Offer, version uint64) (Result, error) {
	at := m.now()
	if head != nil && at.Before(head.UpdatedAt) {
		at = head.UpdatedAt
	}

	if req.Action == Propose {
		round := 1
		if head != nil {
			switch head.Status {
			case domain.Pending:
				return Result{}, illegal(req.Action, fmt.Sprintf("offer %s is still pending", head.ID), head)
			case domain.Accepted:
				return Result{}, illegal(req.Action, fmt.Sprintf("negotiation closed by accepted offer %s", head.ID), head)
			}
			round = head.Round + 1
		}
		offer := newOffer(req.Key, req.Actor, round, terms, at, nil)
		created, version, err := m.ledger.Create(ctx, req.Key, version, offer)
		if err != nil {
			return Result{}, err
		}
		return Result{Action: req.Action, Offer: created, Version: version}, nil
	}

	switch {
	case head == nil:
		return Result{}, illegal(req.Action, "no live offer", nil)
	case !head.IsLive():
		return Result{}, illegal(req.Action, fmt.Sprintf("thread is terminal, offer %s is %s", head.ID, head.Status), head)
	case head.ProposedBy == req.Actor:
		return Result{}, illegal(req.Action, fmt.Sprintf("%q proposed the live offer", req.Actor), head)
	}

	change := domain.Change{At: at}
	switch req.Action {
	case Counter:
		change.Status = domain.Countered
		change.Successor = lo.ToPtr(newOffer(req.Key, req.Actor, head.Round, terms, at, lo.ToPtr(head.ID)))
	case Accept:
		change.Status = domain.Accepted
	case Reject:
		change.Status = domain.Rejected
	}
	transition, err := m.ledger.Transition(ctx, req.Key, version, change)
	if err != nil {
		return Result{}, err
	}
	result := Result{Action: req.Action, Offer: transition.Head(), Version: transition.Version}
	if transition.Successor != nil {
		result.Superseded = lo.ToPtr(transition.Updated)
	}
	return result, nil
}

// refuse turns a ledger level refusal into an IllegalTransitionError carrying the fresh head.
func (m *Machine) refuse(ctx context.Context, req Request, err error) error {
	var typed *IllegalTransitionError
	if errors.As(err, &typed) || !errors.Is(err, errors.ErrIllegalTransition) {
		return err
	}
	head, _, latestErr := m.ledger.Latest(ctx, req.Key)
	if latestErr != nil {
		m.log.Warn("Unable to load head after a refused transition", "thread", req.Key.String(), "error", latestErr)
	}
	return illegal(req.Action, strings.TrimPrefix(err.Error(), errors.ErrIllegalTransition.Error()+": "), head)
}

func illegal(action Action, reason string, current *domain.Offer) error {
	return &IllegalTransitionError{Action: action, Reason: reason, Current: current}
}

func newOffer(key domain.ThreadKey, actor string, round int, terms domain.OfferTerms, at time.Time, counterOfferTo *uuid.UUID) domain.Offer {
	return domain.Offer{
		ID:             uuid.New(),
		ConversationID: key.ConversationID,
		ListingID:      key.ListingID,
		BuyerID:        key.BuyerID,
		SellerID:       key.SellerID,
		ProposedBy:     actor,
		Round:          round,
		Amount:         terms.Amount,
		Message:        terms.Message,
		Status:         domain.Pending,
		Metadata:       terms.Metadata,
		CounterOfferTo: counterOfferTo,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}
