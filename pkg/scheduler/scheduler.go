// Package scheduler stores recurring payment subscriptions and, once a
// cycle is due, settles it through the payment processor.
//
// Funding model: the scheduler never fronts its own money. At creation
// time the payer grants the scheduler's service account a standing ledger
// allowance; each execution pulls exactly one cycle amount from the payer
// through that allowance before delegating settlement, and refunds it if
// settlement fails.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/Ernesto-tha-great/swish/pkg/auth"
	"github.com/Ernesto-tha-great/swish/pkg/core"
	"github.com/Ernesto-tha-great/swish/pkg/events"
	"github.com/Ernesto-tha-great/swish/pkg/keystore"
	"github.com/Ernesto-tha-great/swish/pkg/ledger"
	"github.com/Ernesto-tha-great/swish/pkg/processor"
)

const (
	recurringPaymentPrefix = "swish-recurring-payment-v1/"
	recurringSeriesPrefix  = "swish-recurring-series-v1/"
)

var executionsMetric = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "recurring_executions_total",
		Help: "Number of recurring payment executions per result",
	},
	[]string{"result"},
)

// Settler is the narrow settlement surface the scheduler needs from the
// payment processor.
type Settler interface {
	ProcessPayment(ctx context.Context, caller core.Address, req processor.PaymentRequest) (core.PaymentRecord, error)
}

type Scheduler struct {
	logger     *zap.Logger
	auth       *auth.Authorizer
	ledger     *ledger.Ledger
	settler    Settler
	dispatcher *events.Dispatcher
	// account is the scheduler's service principal: it holds the
	// payment-manager capability and the payers' standing allowances.
	account core.Address
	now     func() time.Time

	subs *keystore.Store[core.RecurringSubscription]

	mu      sync.RWMutex
	byPayer map[core.Address][]string
	byPayee map[core.Address][]string
}

type Option func(s *Scheduler)

// WithClock replaces the scheduler's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(logger *zap.Logger, authorizer *auth.Authorizer, book *ledger.Ledger, settler Settler, dispatcher *events.Dispatcher, account core.Address, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:     logger,
		auth:       authorizer,
		ledger:     book,
		settler:    settler,
		dispatcher: dispatcher,
		account:    account,
		now:        time.Now,
		subs:       keystore.New[core.RecurringSubscription]("subscriptions"),
		byPayer:    map[core.Address][]string{},
		byPayee:    map[core.Address][]string{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Account returns the scheduler's service principal, the address payers
// grant their standing allowance to.
func (s *Scheduler) Account() core.Address {
	return s.account
}

// CreateRecurringPayment registers a new subscription owned by caller.
func (s *Scheduler) CreateRecurringPayment(ctx context.Context, caller core.Address, id string, payee core.Address, token string, amount *big.Int, frequency time.Duration, firstDueAt time.Time, reference string) (core.RecurringSubscription, error) {
	if id == "" {
		return core.RecurringSubscription{}, core.Validationf("empty subscription id")
	}
	if payee.IsZero() {
		return core.RecurringSubscription{}, core.Validationf("zero payee")
	}
	if amount == nil || amount.Sign() <= 0 {
		return core.RecurringSubscription{}, core.Validationf("subscription amount is not positive")
	}
	if frequency <= 0 {
		return core.RecurringSubscription{}, core.Validationf("subscription frequency is not positive")
	}
	now := s.now()
	if !firstDueAt.After(now) {
		return core.RecurringSubscription{}, core.Validationf("first due date %s is not in the future", firstDueAt.Format(time.RFC3339))
	}
	sub := core.RecurringSubscription{
		ID:        id,
		Payer:     caller,
		Payee:     payee,
		Token:     token,
		Amount:    new(big.Int).Set(amount),
		Frequency: frequency,
		NextDueAt: firstDueAt.UTC(),
		Active:    true,
		Reference: reference,
		CreatedAt: now.UTC(),
	}
	if !s.subs.Insert(id, sub) {
		return core.RecurringSubscription{}, core.StateConflictf("subscription %q already exists", id)
	}
	s.mu.Lock()
	s.byPayer[caller] = append(s.byPayer[caller], id)
	s.byPayee[payee] = append(s.byPayee[payee], id)
	s.mu.Unlock()

	s.logger.Info("subscription created",
		zap.String("id", id),
		zap.String("payer", caller.Hex()),
		zap.String("payee", payee.Hex()),
		zap.Duration("frequency", frequency))
	s.dispatcher.Dispatch(events.SubscriptionCreated, sub)
	return sub, nil
}

// ExecuteRecurringPayment settles one due cycle. Anyone may trigger it;
// the due check decides, not the caller's identity. The next due date
// advances from the previous due date so a late trigger never shifts the
// cadence.
func (s *Scheduler) ExecuteRecurringPayment(ctx context.Context, caller core.Address, id string) (core.PaymentRecord, error) {
	now := s.now()
	var prevDue time.Time
	// the atomic update is the arbitration point: of two concurrent
	// triggers only one observes the old due date
	sub, err := s.subs.Update(id, func(current core.RecurringSubscription) (core.RecurringSubscription, error) {
		if !current.Active {
			return current, core.StateConflictf("subscription %q is cancelled", id)
		}
		if now.Before(current.NextDueAt) {
			return current, core.StateConflictf("subscription %q is not due until %s", id, current.NextDueAt.Format(time.RFC3339))
		}
		prevDue = current.NextDueAt
		current.NextDueAt = current.NextDueAt.Add(current.Frequency)
		return current, nil
	})
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			err = core.StateConflictf("unknown subscription %q", id)
		}
		executionsMetric.WithLabelValues("rejected").Inc()
		return core.PaymentRecord{}, err
	}

	// pull one cycle amount from the payer through the standing allowance
	if err := s.ledger.TransferFrom(sub.Token, s.account, sub.Payer, s.account, sub.Amount); err != nil {
		s.revertDueDate(id, prevDue)
		executionsMetric.WithLabelValues("failure").Inc()
		return core.PaymentRecord{}, err
	}

	record, err := s.settler.ProcessPayment(ctx, s.account, processor.PaymentRequest{
		ID:        derivePaymentID(sub, prevDue, now),
		Payee:     sub.Payee,
		Token:     sub.Token,
		Amount:    sub.Amount,
		Reference: seriesFingerprint(sub.ID),
	})
	if err != nil {
		// refund the pulled cycle amount and restore the schedule
		if refundErr := s.ledger.Transfer(sub.Token, s.account, sub.Payer, sub.Amount); refundErr != nil {
			s.logger.Error("refund failed", zap.String("id", id), zap.Error(refundErr))
		}
		s.revertDueDate(id, prevDue)
		executionsMetric.WithLabelValues("failure").Inc()
		return core.PaymentRecord{}, err
	}

	executionsMetric.WithLabelValues("success").Inc()
	s.logger.Info("subscription executed",
		zap.String("id", id),
		zap.String("payment", record.ID),
		zap.Time("previous_due", prevDue),
		zap.Time("next_due", sub.NextDueAt))
	s.dispatcher.Dispatch(events.SubscriptionExecuted, sub)
	return record, nil
}

// IsPaymentDue reports whether a subscription exists, is active and has
// reached its due date.
func (s *Scheduler) IsPaymentDue(id string) bool {
	sub, ok := s.subs.Get(id)
	if !ok || !sub.Active {
		return false
	}
	return !s.now().Before(sub.NextDueAt)
}

// CancelRecurringPayment moves a subscription to its terminal state.
// Only the original payer or a payment-manager may cancel.
func (s *Scheduler) CancelRecurringPayment(ctx context.Context, caller core.Address, id string) error {
	sub, ok := s.subs.Get(id)
	if !ok {
		return core.StateConflictf("unknown subscription %q", id)
	}
	if caller != sub.Payer && !s.auth.HasCapability(caller, auth.CapabilityPaymentManager) {
		return core.Authorizationf("%s may not cancel subscription %q", caller.Hex(), id)
	}
	cancelled, err := s.subs.Update(id, func(current core.RecurringSubscription) (core.RecurringSubscription, error) {
		if !current.Active {
			return current, core.StateConflictf("subscription %q is already cancelled", id)
		}
		current.Active = false
		return current, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("subscription cancelled", zap.String("id", id), zap.String("by", caller.Hex()))
	s.dispatcher.Dispatch(events.SubscriptionCanceled, cancelled)
	return nil
}

// UpdateRecurringPayment replaces the amount and frequency of a still
// active subscription. Same authorization as cancel.
func (s *Scheduler) UpdateRecurringPayment(ctx context.Context, caller core.Address, id string, amount *big.Int, frequency time.Duration) (core.RecurringSubscription, error) {
	if amount == nil || amount.Sign() <= 0 {
		return core.RecurringSubscription{}, core.Validationf("subscription amount is not positive")
	}
	if frequency <= 0 {
		return core.RecurringSubscription{}, core.Validationf("subscription frequency is not positive")
	}
	sub, ok := s.subs.Get(id)
	if !ok {
		return core.RecurringSubscription{}, core.StateConflictf("unknown subscription %q", id)
	}
	if caller != sub.Payer && !s.auth.HasCapability(caller, auth.CapabilityPaymentManager) {
		return core.RecurringSubscription{}, core.Authorizationf("%s may not update subscription %q", caller.Hex(), id)
	}
	updated, err := s.subs.Update(id, func(current core.RecurringSubscription) (core.RecurringSubscription, error) {
		if !current.Active {
			return current, core.StateConflictf("subscription %q is cancelled", id)
		}
		current.Amount = new(big.Int).Set(amount)
		current.Frequency = frequency
		return current, nil
	})
	if err != nil {
		return core.RecurringSubscription{}, err
	}
	s.dispatcher.Dispatch(events.SubscriptionUpdated, updated)
	return updated, nil
}

func (s *Scheduler) GetRecurringPaymentDetails(id string) (core.RecurringSubscription, error) {
	sub, ok := s.subs.Get(id)
	if !ok {
		return core.RecurringSubscription{}, core.StateConflictf("unknown subscription %q", id)
	}
	return sub, nil
}

// SubscriptionsByPayer lists the series a payer created, in creation order.
func (s *Scheduler) SubscriptionsByPayer(payer core.Address) []core.RecurringSubscription {
	s.mu.RLock()
	ids := make([]string, len(s.byPayer[payer]))
	copy(ids, s.byPayer[payer])
	s.mu.RUnlock()
	return s.collect(ids)
}

// SubscriptionsByPayee lists the series paying into a payee, in creation order.
func (s *Scheduler) SubscriptionsByPayee(payee core.Address) []core.RecurringSubscription {
	s.mu.RLock()
	ids := make([]string, len(s.byPayee[payee]))
	copy(ids, s.byPayee[payee])
	s.mu.RUnlock()
	return s.collect(ids)
}

func (s *Scheduler) collect(ids []string) []core.RecurringSubscription {
	subs := make([]core.RecurringSubscription, 0, len(ids))
	for _, id := range ids {
		if sub, ok := s.subs.Get(id); ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

// revertDueDate undoes a schedule advance after a failed execution, but
// only if no other execution has advanced it further in the meantime.
func (s *Scheduler) revertDueDate(id string, prevDue time.Time) {
	expected := prevDue
	_, err := s.subs.Update(id, func(current core.RecurringSubscription) (core.RecurringSubscription, error) {
		if !current.NextDueAt.Equal(expected.Add(current.Frequency)) {
			return current, core.StateConflictf("due date moved concurrently")
		}
		current.NextDueAt = expected
		return current, nil
	})
	if err != nil {
		s.logger.Warn("could not revert due date", zap.String("id", id), zap.Error(err))
	}
}

// derivePaymentID builds the deterministic settlement identifier of one
// cycle from the series, its parties and the cycle's due date.
func derivePaymentID(sub core.RecurringSubscription, prevDue, execTime time.Time) string {
	h := sha256.New()
	h.Write([]byte(recurringPaymentPrefix))
	h.Write([]byte(sub.ID))
	h.Write(sub.Payer[:])
	h.Write(sub.Payee[:])
	var ts [16]byte
	binary.BigEndian.PutUint64(ts[:8], uint64(prevDue.Unix()))
	binary.BigEndian.PutUint64(ts[8:], uint64(execTime.UnixNano()))
	h.Write(ts[:])
	return hex.EncodeToString(h.Sum(nil))
}

// seriesFingerprint tags every settlement of a series with the same
// reference hash so the upstream layer can attribute it.
func seriesFingerprint(id string) core.Hash {
	return core.HashOfBytes([]byte(recurringSeriesPrefix + id))
}
