// Package processor authorizes and settles payments. It is the only place
// funds move and the only writer of payment records, so every call either
// commits its record, its fingerprint and its transfer together or leaves
// no trace at all.
package processor

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/Ernesto-tha-great/swish/pkg/auth"
	"github.com/Ernesto-tha-great/swish/pkg/core"
	"github.com/Ernesto-tha-great/swish/pkg/events"
	"github.com/Ernesto-tha-great/swish/pkg/keystore"
	"github.com/Ernesto-tha-great/swish/pkg/ledger"
)

// MaxFeeBps bounds every platform fee update, 5% in basis points.
const MaxFeeBps = 500

const feeDenominator = 10000

var paymentsMetric = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "payments_processed_total",
		Help: "Number of processed payments per result",
	},
	[]string{"result"},
)

// tokenSource is the narrow slice of the token registry the processor
// needs for asset validity checks.
type tokenSource interface {
	GetTokenInfo(symbol string) (core.Token, error)
}

// PaymentRequest describes one payment to settle. Signature may be nil
// when the caller itself holds the payment-manager capability.
type PaymentRequest struct {
	ID        string
	Payee     core.Address
	Token     string
	Amount    *big.Int
	Reference core.Hash
	Signature *auth.Signature
}

type Processor struct {
	logger     *zap.Logger
	auth       *auth.Authorizer
	ledger     *ledger.Ledger
	tokens     tokenSource
	dispatcher *events.Dispatcher

	payments     *keystore.Store[core.PaymentRecord]
	fingerprints *keystore.Store[struct{}]

	mu           sync.RWMutex
	feeBps       uint32
	feeCollector core.Address
}

func New(logger *zap.Logger, authorizer *auth.Authorizer, book *ledger.Ledger, tokens tokenSource, dispatcher *events.Dispatcher, feeBps uint32, feeCollector core.Address) (*Processor, error) {
	if feeBps > MaxFeeBps {
		return nil, core.Validationf("fee %d bps exceeds maximum %d bps", feeBps, MaxFeeBps)
	}
	if feeCollector.IsZero() {
		return nil, core.Validationf("zero fee collector")
	}
	return &Processor{
		logger:       logger,
		auth:         authorizer,
		ledger:       book,
		tokens:       tokens,
		dispatcher:   dispatcher,
		payments:     keystore.New[core.PaymentRecord]("payments"),
		fingerprints: keystore.New[struct{}]("payment_fingerprints"),
		feeBps:       feeBps,
		feeCollector: feeCollector,
	}, nil
}

// ProcessPayment settles a single payment funded by caller. Without the
// payment-manager capability the caller must present a co-signature from
// a principal that holds it.
func (p *Processor) ProcessPayment(ctx context.Context, caller core.Address, req PaymentRequest) (core.PaymentRecord, error) {
	if err := p.validate(req.ID, req.Payee, req.Token, req.Amount); err != nil {
		paymentsMetric.WithLabelValues("rejected").Inc()
		return core.PaymentRecord{}, err
	}
	if !p.auth.HasCapability(caller, auth.CapabilityPaymentManager) {
		if req.Signature == nil {
			paymentsMetric.WithLabelValues("rejected").Inc()
			return core.PaymentRecord{}, core.Authorizationf("caller %s is not a payment manager and no signature is present", caller.Hex())
		}
		digest := auth.PaymentDigest(req.ID, req.Payee, req.Token, req.Amount, req.Reference)
		if _, err := p.auth.VerifyPaymentSignature(*req.Signature, digest); err != nil {
			paymentsMetric.WithLabelValues("rejected").Inc()
			return core.PaymentRecord{}, err
		}
	}

	fee, collector := p.feeFor(req.Amount)
	record := core.PaymentRecord{
		ID:        req.ID,
		Payer:     caller,
		Payee:     req.Payee,
		Token:     req.Token,
		Amount:    new(big.Int).Set(req.Amount),
		Fee:       fee,
		Timestamp: time.Now().UTC(),
		Reference: req.Reference,
	}
	fingerprint := core.PaymentFingerprint(req.ID, req.Payee, req.Token, req.Amount)
	if err := p.stage(record, fingerprint); err != nil {
		paymentsMetric.WithLabelValues("rejected").Inc()
		return core.PaymentRecord{}, err
	}

	payeeAmount := new(big.Int).Sub(record.Amount, fee)
	credits := []ledger.Credit{{To: req.Payee, Amount: payeeAmount}}
	if fee.Sign() > 0 {
		credits = append(credits, ledger.Credit{To: collector, Amount: fee})
	}
	if err := p.ledger.Settle(req.Token, caller, credits); err != nil {
		p.unstage(record.ID, fingerprint)
		paymentsMetric.WithLabelValues("failure").Inc()
		return core.PaymentRecord{}, err
	}

	paymentsMetric.WithLabelValues("success").Inc()
	p.logger.Info("payment processed",
		zap.String("id", record.ID),
		zap.String("payer", record.Payer.Hex()),
		zap.String("payee", record.Payee.Hex()),
		zap.String("token", record.Token),
		zap.String("amount", record.Amount.String()),
		zap.String("fee", record.Fee.String()))
	p.dispatcher.Dispatch(events.PaymentCompleted, record)
	return record, nil
}

// ProcessBatchPayment settles a batch of payments of one token in two
// phases: the summed amount is pulled from the caller first, then each
// payee's net and the aggregated fee are distributed. A single invalid
// item fails the whole batch with no state change. Payment-manager only.
func (p *Processor) ProcessBatchPayment(ctx context.Context, caller core.Address, ids []string, payees []core.Address, token string, amounts []*big.Int, references []core.Hash) ([]core.PaymentRecord, error) {
	if err := p.auth.RequireCapability(caller, auth.CapabilityPaymentManager); err != nil {
		paymentsMetric.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if len(ids) == 0 {
		return nil, core.Validationf("empty batch")
	}
	if len(payees) != len(ids) || len(amounts) != len(ids) || len(references) != len(ids) {
		return nil, core.Validationf("batch arrays have mismatched lengths: %d ids, %d payees, %d amounts, %d references",
			len(ids), len(payees), len(amounts), len(references))
	}

	seenIDs := make(map[string]struct{}, len(ids))
	seenFingerprints := make(map[core.Hash]struct{}, len(ids))
	for i := range ids {
		if err := p.validate(ids[i], payees[i], token, amounts[i]); err != nil {
			paymentsMetric.WithLabelValues("rejected").Inc()
			return nil, err
		}
		if _, dup := seenIDs[ids[i]]; dup {
			return nil, core.StateConflictf("payment %q appears twice in the batch", ids[i])
		}
		seenIDs[ids[i]] = struct{}{}
		fingerprint := core.PaymentFingerprint(ids[i], payees[i], token, amounts[i])
		if _, dup := seenFingerprints[fingerprint]; dup {
			return nil, core.StateConflictf("payment fingerprint of %q appears twice in the batch", ids[i])
		}
		seenFingerprints[fingerprint] = struct{}{}
	}

	now := time.Now().UTC()
	totalFee := new(big.Int)
	var collector core.Address
	records := make([]core.PaymentRecord, 0, len(ids))
	fingerprints := make([]core.Hash, 0, len(ids))
	credits := make([]ledger.Credit, 0, len(ids)+1)
	for i := range ids {
		fee, c := p.feeFor(amounts[i])
		collector = c
		totalFee.Add(totalFee, fee)
		record := core.PaymentRecord{
			ID:        ids[i],
			Payer:     caller,
			Payee:     payees[i],
			Token:     token,
			Amount:    new(big.Int).Set(amounts[i]),
			Fee:       fee,
			Timestamp: now,
			Reference: references[i],
		}
		records = append(records, record)
		fingerprints = append(fingerprints, core.PaymentFingerprint(ids[i], payees[i], token, amounts[i]))
		credits = append(credits, ledger.Credit{To: payees[i], Amount: new(big.Int).Sub(record.Amount, fee)})
	}
	if totalFee.Sign() > 0 {
		credits = append(credits, ledger.Credit{To: collector, Amount: totalFee})
	}

	staged := 0
	for i := range records {
		if err := p.stage(records[i], fingerprints[i]); err != nil {
			for j := 0; j < staged; j++ {
				p.unstage(records[j].ID, fingerprints[j])
			}
			paymentsMetric.WithLabelValues("rejected").Inc()
			return nil, err
		}
		staged++
	}
	if err := p.ledger.Settle(token, caller, credits); err != nil {
		for i := range records {
			p.unstage(records[i].ID, fingerprints[i])
		}
		paymentsMetric.WithLabelValues("failure").Inc()
		return nil, err
	}

	paymentsMetric.WithLabelValues("success").Add(float64(len(records)))
	p.logger.Info("batch processed",
		zap.String("payer", caller.Hex()),
		zap.String("token", token),
		zap.Int("items", len(records)),
		zap.String("fee", totalFee.String()))
	for _, record := range records {
		p.dispatcher.Dispatch(events.PaymentCompleted, record)
	}
	return records, nil
}

// VerifyPayment reports whether a payment identifier was settled and
// returns its record, zero-valued if absent.
func (p *Processor) VerifyPayment(id string) (bool, core.PaymentRecord) {
	record, ok := p.payments.Get(id)
	return ok, record
}

// UpdatePlatformFee replaces the fee rate. Admin-gated and bounded by
// MaxFeeBps.
func (p *Processor) UpdatePlatformFee(caller core.Address, feeBps uint32) error {
	if err := p.auth.RequireCapability(caller, auth.CapabilityAdmin); err != nil {
		return err
	}
	if feeBps > MaxFeeBps {
		return core.Validationf("fee %d bps exceeds maximum %d bps", feeBps, MaxFeeBps)
	}
	p.mu.Lock()
	p.feeBps = feeBps
	p.mu.Unlock()
	p.dispatcher.Dispatch(events.FeeUpdated, map[string]uint32{"fee_bps": feeBps})
	return nil
}

// UpdateFeeCollector replaces the fee destination. Admin-gated.
func (p *Processor) UpdateFeeCollector(caller, collector core.Address) error {
	if err := p.auth.RequireCapability(caller, auth.CapabilityAdmin); err != nil {
		return err
	}
	if collector.IsZero() {
		return core.Validationf("zero fee collector")
	}
	p.mu.Lock()
	p.feeCollector = collector
	p.mu.Unlock()
	p.dispatcher.Dispatch(events.FeeCollectorUpdated, map[string]string{"fee_collector": collector.Hex()})
	return nil
}

func (p *Processor) validate(id string, payee core.Address, token string, amount *big.Int) error {
	if id == "" {
		return core.Validationf("empty payment id")
	}
	if payee.IsZero() {
		return core.Validationf("zero payee")
	}
	if amount == nil || amount.Sign() <= 0 {
		return core.Validationf("payment amount is not positive")
	}
	info, err := p.tokens.GetTokenInfo(token)
	if err != nil {
		return err
	}
	if !info.Enabled {
		return core.Validationf("token %q is disabled", token)
	}
	if info.MinTransfer != nil && amount.Cmp(info.MinTransfer) < 0 {
		return core.Validationf("amount %s is below the minimum transfer %s", amount, info.MinTransfer)
	}
	return nil
}

// stage inserts the record and its fingerprint; the two atomic inserts
// arbitrate concurrent duplicates so exactly one caller wins.
func (p *Processor) stage(record core.PaymentRecord, fingerprint core.Hash) error {
	if !p.payments.Insert(record.ID, record) {
		return core.StateConflictf("payment %q already exists", record.ID)
	}
	if !p.fingerprints.Insert(fingerprint.Hex(), struct{}{}) {
		p.payments.Delete(record.ID)
		return core.StateConflictf("payment fingerprint of %q already consumed", record.ID)
	}
	return nil
}

func (p *Processor) unstage(id string, fingerprint core.Hash) {
	p.payments.Delete(id)
	p.fingerprints.Delete(fingerprint.Hex())
}

func (p *Processor) feeFor(amount *big.Int) (*big.Int, core.Address) {
	p.mu.RLock()
	feeBps := p.feeBps
	collector := p.feeCollector
	p.mu.RUnlock()
	fee := new(big.Int).Mul(amount, big.NewInt(int64(feeBps)))
	return fee.Quo(fee, big.NewInt(feeDenominator)), collector
}
