// Package ledger keeps token balances and standing allowances and performs
// the value transfers the settlement engine orders. Every operation runs in
// a single critical section, so a multi-party settlement is observed either
// completely or not at all.
package ledger

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/Ernesto-tha-great/swish/pkg/core"
)

var transfersMetric = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Number of ledger transfers per token and result",
	},
	[]string{"token", "result"},
)

type balanceKey struct {
	token string
	owner core.Address
}

type allowanceKey struct {
	token   string
	owner   core.Address
	spender core.Address
}

// Credit is one leg of a settlement.
type Credit struct {
	To     core.Address
	Amount *big.Int
}

type Ledger struct {
	logger *zap.Logger

	mu         sync.Mutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

func New(logger *zap.Logger) *Ledger {
	return &Ledger{
		logger:     logger,
		balances:   map[balanceKey]*big.Int{},
		allowances: map[allowanceKey]*big.Int{},
	}
}

func (l *Ledger) BalanceOf(token string, owner core.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(balanceKey{token, owner}))
}

// Deposit credits an account from outside the engine. The upstream layer
// calls it when funds arrive from the external chain or payment rail.
func (l *Ledger) Deposit(token string, to core.Address, amount *big.Int) error {
	if to.IsZero() {
		return core.Validationf("deposit to zero address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return core.Validationf("deposit amount is not positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(balanceKey{token, to}, amount)
	return nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(token string, from, to core.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return core.Validationf("transfer amount is not positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(balanceKey{token, from}, amount); err != nil {
		transfersMetric.WithLabelValues(token, "failure").Inc()
		return err
	}
	l.credit(balanceKey{token, to}, amount)
	transfersMetric.WithLabelValues(token, "success").Inc()
	return nil
}

// Approve grants spender a standing allowance over owner's balance,
// replacing any previous allowance for the pair.
func (l *Ledger) Approve(token string, owner, spender core.Address, amount *big.Int) error {
	if spender.IsZero() {
		return core.Validationf("approve zero spender")
	}
	if amount == nil || amount.Sign() < 0 {
		return core.Validationf("negative allowance")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{token, owner, spender}] = new(big.Int).Set(amount)
	return nil
}

func (l *Ledger) Allowance(token string, owner, spender core.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.allowances[allowanceKey{token, owner, spender}]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// TransferFrom moves amount out of owner's balance on the authority of
// spender's allowance, decrementing the allowance on success.
func (l *Ledger) TransferFrom(token string, spender, owner, to core.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return core.Validationf("transfer amount is not positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := allowanceKey{token, owner, spender}
	allowance, ok := l.allowances[key]
	if !ok || allowance.Cmp(amount) < 0 {
		transfersMetric.WithLabelValues(token, "failure").Inc()
		return core.Transferf("allowance of %s for %s is below %s", owner.Hex(), spender.Hex(), amount)
	}
	if err := l.debit(balanceKey{token, owner}, amount); err != nil {
		transfersMetric.WithLabelValues(token, "failure").Inc()
		return err
	}
	allowance.Sub(allowance, amount)
	l.credit(balanceKey{token, to}, amount)
	transfersMetric.WithLabelValues(token, "success").Inc()
	return nil
}

// Settle debits the sum of all credits from a single source and then
// distributes each leg, all inside one critical section. Either every leg
// lands or the source keeps its full balance.
func (l *Ledger) Settle(token string, from core.Address, credits []Credit) error {
	total := new(big.Int)
	for _, c := range credits {
		if c.Amount == nil || c.Amount.Sign() < 0 {
			return core.Validationf("negative settlement leg")
		}
		total.Add(total, c.Amount)
	}
	if total.Sign() <= 0 {
		return core.Validationf("settlement total is not positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// phase one: pull the full total into custody
	if err := l.debit(balanceKey{token, from}, total); err != nil {
		transfersMetric.WithLabelValues(token, "failure").Inc()
		return err
	}
	// phase two: distribute
	for _, c := range credits {
		if c.Amount.Sign() == 0 {
			continue
		}
		l.credit(balanceKey{token, c.To}, c.Amount)
	}
	transfersMetric.WithLabelValues(token, "success").Inc()
	l.logger.Debug("settled",
		zap.String("token", token),
		zap.String("from", from.Hex()),
		zap.Int("credits", len(credits)),
		zap.String("total", total.String()))
	return nil
}

func (l *Ledger) balance(key balanceKey) *big.Int {
	if b, ok := l.balances[key]; ok {
		return b
	}
	return new(big.Int)
}

func (l *Ledger) credit(key balanceKey, amount *big.Int) {
	b, ok := l.balances[key]
	if !ok {
		b = new(big.Int)
		l.balances[key] = b
	}
	b.Add(b, amount)
}

func (l *Ledger) debit(key balanceKey, amount *big.Int) error {
	b, ok := l.balances[key]
	if !ok || b.Cmp(amount) < 0 {
		return core.Transferf("insufficient %s balance of %s", key.token, key.owner.Hex())
	}
	b.Sub(b, amount)
	return nil
}
