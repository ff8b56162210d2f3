package processor

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ernesto-tha-great/swish/pkg/auth"
	"github.com/Ernesto-tha-great/swish/pkg/core"
	"github.com/Ernesto-tha-great/swish/pkg/events"
	"github.com/Ernesto-tha-great/swish/pkg/ledger"
	"github.com/Ernesto-tha-great/swish/pkg/registry"
)

var (
	admin     = core.MustParseAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	manager   = core.MustParseAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	payer     = core.MustParseAddress("0x1111111111111111111111111111111111111111")
	payee     = core.MustParseAddress("0x2222222222222222222222222222222222222222")
	collector = core.MustParseAddress("0x9999999999999999999999999999999999999999")
	asset     = core.MustParseAddress("0x1234123412341234123412341234123412341234")
)

type fixture struct {
	authorizer *auth.Authorizer
	ledger     *ledger.Ledger
	registry   *registry.Registry
	processor  *Processor
	dispatcher *events.Dispatcher
}

func newFixture(t *testing.T, feeBps uint32) *fixture {
	t.Helper()
	logger := zap.NewNop()
	authorizer := auth.NewAuthorizer(logger, admin)
	require.NoError(t, authorizer.Grant(admin, manager, auth.CapabilityPaymentManager))
	dispatcher := events.NewDispatcher(logger)
	book := ledger.New(logger)
	reg := registry.New(logger, authorizer, dispatcher)
	_, err := reg.AddToken(admin, "USDC", asset, 6, big.NewInt(0))
	require.NoError(t, err)

	p, err := New(logger, authorizer, book, reg, dispatcher, feeBps, collector)
	require.NoError(t, err)
	return &fixture{
		authorizer: authorizer,
		ledger:     book,
		registry:   reg,
		processor:  p,
		dispatcher: dispatcher,
	}
}

func (f *fixture) fund(t *testing.T, owner core.Address, amount int64) {
	t.Helper()
	require.NoError(t, f.ledger.Deposit("USDC", owner, big.NewInt(amount)))
}

func TestProcessPayment_FeeSplit(t *testing.T) {
	f := newFixture(t, 250)
	f.fund(t, manager, 100_000000)

	record, err := f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
		ID:     "p1",
		Payee:  payee,
		Token:  "USDC",
		Amount: big.NewInt(100_000000),
	})
	require.NoError(t, err)
	require.Equal(t, int64(2_500000), record.Fee.Int64())
	require.Equal(t, int64(97_500000), f.ledger.BalanceOf("USDC", payee).Int64())
	require.Equal(t, int64(2_500000), f.ledger.BalanceOf("USDC", collector).Int64())
	require.Equal(t, int64(0), f.ledger.BalanceOf("USDC", manager).Int64())

	// payee amount and fee always reassemble the gross amount
	sum := new(big.Int).Add(f.ledger.BalanceOf("USDC", payee), record.Fee)
	require.Equal(t, record.Amount, sum)
}

func TestProcessPayment_ZeroFee(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, manager, 50)

	record, err := f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(50),
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), record.Fee.Int64())
	require.Equal(t, int64(50), f.ledger.BalanceOf("USDC", payee).Int64())
	require.Equal(t, int64(0), f.ledger.BalanceOf("USDC", collector).Int64())
}

func TestProcessPayment_DuplicateID(t *testing.T) {
	f := newFixture(t, 250)
	f.fund(t, manager, 1000)

	first, err := f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(100),
	})
	require.NoError(t, err)

	// identical replay
	_, err = f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(100),
	})
	require.True(t, errors.Is(err, core.ErrStateConflict))

	// same id with different parameters is rejected the same way
	_, err = f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(999),
	})
	require.True(t, errors.Is(err, core.ErrStateConflict))

	ok, record := f.processor.VerifyPayment("p1")
	require.True(t, ok)
	require.Equal(t, first.Amount, record.Amount)
}

func TestProcessPayment_SignatureAuthorization(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, payer, 100)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := core.AddressOfPublicKey(pub)
	require.NoError(t, f.authorizer.Grant(admin, signer, auth.CapabilityPaymentManager))

	amount := big.NewInt(100)
	reference := core.HashOfBytes([]byte("invoice-7"))
	sig := auth.SignPayment(priv, "p1", payee, "USDC", amount, reference)

	// the payer itself holds no capability; the co-signature authorizes it
	record, err := f.processor.ProcessPayment(context.Background(), payer, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: amount, Reference: reference, Signature: &sig,
	})
	require.NoError(t, err)
	require.Equal(t, payer, record.Payer)
	require.Equal(t, int64(100), f.ledger.BalanceOf("USDC", payee).Int64())
}

func TestProcessPayment_SignatureOverDifferentParameters(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, payer, 1000)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, f.authorizer.Grant(admin, core.AddressOfPublicKey(pub), auth.CapabilityPaymentManager))

	sig := auth.SignPayment(priv, "p1", payee, "USDC", big.NewInt(100), core.ZeroHash)

	// amount tampered after signing
	_, err = f.processor.ProcessPayment(context.Background(), payer, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(900), Signature: &sig,
	})
	require.True(t, errors.Is(err, core.ErrAuthorization))
	ok, _ := f.processor.VerifyPayment("p1")
	require.False(t, ok)
}

func TestProcessPayment_NoAuthorization(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, payer, 100)

	_, err := f.processor.ProcessPayment(context.Background(), payer, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(100),
	})
	require.True(t, errors.Is(err, core.ErrAuthorization))
}

func TestProcessPayment_Validation(t *testing.T) {
	f := newFixture(t, 250)
	tests := []struct {
		name string
		req  PaymentRequest
	}{
		{name: "empty id", req: PaymentRequest{Payee: payee, Token: "USDC", Amount: big.NewInt(1)}},
		{name: "zero payee", req: PaymentRequest{ID: "p1", Token: "USDC", Amount: big.NewInt(1)}},
		{name: "zero amount", req: PaymentRequest{ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(0)}},
		{name: "nil amount", req: PaymentRequest{ID: "p1", Payee: payee, Token: "USDC"}},
		{name: "unknown token", req: PaymentRequest{ID: "p1", Payee: payee, Token: "DOGE", Amount: big.NewInt(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.processor.ProcessPayment(context.Background(), manager, tt.req)
			require.True(t, errors.Is(err, core.ErrValidation))
		})
	}
}

func TestProcessPayment_DisabledTokenAndMinTransfer(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, manager, 1000)

	_, err := f.registry.UpdateToken(admin, "USDC", true, big.NewInt(100))
	require.NoError(t, err)
	_, err = f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(99),
	})
	require.True(t, errors.Is(err, core.ErrValidation))

	_, err = f.registry.UpdateToken(admin, "USDC", false, big.NewInt(0))
	require.NoError(t, err)
	_, err = f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(500),
	})
	require.True(t, errors.Is(err, core.ErrValidation))
}

func TestProcessPayment_TransferFailureRollsBack(t *testing.T) {
	f := newFixture(t, 250)
	f.fund(t, manager, 10)

	_, err := f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(100),
	})
	require.True(t, errors.Is(err, core.ErrTransfer))

	// the staged record and fingerprint must be gone: the same id settles
	// fine once the payer is funded
	f.fund(t, manager, 90)
	_, err = f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(100),
	})
	require.NoError(t, err)
}

func TestProcessPayment_ConcurrentSameID(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, manager, 1_000_000)

	var successes, conflicts int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
				ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(100),
			})
			switch {
			case err == nil:
				atomic.AddInt64(&successes, 1)
			case errors.Is(err, core.ErrStateConflict):
				atomic.AddInt64(&conflicts, 1)
			default:
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), successes)
	require.Equal(t, int64(31), conflicts)
	require.Equal(t, int64(100), f.ledger.BalanceOf("USDC", payee).Int64())
}

func TestProcessBatchPayment(t *testing.T) {
	f := newFixture(t, 250)
	f.fund(t, manager, 300)

	other := core.MustParseAddress("0x3333333333333333333333333333333333333333")
	records, err := f.processor.ProcessBatchPayment(context.Background(), manager,
		[]string{"b1", "b2"},
		[]core.Address{payee, other},
		"USDC",
		[]*big.Int{big.NewInt(100), big.NewInt(200)},
		[]core.Hash{core.ZeroHash, core.ZeroHash},
	)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// 2.5% of 100 truncates to 2, of 200 to 5
	require.Equal(t, int64(98), f.ledger.BalanceOf("USDC", payee).Int64())
	require.Equal(t, int64(195), f.ledger.BalanceOf("USDC", other).Int64())
	require.Equal(t, int64(7), f.ledger.BalanceOf("USDC", collector).Int64())
	require.Equal(t, int64(0), f.ledger.BalanceOf("USDC", manager).Int64())
}

func TestProcessBatchPayment_AllOrNothing(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, manager, 1000)

	// second item has a zero payee: nothing settles
	_, err := f.processor.ProcessBatchPayment(context.Background(), manager,
		[]string{"b1", "b2"},
		[]core.Address{payee, core.ZeroAddress},
		"USDC",
		[]*big.Int{big.NewInt(100), big.NewInt(200)},
		[]core.Hash{core.ZeroHash, core.ZeroHash},
	)
	require.True(t, errors.Is(err, core.ErrValidation))
	require.Equal(t, int64(1000), f.ledger.BalanceOf("USDC", manager).Int64())
	require.Equal(t, int64(0), f.ledger.BalanceOf("USDC", payee).Int64())
	for _, id := range []string{"b1", "b2"} {
		ok, _ := f.processor.VerifyPayment(id)
		require.False(t, ok)
	}

	// a duplicate of an already settled id also fails the whole batch
	_, err = f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
		ID: "b1", Payee: payee, Token: "USDC", Amount: big.NewInt(10),
	})
	require.NoError(t, err)
	_, err = f.processor.ProcessBatchPayment(context.Background(), manager,
		[]string{"b2", "b1"},
		[]core.Address{payee, payee},
		"USDC",
		[]*big.Int{big.NewInt(100), big.NewInt(10)},
		[]core.Hash{core.ZeroHash, core.ZeroHash},
	)
	require.True(t, errors.Is(err, core.ErrStateConflict))
	ok, _ := f.processor.VerifyPayment("b2")
	require.False(t, ok)
}

func TestProcessBatchPayment_InsufficientBalance(t *testing.T) {
	f := newFixture(t, 0)
	f.fund(t, manager, 150)

	_, err := f.processor.ProcessBatchPayment(context.Background(), manager,
		[]string{"b1", "b2"},
		[]core.Address{payee, payee},
		"USDC",
		[]*big.Int{big.NewInt(100), big.NewInt(100)},
		[]core.Hash{core.ZeroHash, core.ZeroHash},
	)
	require.True(t, errors.Is(err, core.ErrTransfer))
	require.Equal(t, int64(150), f.ledger.BalanceOf("USDC", manager).Int64())
	require.Equal(t, int64(0), f.ledger.BalanceOf("USDC", payee).Int64())
}

func TestProcessBatchPayment_MismatchedLengths(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.processor.ProcessBatchPayment(context.Background(), manager,
		[]string{"b1", "b2"},
		[]core.Address{payee},
		"USDC",
		[]*big.Int{big.NewInt(100)},
		[]core.Hash{core.ZeroHash},
	)
	require.True(t, errors.Is(err, core.ErrValidation))
}

func TestProcessBatchPayment_RequiresManager(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.processor.ProcessBatchPayment(context.Background(), payer,
		[]string{"b1"}, []core.Address{payee}, "USDC",
		[]*big.Int{big.NewInt(1)}, []core.Hash{core.ZeroHash})
	require.True(t, errors.Is(err, core.ErrAuthorization))
}

func TestUpdatePlatformFee(t *testing.T) {
	f := newFixture(t, 250)

	require.NoError(t, f.processor.UpdatePlatformFee(admin, 100))
	require.True(t, errors.Is(f.processor.UpdatePlatformFee(admin, MaxFeeBps+1), core.ErrValidation))
	require.True(t, errors.Is(f.processor.UpdatePlatformFee(manager, 100), core.ErrAuthorization))

	f.fund(t, manager, 10000)
	record, err := f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(10000),
	})
	require.NoError(t, err)
	require.Equal(t, int64(100), record.Fee.Int64())
}

func TestUpdateFeeCollector(t *testing.T) {
	f := newFixture(t, 250)
	next := core.MustParseAddress("0x4444444444444444444444444444444444444444")

	require.True(t, errors.Is(f.processor.UpdateFeeCollector(admin, core.ZeroAddress), core.ErrValidation))
	require.NoError(t, f.processor.UpdateFeeCollector(admin, next))

	f.fund(t, manager, 10000)
	_, err := f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
		ID: "p1", Payee: payee, Token: "USDC", Amount: big.NewInt(10000),
	})
	require.NoError(t, err)
	require.Equal(t, int64(250), f.ledger.BalanceOf("USDC", next).Int64())
}

func TestProcessor_NewValidation(t *testing.T) {
	logger := zap.NewNop()
	authorizer := auth.NewAuthorizer(logger, admin)
	dispatcher := events.NewDispatcher(logger)
	book := ledger.New(logger)
	reg := registry.New(logger, authorizer, dispatcher)

	_, err := New(logger, authorizer, book, reg, dispatcher, MaxFeeBps+1, collector)
	require.True(t, errors.Is(err, core.ErrValidation))
	_, err = New(logger, authorizer, book, reg, dispatcher, 100, core.ZeroAddress)
	require.True(t, errors.Is(err, core.ErrValidation))
}

func TestProcessPayment_EmitsAuditEvent(t *testing.T) {
	f := newFixture(t, 250)
	f.fund(t, manager, 1000)

	var envelopes [][]byte
	f.dispatcher.RegisterSubscriber(func(eventData []byte) {
		envelopes = append(envelopes, eventData)
	}, events.SubscribeOptions{Names: []events.Name{events.PaymentCompleted}})

	for i := 0; i < 3; i++ {
		_, err := f.processor.ProcessPayment(context.Background(), manager, PaymentRequest{
			ID: fmt.Sprintf("p%d", i), Payee: payee, Token: "USDC", Amount: big.NewInt(100),
		})
		require.NoError(t, err)
	}
	require.Len(t, envelopes, 3)
}
