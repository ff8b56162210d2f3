package scheduler

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ernesto-tha-great/swish/pkg/auth"
	"github.com/Ernesto-tha-great/swish/pkg/core"
	"github.com/Ernesto-tha-great/swish/pkg/events"
	"github.com/Ernesto-tha-great/swish/pkg/ledger"
	"github.com/Ernesto-tha-great/swish/pkg/processor"
	"github.com/Ernesto-tha-great/swish/pkg/registry"
)

var (
	admin      = core.MustParseAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	payer      = core.MustParseAddress("0x1111111111111111111111111111111111111111")
	payee      = core.MustParseAddress("0x2222222222222222222222222222222222222222")
	collector  = core.MustParseAddress("0x9999999999999999999999999999999999999999")
	schedAddr  = core.MustParseAddress("0x5555555555555555555555555555555555555555")
	asset      = core.MustParseAddress("0x1234123412341234123412341234123412341234")
	anyTrigger = core.MustParseAddress("0x7777777777777777777777777777777777777777")
)

type fixture struct {
	clock     time.Time
	ledger    *ledger.Ledger
	scheduler *Scheduler
	processor *processor.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	authorizer := auth.NewAuthorizer(logger, admin)
	dispatcher := events.NewDispatcher(logger)
	book := ledger.New(logger)
	reg := registry.New(logger, authorizer, dispatcher)
	_, err := reg.AddToken(admin, "USDC", asset, 6, big.NewInt(0))
	require.NoError(t, err)

	proc, err := processor.New(logger, authorizer, book, reg, dispatcher, 0, collector)
	require.NoError(t, err)
	require.NoError(t, authorizer.Grant(admin, schedAddr, auth.CapabilityPaymentManager))

	f := &fixture{clock: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), ledger: book, processor: proc}
	f.scheduler = New(logger, authorizer, book, proc, dispatcher, schedAddr, WithClock(func() time.Time {
		return f.clock
	}))
	return f
}

// fundAndApprove gives the payer a balance and the scheduler a standing
// allowance over it.
func (f *fixture) fundAndApprove(t *testing.T, balance, allowance int64) {
	t.Helper()
	require.NoError(t, f.ledger.Deposit("USDC", payer, big.NewInt(balance)))
	require.NoError(t, f.ledger.Approve("USDC", payer, schedAddr, big.NewInt(allowance)))
}

func (f *fixture) create(t *testing.T, id string, amount int64, frequency time.Duration) core.RecurringSubscription {
	t.Helper()
	sub, err := f.scheduler.CreateRecurringPayment(context.Background(), payer, id, payee, "USDC",
		big.NewInt(amount), frequency, f.clock.Add(time.Hour), "payroll-2024-06")
	require.NoError(t, err)
	return sub
}

func TestCreateRecurringPayment_Validation(t *testing.T) {
	f := newFixture(t)
	due := f.clock.Add(time.Hour)
	tests := []struct {
		name      string
		id        string
		payee     core.Address
		amount    *big.Int
		frequency time.Duration
		firstDue  time.Time
		wantKind  error
	}{
		{"empty id", "", payee, big.NewInt(1), time.Hour, due, core.ErrValidation},
		{"zero payee", "s1", core.ZeroAddress, big.NewInt(1), time.Hour, due, core.ErrValidation},
		{"zero amount", "s1", payee, big.NewInt(0), time.Hour, due, core.ErrValidation},
		{"zero frequency", "s1", payee, big.NewInt(1), 0, due, core.ErrValidation},
		{"due in the past", "s1", payee, big.NewInt(1), time.Hour, f.clock.Add(-time.Minute), core.ErrValidation},
		{"due exactly now", "s1", payee, big.NewInt(1), time.Hour, f.clock, core.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.scheduler.CreateRecurringPayment(context.Background(), payer, tt.id, tt.payee, "USDC",
				tt.amount, tt.frequency, tt.firstDue, "")
			require.True(t, errors.Is(err, tt.wantKind))
		})
	}

	f.create(t, "s1", 100, time.Hour)
	_, err := f.scheduler.CreateRecurringPayment(context.Background(), payer, "s1", payee, "USDC",
		big.NewInt(1), time.Hour, due, "")
	require.True(t, errors.Is(err, core.ErrStateConflict))
}

func TestExecuteRecurringPayment(t *testing.T) {
	f := newFixture(t)
	f.fundAndApprove(t, 1000, 1000)
	sub := f.create(t, "s1", 100, 24*time.Hour)

	// not due yet
	require.False(t, f.scheduler.IsPaymentDue("s1"))
	_, err := f.scheduler.ExecuteRecurringPayment(context.Background(), anyTrigger, "s1")
	require.True(t, errors.Is(err, core.ErrStateConflict))

	// trigger late: two hours past due
	f.clock = sub.NextDueAt.Add(2 * time.Hour)
	require.True(t, f.scheduler.IsPaymentDue("s1"))
	record, err := f.scheduler.ExecuteRecurringPayment(context.Background(), anyTrigger, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, record.ID)
	require.Equal(t, schedAddr, record.Payer)
	require.Equal(t, int64(100), f.ledger.BalanceOf("USDC", payee).Int64())
	require.Equal(t, int64(900), f.ledger.BalanceOf("USDC", payer).Int64())

	// cadence advances from the previous due date, not the execution time
	details, err := f.scheduler.GetRecurringPaymentDetails("s1")
	require.NoError(t, err)
	require.Equal(t, sub.NextDueAt.Add(24*time.Hour), details.NextDueAt)
}

func TestExecuteRecurringPayment_UnknownSubscription(t *testing.T) {
	f := newFixture(t)
	_, err := f.scheduler.ExecuteRecurringPayment(context.Background(), anyTrigger, "nope")
	require.True(t, errors.Is(err, core.ErrStateConflict))
}

func TestExecuteRecurringPayment_AllowanceExhausted(t *testing.T) {
	f := newFixture(t)
	f.fundAndApprove(t, 1000, 50)
	sub := f.create(t, "s1", 100, time.Hour)

	f.clock = sub.NextDueAt
	_, err := f.scheduler.ExecuteRecurringPayment(context.Background(), anyTrigger, "s1")
	require.True(t, errors.Is(err, core.ErrTransfer))

	// nothing moved and the schedule did not advance
	require.Equal(t, int64(1000), f.ledger.BalanceOf("USDC", payer).Int64())
	details, err := f.scheduler.GetRecurringPaymentDetails("s1")
	require.NoError(t, err)
	require.Equal(t, sub.NextDueAt, details.NextDueAt)

	// approving again makes the same cycle executable
	require.NoError(t, f.ledger.Approve("USDC", payer, schedAddr, big.NewInt(100)))
	_, err = f.scheduler.ExecuteRecurringPayment(context.Background(), anyTrigger, "s1")
	require.NoError(t, err)
}

func TestExecuteRecurringPayment_SeriesReference(t *testing.T) {
	f := newFixture(t)
	f.fundAndApprove(t, 1000, 1000)
	sub := f.create(t, "s1", 100, time.Hour)

	f.clock = sub.NextDueAt
	first, err := f.scheduler.ExecuteRecurringPayment(context.Background(), anyTrigger, "s1")
	require.NoError(t, err)
	f.clock = f.clock.Add(time.Hour)
	second, err := f.scheduler.ExecuteRecurringPayment(context.Background(), anyTrigger, "s1")
	require.NoError(t, err)

	// distinct payment ids, same series fingerprint
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, first.Reference, second.Reference)
}

func TestCancelRecurringPayment(t *testing.T) {
	f := newFixture(t)
	f.fundAndApprove(t, 1000, 1000)
	sub := f.create(t, "s1", 100, time.Hour)

	// a stranger cannot cancel
	err := f.scheduler.CancelRecurringPayment(context.Background(), anyTrigger, "s1")
	require.True(t, errors.Is(err, core.ErrAuthorization))

	require.NoError(t, f.scheduler.CancelRecurringPayment(context.Background(), payer, "s1"))
	err = f.scheduler.CancelRecurringPayment(context.Background(), payer, "s1")
	require.True(t, errors.Is(err, core.ErrStateConflict))

	// cancelled series never execute, even when due
	f.clock = sub.NextDueAt.Add(time.Hour)
	require.False(t, f.scheduler.IsPaymentDue("s1"))
	_, err = f.scheduler.ExecuteRecurringPayment(context.Background(), anyTrigger, "s1")
	require.True(t, errors.Is(err, core.ErrStateConflict))
}

func TestCancelRecurringPayment_ByPaymentManager(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", 100, time.Hour)
	// the scheduler's own service account holds payment-manager
	require.NoError(t, f.scheduler.CancelRecurringPayment(context.Background(), schedAddr, "s1"))
}

func TestUpdateRecurringPayment(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", 100, time.Hour)

	updated, err := f.scheduler.UpdateRecurringPayment(context.Background(), payer, "s1", big.NewInt(250), 2*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(250), updated.Amount.Int64())
	require.Equal(t, 2*time.Hour, updated.Frequency)

	_, err = f.scheduler.UpdateRecurringPayment(context.Background(), payer, "s1", big.NewInt(0), time.Hour)
	require.True(t, errors.Is(err, core.ErrValidation))
	_, err = f.scheduler.UpdateRecurringPayment(context.Background(), anyTrigger, "s1", big.NewInt(1), time.Hour)
	require.True(t, errors.Is(err, core.ErrAuthorization))

	require.NoError(t, f.scheduler.CancelRecurringPayment(context.Background(), payer, "s1"))
	_, err = f.scheduler.UpdateRecurringPayment(context.Background(), payer, "s1", big.NewInt(1), time.Hour)
	require.True(t, errors.Is(err, core.ErrStateConflict))
}

func TestSubscriptionListings(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s1", 100, time.Hour)
	f.create(t, "s2", 200, time.Hour)

	created := f.scheduler.SubscriptionsByPayer(payer)
	require.Len(t, created, 2)
	require.Equal(t, "s1", created[0].ID)
	require.Equal(t, "s2", created[1].ID)

	received := f.scheduler.SubscriptionsByPayee(payee)
	require.Len(t, received, 2)
	require.Empty(t, f.scheduler.SubscriptionsByPayer(anyTrigger))
}

func TestIsPaymentDue_Absent(t *testing.T) {
	f := newFixture(t)
	require.False(t, f.scheduler.IsPaymentDue("missing"))
}
