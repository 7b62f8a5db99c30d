package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	"github.com/smallbiznis/creditmeter/internal/ledger/repository"
	"github.com/smallbiznis/creditmeter/internal/testutil"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc   ledgerdomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func newFixture(t testing.TB, mutate ...func(*config.CreditPolicy)) fixture {
	t.Helper()
	db := testutil.NewDB(t, &ledgerdomain.CreditAccount{}, &ledgerdomain.Transaction{}, &usagedomain.UsageEvent{})
	clk := testutil.NewClock()
	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  testutil.NewNode(t),
		Clock:  clk,
		Policy: testutil.NewPolicy(mutate...),
		Repo:   repository.Provide(),
	})
	return fixture{svc: svc, db: db, clock: clk}
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func deductReq(account string, cost string) ledgerdomain.DeductRequest {
	return ledgerdomain.DeductRequest{
		AccountID: account,
		Service:   "video_call_minute",
		Quantity:  decimal.NewFromInt(1),
		UnitCost:  dec(cost),
		Cost:      dec(cost),
		Resource:  usagedomain.ResourceRef{ID: "call_1", Type: "call"},
	}
}

func transactionsOf(t *testing.T, db *gorm.DB, account string) []ledgerdomain.Transaction {
	t.Helper()
	var rows []ledgerdomain.Transaction
	require.NoError(t, db.Where("account_id = ?", account).Order("id ASC").Find(&rows).Error)
	return rows
}

func TestGetBalanceCreatesAccountWithFreeAllocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	balance, err := f.svc.GetBalance(ctx, "acct_new")
	require.NoError(t, err)
	assert.True(t, balance.FreeAvailable.Equal(dec("500")))
	assert.True(t, balance.PaidAvailable.IsZero())
	assert.Equal(t, testutil.Epoch.AddDate(0, 1, 0), balance.NextFreeRenewalAt.UTC())

	txs := transactionsOf(t, f.db, "acct_new")
	require.Len(t, txs, 1)
	assert.Equal(t, ledgerdomain.TransactionTypeFreeGrant, txs[0].Type)

	// Reads after creation do not write.
	_, err = f.svc.GetBalance(ctx, "acct_new")
	require.NoError(t, err)
	assert.Len(t, transactionsOf(t, f.db, "acct_new"), 1)

	_, err = f.svc.GetBalance(ctx, "  ")
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAccount)
}

func TestDeductFreeOnlyThenInsufficient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Deduct(ctx, deductReq("acct_1", "300"))
	require.NoError(t, err)
	assert.True(t, res.Balance.FreeAvailable.Equal(dec("200")))
	assert.True(t, res.Balance.PaidAvailable.IsZero())
	assert.True(t, res.FreeCost.Equal(dec("300")))
	assert.True(t, res.PaidCost.IsZero())
	require.Len(t, res.TransactionIDs, 1)

	txs := transactionsOf(t, f.db, "acct_1")
	require.Len(t, txs, 2)
	assert.Equal(t, ledgerdomain.TransactionTypeFreeUsage, txs[1].Type)
	assert.True(t, txs[1].Amount.Equal(dec("-300")))
	assert.True(t, txs[1].BalanceBefore.Equal(dec("500")))
	assert.True(t, txs[1].BalanceAfter.Equal(dec("200")))
	require.NotNil(t, txs[1].UsageEventID)
	assert.Equal(t, res.Event.ID, *txs[1].UsageEventID)

	_, err = f.svc.Deduct(ctx, deductReq("acct_1", "300"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)
	assert.True(t, ledgerdomain.IsUnaffordable(err))

	balance, err := f.svc.GetBalance(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, balance.FreeAvailable.Equal(dec("200")))
	assert.True(t, balance.PaidAvailable.IsZero())
	assert.Len(t, transactionsOf(t, f.db, "acct_1"), 2)

	var events int64
	require.NoError(t, f.db.Model(&usagedomain.UsageEvent{}).Where("account_id = ?", "acct_1").Count(&events).Error)
	assert.Equal(t, int64(1), events)
}

func TestDeductFreeBeforePaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Add(ctx, ledgerdomain.AddRequest{AccountID: "acct_2", Credits: dec("1000"), ExternalRef: "chk_fbp"})
	require.NoError(t, err)

	res, err := f.svc.Deduct(ctx, deductReq("acct_2", "120.5"))
	require.NoError(t, err)
	assert.True(t, res.Balance.PaidAvailable.Equal(dec("1000")))
	assert.True(t, res.Balance.FreeAvailable.Equal(dec("379.5")))

	res, err = f.svc.Deduct(ctx, deductReq("acct_2", "400"))
	require.NoError(t, err)
	assert.True(t, res.FreeCost.Equal(dec("379.5")))
	assert.True(t, res.PaidCost.Equal(dec("20.5")))
	assert.True(t, res.Balance.FreeAvailable.IsZero())
	assert.True(t, res.Balance.PaidAvailable.Equal(dec("979.5")))
	assert.True(t, res.Balance.TotalUsed.Equal(dec("20.5")))
	assert.True(t, res.Balance.TotalFreeUsed.Equal(dec("500")))
	assert.Len(t, res.TransactionIDs, 2)
}

func TestDeductZeroCostWritesEventOnly(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Deduct(context.Background(), deductReq("acct_zero", "0"))
	require.NoError(t, err)
	assert.Empty(t, res.TransactionIDs)
	assert.NotZero(t, res.Event.ID)
	assert.Len(t, transactionsOf(t, f.db, "acct_zero"), 1) // the initial grant only

	_, err = f.svc.Deduct(context.Background(), deductReq("acct_zero", "-1"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
}

func TestDeductIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := deductReq("acct_idem", "100")
	req.IdempotencyKey = "evt_1"
	first, err := f.svc.Deduct(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.AlreadyProcessed)

	second, err := f.svc.Deduct(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.True(t, second.Balance.FreeAvailable.Equal(dec("400")))
}

func TestDeductEmergencyDrivesPaidNegative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.DeductEmergency(ctx, deductReq("acct_em", "650"))
	require.NoError(t, err)
	assert.True(t, res.EmergencyApplied)
	assert.True(t, res.Shortfall.Equal(dec("150")))
	assert.True(t, res.Balance.FreeAvailable.IsZero())
	assert.True(t, res.Balance.PaidAvailable.Equal(dec("-150")))
	assert.True(t, res.Event.Emergency)

	txs := transactionsOf(t, f.db, "acct_em")
	require.Len(t, txs, 3)
	paid := txs[2]
	assert.Equal(t, ledgerdomain.TransactionTypeUsage, paid.Type)
	assert.Equal(t, true, paid.Metadata[ledgerdomain.MetadataEmergencyOverdraft])
	assert.Equal(t, "150", paid.Metadata[ledgerdomain.MetadataShortfall])

	// A plain deduct is refused while the paid bucket is negative.
	_, err = f.svc.Deduct(ctx, deductReq("acct_em", "1"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	// An affordable emergency deduct is an ordinary deduction.
	res, err = f.svc.DeductEmergency(ctx, deductReq("acct_other", "10"))
	require.NoError(t, err)
	assert.False(t, res.EmergencyApplied)
}

func TestDeductAfterRenewalRespectsOverdraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.DeductEmergency(ctx, deductReq("acct_od", "650"))
	require.NoError(t, err)

	f.clock.Set(testutil.Epoch.AddDate(0, 1, 2))
	balance, err := f.svc.GetBalance(ctx, "acct_od")
	require.NoError(t, err)
	require.True(t, balance.FreeAvailable.Equal(dec("500")))
	require.True(t, balance.Available.Equal(dec("350")), balance.Available.String())

	_, err = f.svc.Deduct(ctx, deductReq("acct_od", "400"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientCredits)

	after, err := f.svc.GetBalance(ctx, "acct_od")
	require.NoError(t, err)
	assert.True(t, after.FreeAvailable.Equal(dec("500")))
	assert.True(t, after.PaidAvailable.Equal(dec("-150")))

	res, err := f.svc.Deduct(ctx, deductReq("acct_od", "350"))
	require.NoError(t, err)
	assert.True(t, res.Balance.Available.IsZero(), res.Balance.Available.String())
	assert.True(t, res.Balance.PaidAvailable.Equal(dec("-150")))
}

func TestAddIsIdempotentOnExternalRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := ledgerdomain.AddRequest{AccountID: "acct_3", Credits: dec("1000"), ExternalRef: "chk_1", Description: "Credit pack"}
	first, err := f.svc.Add(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Accepted)
	assert.False(t, first.AlreadyProcessed)

	second, err := f.svc.Add(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, second.Balance.PaidAvailable.Equal(dec("1000")))
	assert.True(t, second.Balance.TotalPurchased.Equal(dec("1000")))

	_, err = f.svc.Add(ctx, ledgerdomain.AddRequest{AccountID: "acct_3", Credits: dec("10")})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidExternalRef)
	_, err = f.svc.Add(ctx, ledgerdomain.AddRequest{AccountID: "acct_3", Credits: dec("0"), ExternalRef: "chk_2"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
}

func TestAddConcurrentDuplicatesCreditOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make([]ledgerdomain.AddResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Add(ctx, ledgerdomain.AddRequest{AccountID: "acct_dup", Credits: dec("250"), ExternalRef: "chk_dup"})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i].Accepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)

	balance, err := f.svc.GetBalance(ctx, "acct_dup")
	require.NoError(t, err)
	assert.True(t, balance.PaidAvailable.Equal(dec("250")))
}

func TestRefundCreditsPaidBucket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Refund(ctx, ledgerdomain.AddRequest{AccountID: "acct_r", Credits: dec("40"), ExternalRef: "refund_call_9"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Balance.PaidAvailable.Equal(dec("40")))
	assert.True(t, res.Balance.TotalRefunded.Equal(dec("40")))
	assert.True(t, res.Balance.TotalPurchased.IsZero())
}

func TestFreeRenewalWalksForwardAfterDowntime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Deduct(ctx, deductReq("acct_ren", "450"))
	require.NoError(t, err)

	// Three and a half months of downtime.
	f.clock.Set(testutil.Epoch.AddDate(0, 3, 15))
	balance, err := f.svc.GetBalance(ctx, "acct_ren")
	require.NoError(t, err)
	assert.True(t, balance.FreeAvailable.Equal(dec("500")))
	assert.True(t, balance.TotalFreeGranted.Equal(dec("950")))
	assert.Equal(t, testutil.Epoch.AddDate(0, 4, 0), balance.NextFreeRenewalAt.UTC())

	txs := transactionsOf(t, f.db, "acct_ren")
	last := txs[len(txs)-1]
	assert.Equal(t, ledgerdomain.TransactionTypeFreeGrant, last.Type)
	assert.True(t, last.Amount.Equal(dec("450")))

	// Renewal is not repeated until the next instant.
	again, err := f.svc.EnsureFreeRenewal(ctx, "acct_ren")
	require.NoError(t, err)
	assert.True(t, again.TotalFreeGranted.Equal(dec("950")))
}

func TestConcurrentDeductsHaveNoLostUpdates(t *testing.T) {
	cases := []struct {
		name      string
		purchase  string
		workers   int
		wantOK    int
		wantTotal string
	}{
		{name: "exactly affordable", purchase: "200", workers: 20, wantOK: 20, wantTotal: "0"},
		{name: "over subscribed", purchase: "100", workers: 20, wantOK: 15, wantTotal: "0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, func(p *config.CreditPolicy) {
				p.FreeCredits.Allocation = 200
				p.Ledger.MaxRetries = 5
			})
			ctx := context.Background()
			_, err := f.svc.Add(ctx, ledgerdomain.AddRequest{AccountID: "acct_c", Credits: dec(tc.purchase), ExternalRef: "chk_c"})
			require.NoError(t, err)

			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				ok  int
				bad int
			)
			for i := 0; i < tc.workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.svc.Deduct(ctx, deductReq("acct_c", "20"))
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						ok++
						return
					}
					if ledgerdomain.IsUnaffordable(err) {
						bad++
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.workers-tc.wantOK, bad)

			balance, err := f.svc.GetBalance(ctx, "acct_c")
			require.NoError(t, err)
			assert.True(t, balance.Available.Equal(dec(tc.wantTotal)), "available=%s", balance.Available)
			assert.False(t, balance.PaidAvailable.IsNegative())
		})
	}
}

func TestListTransactionsPaginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Add(ctx, ledgerdomain.AddRequest{AccountID: "acct_p", Credits: dec("1"), ExternalRef: fmt.Sprintf("chk_p_%d", i)})
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	req := ledgerdomain.ListTransactionsRequest{AccountID: "acct_p", Type: ledgerdomain.TransactionTypePurchase}
	req.PageSize = 2
	page, err := f.svc.ListTransactions(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.True(t, page.PageInfo.HasMore)
	assert.Equal(t, "chk_p_4", *page.Transactions[0].ExternalRef)

	seen := len(page.Transactions)
	for page.PageInfo.HasMore {
		req.PageToken = page.PageInfo.NextPageToken
		page, err = f.svc.ListTransactions(ctx, req)
		require.NoError(t, err)
		seen += len(page.Transactions)
	}
	assert.Equal(t, 5, seen)

	req.PageToken = "not-a-token"
	_, err = f.svc.ListTransactions(ctx, req)
	assert.Error(t, err)
}

func TestReplayMatchesStoredBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Add(ctx, ledgerdomain.AddRequest{AccountID: "acct_rp", Credits: dec("75.25"), ExternalRef: "chk_rp"})
	require.NoError(t, err)
	_, err = f.svc.Deduct(ctx, deductReq("acct_rp", "520.125"))
	require.NoError(t, err)
	_, err = f.svc.Refund(ctx, ledgerdomain.AddRequest{AccountID: "acct_rp", Credits: dec("5"), ExternalRef: "rf_rp"})
	require.NoError(t, err)

	totals, err := f.svc.Replay(ctx, "acct_rp")
	require.NoError(t, err)
	balance, err := f.svc.GetBalance(ctx, "acct_rp")
	require.NoError(t, err)

	eps := dec("0.000001")
	assert.True(t, totals.PaidAvailable.Sub(balance.PaidAvailable).Abs().LessThanOrEqual(eps))
	assert.True(t, totals.FreeAvailable.Sub(balance.FreeAvailable).Abs().LessThanOrEqual(eps))
	assert.True(t, totals.TotalUsed.Sub(balance.TotalUsed).Abs().LessThanOrEqual(eps))
	assert.True(t, totals.TotalPurchased.Equal(dec("75.25")))
	assert.Equal(t, int64(5), totals.Count)
}
