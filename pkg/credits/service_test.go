package credits_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/storage"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newService(t *testing.T) *credits.Service {
	t.Helper()
	clock := &stepClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	return credits.NewService(storage.NewMemoryLedgerStore(), credits.WithServiceClock(clock.Now))
}

func TestService_SpendAnnotatesConsumedSource(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.CreateAccount(ctx, "acct")
	require.NoError(t, err)
	_, err = svc.GrantBonus(ctx, "acct", big.NewInt(100), credits.SourceScheduler)
	require.NoError(t, err)
	_, err = svc.Purchase(ctx, "acct", big.NewInt(50), "pi_123")
	require.NoError(t, err)

	e, err := svc.Spend(ctx, "acct", big.NewInt(60), map[string]string{credits.MetaRunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "free", e.Meta[credits.MetaConsumedSource])
	assert.Equal(t, "run-1", e.Meta[credits.MetaRunID])
	assert.Equal(t, "-60", e.Amount.String())

	e, err = svc.Spend(ctx, "acct", big.NewInt(60), nil)
	require.NoError(t, err)
	assert.Equal(t, "mixed", e.Meta[credits.MetaConsumedSource])

	e, err = svc.Spend(ctx, "acct", big.NewInt(10), nil)
	require.NoError(t, err)
	assert.Equal(t, "purchased", e.Meta[credits.MetaConsumedSource])

	b, err := svc.Balances(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "0", b.Free.String())
	assert.Equal(t, "20", b.Purchased.String())
	assert.Equal(t, "20", b.Total.String())

	_, err = svc.Spend(ctx, "acct", big.NewInt(21), nil)
	assert.ErrorIs(t, err, credits.ErrInsufficientCredits)
}

func TestService_TransferCarriesOrigin(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, svc.EnsureAccount(ctx, id))
	}
	_, err := svc.GrantBonus(ctx, "alice", big.NewInt(40), credits.SourceScheduler)
	require.NoError(t, err)
	_, err = svc.Purchase(ctx, "alice", big.NewInt(100), "")
	require.NoError(t, err)

	require.NoError(t, svc.Transfer(ctx, "alice", "bob", big.NewInt(30)))
	bob, err := svc.Balances(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "30", bob.Free.String())

	// alice has 10 free left, so 50 is not fully free.
	require.NoError(t, svc.Transfer(ctx, "alice", "carol", big.NewInt(50)))
	carol, err := svc.Balances(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "0", carol.Free.String())
	assert.Equal(t, "50", carol.Purchased.String())

	alice, err := svc.Balances(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "60", alice.Total.String())
	assert.Equal(t, "0", alice.Free.String())

	history, err := svc.History(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, credits.EntryTransferIn, history[0].Type)
	assert.Equal(t, "alice", history[0].Meta[credits.MetaCounterparty])

	assert.Error(t, svc.Transfer(ctx, "alice", "alice", big.NewInt(1)))
	assert.ErrorIs(t, svc.Transfer(ctx, "alice", "bob", big.NewInt(0)), credits.ErrInvalidAmount)
}

func TestService_InvalidAmounts(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	require.NoError(t, svc.EnsureAccount(ctx, "acct"))
	require.NoError(t, svc.EnsureAccount(ctx, "acct"))

	_, err := svc.GrantBonus(ctx, "acct", big.NewInt(-5), credits.SourceScheduler)
	assert.ErrorIs(t, err, credits.ErrInvalidAmount)
	_, err = svc.Purchase(ctx, "acct", nil, "")
	assert.ErrorIs(t, err, credits.ErrInvalidAmount)
	_, err = svc.Spend(ctx, "acct", big.NewInt(0), nil)
	assert.ErrorIs(t, err, credits.ErrInvalidAmount)

	_, err = svc.AvailableCredits(ctx, "nobody")
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)
}

func TestService_RolloverIsFree(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	require.NoError(t, svc.EnsureAccount(ctx, "acct"))

	_, err := svc.Rollover(ctx, "acct", big.NewInt(15))
	require.NoError(t, err)

	available, err := svc.AvailableCredits(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "15", available.String())
	assert.Equal(t, "15", svc.Accounting().CalculateFreeCreditsBalance(ctx, "acct").String())
}

func TestService_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	require.NoError(t, svc.EnsureAccount(ctx, "acct"))
	_, err := svc.Purchase(ctx, "acct", big.NewInt(10), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Spend(ctx, "acct", big.NewInt(1), nil); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	available, err := svc.AvailableCredits(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "0", available.String())
}
