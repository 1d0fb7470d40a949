package credits

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) GetAccount(ctx context.Context, accountID string) (Account, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(Account), args.Error(1)
}

func (m *mockLedger) ListEntries(ctx context.Context, accountID string) ([]Entry, error) {
	args := m.Called(ctx, accountID)
	entries, _ := args.Get(0).([]Entry)
	return entries, args.Error(1)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(id string, amount int64, typ EntryType, source Source, offset time.Duration) Entry {
	return Entry{
		ID:        id,
		AccountID: "acct",
		Amount:    big.NewInt(amount),
		Type:      typ,
		Source:    source,
		CreatedAt: t0.Add(offset),
	}
}

func TestCalculateFreeCreditsBalance_SpendConsumesFreeFirst(t *testing.T) {
	ledger := new(mockLedger)
	ledger.On("ListEntries", mock.Anything, "acct").Return([]Entry{
		entry("01", 100, EntryBonus, SourceScheduler, 0),
		entry("02", 50, EntryPurchase, SourceStripe, time.Minute),
		entry("03", -120, EntrySpend, SourceExecution, 2*time.Minute),
	}, nil)
	ledger.On("GetAccount", mock.Anything, "acct").Return(Account{ID: "acct", CurrentBalance: big.NewInt(30)}, nil)

	a := NewAccounting(ledger, nil)
	assert.Equal(t, int64(0), a.CalculateFreeCreditsBalance(context.Background(), "acct").Int64())

	b, err := a.GetCreditBalancesBySource(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Free.Int64())
	assert.Equal(t, int64(30), b.Purchased.Int64())
	assert.Equal(t, int64(30), b.Total.Int64())
	ledger.AssertExpectations(t)
}

func TestFreeCreditsRemaining_Classification(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		want    int64
	}{
		{
			name:    "bonus from scheduler is free",
			entries: []Entry{entry("1", 40, EntryBonus, SourceScheduler, 0)},
			want:    40,
		},
		{
			name:    "bonus from other source is purchased",
			entries: []Entry{entry("1", 40, EntryBonus, SourceSystem, 0)},
			want:    0,
		},
		{
			name:    "rollover is free regardless of source",
			entries: []Entry{entry("1", 25, EntryRollover, SourceUser, 0)},
			want:    25,
		},
		{
			name: "transfer in marked free",
			entries: []Entry{func() Entry {
				e := entry("1", 10, EntryTransferIn, SourceUser, 0)
				e.Meta = map[string]string{MetaOriginalSource: "free"}
				return e
			}()},
			want: 10,
		},
		{
			name: "transfer in without origin is purchased",
			entries: []Entry{
				entry("1", 10, EntryTransferIn, SourceUser, 0),
			},
			want: 0,
		},
		{
			name: "transfer in from purchased is purchased",
			entries: []Entry{func() Entry {
				e := entry("1", 10, EntryTransferIn, SourceUser, 0)
				e.Meta = map[string]string{MetaOriginalSource: "purchased"}
				return e
			}()},
			want: 0,
		},
		{
			name: "spend smaller than free",
			entries: []Entry{
				entry("1", 100, EntryBonus, SourceScheduler, 0),
				entry("2", -30, EntrySpend, SourceExecution, time.Second),
			},
			want: 70,
		},
		{
			name: "all debits count as spent",
			entries: []Entry{
				entry("1", 100, EntryBonus, SourceScheduler, 0),
				entry("2", -30, EntrySpend, SourceExecution, time.Second),
				entry("3", -20, EntryTransferOut, SourceUser, 2*time.Second),
			},
			want: 50,
		},
		{
			name:    "empty ledger",
			entries: nil,
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FreeCreditsRemaining(tt.entries).Int64())
		})
	}
}

func TestCalculateFreeCreditsBalance_ReadErrorIsZero(t *testing.T) {
	ledger := new(mockLedger)
	ledger.On("ListEntries", mock.Anything, "acct").Return(nil, errors.New("db down"))

	a := NewAccounting(ledger, nil)
	assert.Equal(t, 0, a.CalculateFreeCreditsBalance(context.Background(), "acct").Sign())
}

func TestGetCreditBalancesBySource_NotFound(t *testing.T) {
	ledger := new(mockLedger)
	ledger.On("GetAccount", mock.Anything, "missing").Return(Account{}, ErrAccountNotFound)

	_, err := NewAccounting(ledger, nil).GetCreditBalancesBySource(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	ledger.AssertNotCalled(t, "ListEntries", mock.Anything, mock.Anything)
}

func TestGetCreditBalancesBySource_FreeClampedToTotal(t *testing.T) {
	ledger := new(mockLedger)
	ledger.On("GetAccount", mock.Anything, "acct").Return(Account{ID: "acct", CurrentBalance: big.NewInt(20)}, nil)
	ledger.On("ListEntries", mock.Anything, "acct").Return([]Entry{
		entry("1", 100, EntryBonus, SourceScheduler, 0),
	}, nil)

	b, err := NewAccounting(ledger, nil).GetCreditBalancesBySource(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(20), b.Free.Int64())
	assert.Equal(t, int64(0), b.Purchased.Int64())
}

func TestGetCreditBalancesBySource_RandomLedgers(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	positives := []struct {
		typ    EntryType
		source Source
	}{
		{EntryBonus, SourceScheduler},
		{EntryBonus, SourceSystem},
		{EntryPurchase, SourceStripe},
		{EntryRollover, SourceScheduler},
		{EntryTransferIn, SourceUser},
		{EntryRefund, SourceSystem},
	}

	for i := 0; i < 200; i++ {
		var entries []Entry
		balance := int64(0)
		n := rng.Intn(20)
		for j := 0; j < n; j++ {
			id := NewEntryID()
			at := time.Duration(rng.Intn(5)) * time.Second
			if balance > 0 && rng.Intn(3) == 0 {
				amt := rng.Int63n(balance) + 1
				entries = append(entries, entry(id, -amt, EntrySpend, SourceExecution, at))
				balance -= amt
				continue
			}
			p := positives[rng.Intn(len(positives))]
			e := entry(id, rng.Int63n(500)+1, p.typ, p.source, at)
			if p.typ == EntryTransferIn && rng.Intn(2) == 0 {
				e.Meta = map[string]string{MetaOriginalSource: "free"}
			}
			entries = append(entries, e)
			balance += e.Amount.Int64()
		}

		ledger := new(mockLedger)
		ledger.On("GetAccount", mock.Anything, "acct").Return(Account{ID: "acct", CurrentBalance: big.NewInt(balance)}, nil)
		ledger.On("ListEntries", mock.Anything, "acct").Return(entries, nil)

		b, err := NewAccounting(ledger, nil).GetCreditBalancesBySource(context.Background(), "acct")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, b.Free.Sign(), 0)
		assert.GreaterOrEqual(t, b.Purchased.Sign(), 0)
		assert.Zero(t, new(big.Int).Add(b.Free, b.Purchased).Cmp(b.Total), "free+purchased must equal total")
	}
}

func TestGetConsumedCreditSource(t *testing.T) {
	assert.Equal(t, ConsumedFree, GetConsumedCreditSource(big.NewInt(30), big.NewInt(30)))
	assert.Equal(t, ConsumedPurchased, GetConsumedCreditSource(big.NewInt(0), big.NewInt(10)))
	assert.Equal(t, ConsumedMixed, GetConsumedCreditSource(big.NewInt(10), big.NewInt(20)))
	assert.Equal(t, ConsumedFree, GetConsumedCreditSource(big.NewInt(50), big.NewInt(1)))
}

func TestSortEntries_TiesBrokenByID(t *testing.T) {
	entries := []Entry{
		entry("b", 1, EntryBonus, SourceScheduler, 0),
		entry("c", 1, EntryBonus, SourceScheduler, -time.Second),
		entry("a", 1, EntryBonus, SourceScheduler, 0),
	}
	SortEntries(entries)
	ids := []string{entries[0].ID, entries[1].ID, entries[2].ID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestHugeAmounts(t *testing.T) {
	huge, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)
	e := Entry{ID: "1", Amount: huge, Type: EntryRollover, CreatedAt: t0}
	assert.Equal(t, huge.String(), FreeCreditsRemaining([]Entry{e}).String())
}
