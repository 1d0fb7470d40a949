package credits

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingGranter struct {
	mu      sync.Mutex
	grants  map[string]int64
	failFor string
}

func (g *recordingGranter) GrantBonus(_ context.Context, accountID string, amount *big.Int, source Source) (Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if accountID == g.failFor {
		return Entry{}, errors.New("store unavailable")
	}
	if source != SourceScheduler {
		return Entry{}, errors.New("unexpected source")
	}
	if g.grants == nil {
		g.grants = make(map[string]int64)
	}
	g.grants[accountID] += amount.Int64()
	return Entry{AccountID: accountID, Amount: amount, Type: EntryBonus, Source: source}, nil
}

func (g *recordingGranter) total(accountID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grants[accountID]
}

func TestBonusScheduler_RunOnce(t *testing.T) {
	g := &recordingGranter{failFor: "broken"}
	s, err := NewBonusScheduler(g, "@daily", big.NewInt(25), nil)
	require.NoError(t, err)

	s.AddAccount("a")
	s.AddAccount("b")
	s.AddAccount("broken")
	assert.Equal(t, 2, s.RunOnce(context.Background()))

	s.RemoveAccount("b")
	assert.Equal(t, 1, s.RunOnce(context.Background()))

	assert.Equal(t, int64(50), g.total("a"))
	assert.Equal(t, int64(25), g.total("b"))
}

func TestBonusScheduler_Start(t *testing.T) {
	g := &recordingGranter{}
	s, err := NewBonusScheduler(g, "* * * * * *", big.NewInt(1), nil)
	require.NoError(t, err)
	s.AddAccount("a")

	require.NoError(t, s.Start())
	assert.Eventually(t, func() bool { return g.total("a") >= 1 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
}

func TestNewBonusScheduler_Validation(t *testing.T) {
	_, err := NewBonusScheduler(&recordingGranter{}, "not a schedule", big.NewInt(1), nil)
	assert.Error(t, err)

	_, err = NewBonusScheduler(&recordingGranter{}, "@hourly", big.NewInt(0), nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
