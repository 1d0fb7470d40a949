package storage

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/models"
)

var suiteTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newEntry(id, accountID string, amount int64, typ credits.EntryType, source credits.Source, offset time.Duration, meta map[string]string) credits.Entry {
	return credits.Entry{
		ID:        id,
		AccountID: accountID,
		Amount:    big.NewInt(amount),
		Type:      typ,
		Source:    source,
		CreatedAt: suiteTime.Add(offset),
		Meta:      meta,
	}
}

// testLedgerStore exercises the credits.LedgerStore contract
func testLedgerStore(t *testing.T, store credits.LedgerStore) {
	ctx := context.Background()

	_, err := store.GetAccount(ctx, "acct-1")
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)

	require.NoError(t, store.CreateAccount(ctx, credits.Account{ID: "acct-1"}))
	require.NoError(t, store.CreateAccount(ctx, credits.Account{ID: "acct-2"}))
	assert.ErrorIs(t, store.CreateAccount(ctx, credits.Account{ID: "acct-1"}), credits.ErrAccountExists)

	account, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 0, account.CurrentBalance.Sign())

	// Appended out of order; the store must return FIFO order.
	require.NoError(t, store.Append(ctx,
		newEntry("01B", "acct-1", 50, credits.EntryPurchase, credits.SourceStripe, time.Minute, map[string]string{credits.MetaPaymentRef: "pi_1"}),
		newEntry("01A", "acct-1", 100, credits.EntryBonus, credits.SourceScheduler, 0, nil),
	))
	require.NoError(t, store.Append(ctx,
		newEntry("01C", "acct-1", -120, credits.EntrySpend, credits.SourceExecution, 2*time.Minute, map[string]string{credits.MetaConsumedSource: "mixed"}),
	))

	account, err = store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "30", account.CurrentBalance.String())

	entries, err := store.ListEntries(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "01A", entries[0].ID)
	assert.Equal(t, "01B", entries[1].ID)
	assert.Equal(t, "01C", entries[2].ID)
	assert.Equal(t, "-120", entries[2].Amount.String())
	assert.Equal(t, credits.EntrySpend, entries[2].Type)
	assert.Equal(t, "mixed", entries[2].Meta[credits.MetaConsumedSource])
	assert.Equal(t, "pi_1", entries[1].Meta[credits.MetaPaymentRef])
	assert.True(t, entries[0].CreatedAt.Equal(suiteTime))

	// Overdraft is rejected and nothing is written.
	err = store.Append(ctx, newEntry("01D", "acct-1", -31, credits.EntrySpend, credits.SourceExecution, 3*time.Minute, nil))
	assert.ErrorIs(t, err, credits.ErrInsufficientCredits)
	entries, err = store.ListEntries(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Entries spanning accounts move both balances together.
	require.NoError(t, store.Append(ctx,
		newEntry("01E", "acct-1", -10, credits.EntryTransferOut, credits.SourceUser, 4*time.Minute, nil),
		newEntry("01F", "acct-2", 10, credits.EntryTransferIn, credits.SourceUser, 4*time.Minute, map[string]string{credits.MetaOriginalSource: "purchased"}),
	))
	a1, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	a2, err := store.GetAccount(ctx, "acct-2")
	require.NoError(t, err)
	assert.Equal(t, "20", a1.CurrentBalance.String())
	assert.Equal(t, "10", a2.CurrentBalance.String())

	err = store.Append(ctx, newEntry("01G", "ghost", 5, credits.EntryBonus, credits.SourceScheduler, 0, nil))
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)

	_, err = store.ListEntries(ctx, "ghost")
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)

	// Balances beyond int64 survive the round trip.
	huge, _ := new(big.Int).SetString("98765432109876543210987654321", 10)
	require.NoError(t, store.Append(ctx, credits.Entry{
		ID: "01H", AccountID: "acct-2", Amount: huge, Type: credits.EntryPurchase,
		Source: credits.SourceStripe, CreatedAt: suiteTime.Add(time.Hour),
	}))
	a2, err = store.GetAccount(ctx, "acct-2")
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Add(huge, big.NewInt(10)).String(), a2.CurrentBalance.String())
}

// testRunStore exercises the RunStore contract
func testRunStore(t *testing.T, store RunStore) {
	ctx := context.Background()

	_, err := store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	run := models.RunStatus{
		ID:          "run-1",
		RoutineID:   "routine-abc",
		AccountID:   "acct-1",
		UserID:      "user-1",
		Status:      models.RunStatusRunning,
		StartTime:   suiteTime,
		CurrentStep: "step-1",
	}
	require.NoError(t, store.SaveRun(ctx, run))

	run.Status = models.RunStatusCompleted
	run.EndTime = suiteTime.Add(time.Second)
	run.Progress = 100
	run.Outputs = map[string]interface{}{"step-1": map[string]interface{}{"result": "Hello"}}
	run.CreditsUsed = "12"
	run.TokensUsed = 340
	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, "routine-abc", got.RoutineID)
	assert.Equal(t, "user-1", got.UserID)
	assert.True(t, got.StartTime.Equal(suiteTime))
	assert.True(t, got.EndTime.Equal(suiteTime.Add(time.Second)))
	assert.Equal(t, float64(100), got.Progress)
	assert.Equal(t, "12", got.CreditsUsed)
	assert.Equal(t, 340, got.TokensUsed)
	assert.Equal(t, "Hello", got.Outputs["step-1"].(map[string]interface{})["result"])

	older := models.RunStatus{ID: "run-0", RoutineID: "routine-abc", AccountID: "acct-1", Status: models.RunStatusFailed, StartTime: suiteTime.Add(-time.Hour)}
	other := models.RunStatus{ID: "run-x", RoutineID: "routine-abc", AccountID: "acct-2", Status: models.RunStatusRunning, StartTime: suiteTime}
	require.NoError(t, store.SaveRun(ctx, older))
	require.NoError(t, store.SaveRun(ctx, other))

	runs, err := store.ListRuns(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, "run-0", runs[1].ID)

	require.NoError(t, store.SaveRunLog(ctx, "run-1", models.RunLog{Timestamp: suiteTime, StepID: "step-1", Level: "info", Message: "started"}))
	require.NoError(t, store.SaveRunLog(ctx, "run-1", models.RunLog{Timestamp: suiteTime, StepID: "step-1", Level: "info", Message: "completed", Data: map[string]interface{}{"tokens": float64(12)}}))

	logs, err := store.GetRunLogs(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "started", logs[0].Message)
	assert.Equal(t, "completed", logs[1].Message)
	assert.Equal(t, float64(12), logs[1].Data["tokens"])

	logs, err = store.GetRunLogs(ctx, "run-0")
	require.NoError(t, err)
	assert.Empty(t, logs)
}
