package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runLedgerContract exercises the behaviour every Ledger backend shares. Users
// and refs are unique per run so backends with shared storage stay isolated.
func runLedgerContract(t *testing.T, l Ledger) {
	ctx := context.Background()
	run := uuid.NewString()[:8]
	user := func(name string) string { return name + "-" + run }
	ref := func(name string) string { return run + ":" + name }

	t.Run("DebitCredit", func(t *testing.T) {
		alice := user("alice")

		bal, err := l.Credit(ctx, alice, "COIN", decimal.NewFromInt(100), ref("deposit:1"))
		require.NoError(t, err)
		assert.Equal(t, "100.00", bal.StringFixed(2))

		bal, err = l.Debit(ctx, alice, "COIN", decimal.RequireFromString("30.25"), ref("bet:1:stake"))
		require.NoError(t, err)
		assert.Equal(t, "69.75", bal.StringFixed(2))

		_, err = l.Debit(ctx, alice, "COIN", decimal.NewFromInt(70), ref("bet:2:stake"))
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		_, err = l.Credit(ctx, alice, "COIN", decimal.NewFromInt(5), ref("deposit:1"))
		assert.ErrorIs(t, err, ErrDuplicateReference)

		_, err = l.Debit(ctx, alice, "COIN", decimal.NewFromInt(5), ref("bet:1:stake"))
		assert.ErrorIs(t, err, ErrDuplicateReference)

		got, err := l.Balance(ctx, alice, "COIN")
		require.NoError(t, err)
		assert.Equal(t, "69.75", got.StringFixed(2), "failed calls must not move the balance")

		got, err = l.Balance(ctx, alice, "GEM")
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		_, err := l.Debit(ctx, user("nobody"), "COIN", decimal.NewFromInt(1), ref("bet:ghost:stake"))
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		got, err := l.Balance(ctx, user("nobody"), "COIN")
		require.NoError(t, err)
		assert.True(t, got.IsZero())
	})

	t.Run("InvalidAmounts", func(t *testing.T) {
		for _, amount := range []string{"0", "-5", "1.005"} {
			_, err := l.Credit(ctx, user("bob"), "COIN", decimal.RequireFromString(amount), ref("bad:"+amount))
			assert.ErrorIs(t, err, ErrInvalidAmount, amount)
		}
		_, err := l.Credit(ctx, user("bob"), "COIN", decimal.NewFromInt(1), "")
		assert.ErrorIs(t, err, ErrInvalidAmount, "empty ref")
	})

	t.Run("ConcurrentDebitsNeverOverdraw", func(t *testing.T) {
		carol := user("carol")
		_, err := l.Credit(ctx, carol, "COIN", decimal.NewFromInt(200), ref("seed"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var placed atomic.Int32
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := l.Debit(ctx, carol, "COIN", decimal.NewFromInt(10), ref(fmt.Sprintf("race:%d", i)))
				if err == nil {
					placed.Add(1)
					return
				}
				assert.ErrorIs(t, err, ErrInsufficientBalance)
			}(i)
		}
		wg.Wait()

		bal, err := l.Balance(ctx, carol, "COIN")
		require.NoError(t, err)
		assert.Equal(t, int32(20), placed.Load())
		assert.True(t, bal.IsZero(), "balance = %s", bal)
	})
}

func TestMemory_Contract(t *testing.T) {
	runLedgerContract(t, NewMemory())
}
