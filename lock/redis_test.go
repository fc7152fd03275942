package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/incentive-ledger/generic"
	"github.com/warp/incentive-ledger/generic/store"
)

func newTestLocker(t *testing.T, opts Options) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	opts.Logger = zerolog.Nop()
	return NewRedis(client, opts), s
}

func TestLock_ExclusiveUntilReleased(t *testing.T) {
	// GIVEN: one holder
	l, s := newTestLocker(t, Options{})
	ctx := context.Background()
	unlock, err := l.Lock(ctx, "wallet:vendor-1")
	require.NoError(t, err)
	assert.True(t, s.Exists("ledger:lock:wallet:vendor-1"))

	// WHEN: a second caller tries with a short deadline
	short, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, "wallet:vendor-1")

	// THEN: it times out; after release the key is free again
	assert.ErrorIs(t, err, ErrLockTimeout)
	unlock()
	unlock()
	assert.False(t, s.Exists("ledger:lock:wallet:vendor-1"))

	unlock2, err := l.Lock(ctx, "wallet:vendor-1")
	require.NoError(t, err)
	unlock2()
}

func TestLock_IndependentKeys(t *testing.T) {
	l, _ := newTestLocker(t, Options{})
	ctx := context.Background()
	a, err := l.Lock(ctx, "wallet:a")
	require.NoError(t, err)
	defer a()
	b, err := l.Lock(ctx, "wallet:b")
	require.NoError(t, err)
	b()
}

func TestLock_ExpiredHolderCannotReleaseNewHolder(t *testing.T) {
	// GIVEN: a holder whose TTL has passed and a new holder
	l, s := newTestLocker(t, Options{TTL: time.Second})
	ctx := context.Background()
	stale, err := l.Lock(ctx, "wallet:vendor-1")
	require.NoError(t, err)
	s.FastForward(2 * time.Second)

	fresh, err := l.Lock(ctx, "wallet:vendor-1")
	require.NoError(t, err)

	// WHEN: the stale holder releases
	stale()

	// THEN: the new holder's key survives
	assert.True(t, s.Exists("ledger:lock:wallet:vendor-1"))
	fresh()
	assert.False(t, s.Exists("ledger:lock:wallet:vendor-1"))
}

func TestLock_UpstreamFailure(t *testing.T) {
	l, s := newTestLocker(t, Options{})
	s.Close()

	_, err := l.Lock(context.Background(), "wallet:vendor-1")
	assert.ErrorIs(t, err, generic.ErrUpstreamUnavailable)
}

func TestLock_SerializesLedgerPostings(t *testing.T) {
	// GIVEN: two ledgers sharing a store and the Redis lock, like two processes
	l, _ := newTestLocker(t, Options{RetryInterval: time.Millisecond})
	mem := store.NewMemory()
	ledgers := []*generic.WalletLedger{
		generic.NewWalletLedger(mem, generic.LedgerOptions{Locker: l, Logger: zerolog.Nop()}),
		generic.NewWalletLedger(mem, generic.LedgerOptions{Locker: l, Logger: zerolog.Nop()}),
	}
	ctx := context.Background()
	_, err := ledgers[0].Credit(ctx, "vendor-1", generic.NewAmountFromInt(100), "seed")
	require.NoError(t, err)

	// WHEN: both debit concurrently more than the balance allows in total
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(ledger *generic.WalletLedger) {
			defer wg.Done()
			if _, err := ledger.Debit(ctx, "vendor-1", generic.NewAmountFromInt(30), "spend"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(ledgers[i%2])
	}
	wg.Wait()

	// THEN: exactly three debits fit and the balance never went negative
	assert.Equal(t, 3, succeeded)
	balance, err := ledgers[1].Balance(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, "10.00", balance.String())
}

func TestDial(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client, err := Dial(context.Background(), s.Addr(), "", 0)
	require.NoError(t, err)
	client.Close()

	s.Close()
	_, err = Dial(context.Background(), s.Addr(), "", 0)
	assert.Error(t, err)
}
