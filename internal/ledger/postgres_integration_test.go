//go:build integration

package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/paycore/internal/infra/pgtest"
)

func TestIntegration_PostgresStore_AppendAndSum(t *testing.T) {
	s := NewPostgresStore(pgtest.Pool(t))
	ctx := context.Background()

	appendOne(t, s, Entry{AccountID: "acc-1", Amount: 5_000, Kind: KindTopup, ReferenceID: "top-1"})
	appendOne(t, s, Entry{AccountID: "acc-1", Amount: -1_200, Kind: KindPurchase, ReferenceID: "tx-1", Description: "airtime"})

	bal, err := s.SumByAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3_800), bal)

	entries, err := s.EntriesByReference(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindPurchase, entries[0].Kind)
	assert.Equal(t, "airtime", entries[0].Description)
}

func TestIntegration_PostgresStore_UniqueRefund(t *testing.T) {
	s := NewPostgresStore(pgtest.Pool(t))
	ctx := context.Background()
	appendOne(t, s, Entry{AccountID: "acc-1", Amount: 900, Kind: KindRefund, ReferenceID: "tx-9"})

	err := s.Atomic(ctx, "acc-1", func(ctx context.Context, tx Tx) error {
		_, err := tx.Append(ctx, Entry{AccountID: "acc-1", Amount: 900, Kind: KindRefund, ReferenceID: "tx-9"})
		return err
	})
	require.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestIntegration_PostgresStore_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := NewPostgresStore(pgtest.Pool(t))
	ctx := context.Background()
	appendOne(t, s, Entry{AccountID: "acc-1", Amount: 1_000, Kind: KindTopup, ReferenceID: "seed"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Atomic(ctx, "acc-1", func(ctx context.Context, tx Tx) error {
				bal, err := tx.SumByAccount(ctx, "acc-1")
				if err != nil || bal < 400 {
					return err
				}
				_, err = tx.Append(ctx, Entry{AccountID: "acc-1", Amount: -400, Kind: KindPurchase, ReferenceID: "p"})
				return err
			})
		}()
	}
	wg.Wait()

	bal, err := s.SumByAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), bal)
}
