package bizsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/monitoring"
	"github.com/sells-group/bizdir/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fastBatches(size, concurrent int) BatchOptions {
	return BatchOptions{
		BatchSize:     size,
		MaxConcurrent: concurrent,
		Attempts:      3,
		Backoff:       time.Millisecond,
	}
}

func biz(id, name, city, province string) model.Business {
	b := model.Business{ID: id, Name: name, City: city, Province: province, Source: "test"}
	b.IndexKeys()
	return b
}

func manyBusinesses(n int) []model.Business {
	out := make([]model.Business, n)
	for i := range out {
		out[i] = biz(fmt.Sprintf("b-%04d", i), fmt.Sprintf("Business %d", i), "Toronto", "ON")
	}
	return out
}

func count(t *testing.T, st store.Businesses) int64 {
	t.Helper()
	n, err := st.CountBusinesses(context.Background(), store.Filter{})
	require.NoError(t, err)
	return n
}

func TestBatchOptionsFromConfig(t *testing.T) {
	opts := BatchOptionsFromConfig(config.SyncConfig{BatchSize: 200, GroupDelayMs: 50, RetryBackoffMs: 250})
	assert.Equal(t, 200, opts.BatchSize)
	assert.Equal(t, 5, opts.MaxConcurrent)
	assert.Equal(t, 3, opts.Attempts)
	assert.Equal(t, 50*time.Millisecond, opts.GroupDelay)
	assert.Equal(t, 250*time.Millisecond, opts.Backoff)
}

func TestWriter_WriteAllBatches(t *testing.T) {
	st := store.NewMemory()
	w := NewWriter(st, fastBatches(500, 5), nil)

	res, err := w.WriteAll(context.Background(), manyBusinesses(1200))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 1200, res.Written)
	assert.Zero(t, res.Failed)
	assert.Equal(t, int64(1200), count(t, st))
}

func TestWriter_Empty(t *testing.T) {
	res, err := NewWriter(store.NewMemory(), BatchOptions{}, nil).WriteAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, WriteResult{}, res)
}

func TestWriter_GroupDelay(t *testing.T) {
	opts := fastBatches(1, 2)
	opts.GroupDelay = 20 * time.Millisecond
	w := NewWriter(store.NewMemory(), opts, nil)

	start := time.Now()
	res, err := w.WriteAll(context.Background(), manyBusinesses(5))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Written)
	// Three groups, two pauses.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWriter_CoalescesSharedIDs(t *testing.T) {
	st := store.NewMemory()
	w := NewWriter(st, fastBatches(1, 5), nil)

	first := biz("dup", "Maple Syrup Inc", "Montreal", "QC")
	first.Phone = "(514) 555-0100"
	second := biz("dup", "MAPLE SYRUP INC", "", "QC")
	second.Source = "later"

	res, err := w.WriteAll(context.Background(), []model.Business{first, second})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 1, res.Written)

	got, err := st.GetBusiness(context.Background(), "dup")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "MAPLE SYRUP INC", got.Name)
	assert.Equal(t, "Montreal", got.City)
	assert.Equal(t, "(514) 555-0100", got.Phone)
	assert.Equal(t, "later", got.Source)
}

func TestWriter_RetryRecovers(t *testing.T) {
	st := store.NewMemory()
	st.FailUpserts = 2
	w := NewWriter(st, fastBatches(10, 1), nil)

	res, err := w.WriteAll(context.Background(), manyBusinesses(10))
	require.NoError(t, err)
	assert.Equal(t, 10, res.Written)
	assert.Equal(t, int64(10), count(t, st))
}

func TestWriter_BatchFailureContinues(t *testing.T) {
	st := store.NewMemory()
	st.FailUpserts = 3
	metrics := monitoring.NewMetrics()
	w := NewWriter(st, fastBatches(2, 1), metrics)

	res, err := w.WriteAll(context.Background(), manyBusinesses(6))
	require.Error(t, err)

	var bce *BatchCommitError
	require.True(t, errors.As(err, &bce))
	assert.Equal(t, 1, bce.Batch)
	assert.Equal(t, 2, bce.Size)

	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 4, res.Written)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, int64(4), count(t, st))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BatchFailures))
}

func TestWriter_Idempotent(t *testing.T) {
	st := store.NewMemory()
	w := NewWriter(st, fastBatches(3, 2), nil)
	input := manyBusinesses(7)

	_, err := w.WriteAll(context.Background(), input)
	require.NoError(t, err)
	before, err := st.GetBusiness(context.Background(), "b-0003")
	require.NoError(t, err)

	_, err = w.WriteAll(context.Background(), input)
	require.NoError(t, err)
	after, err := st.GetBusiness(context.Background(), "b-0003")
	require.NoError(t, err)

	assert.Equal(t, int64(7), count(t, st))
	assert.Equal(t, before.Name, after.Name)
	assert.Equal(t, before.ImportedAt, after.ImportedAt)
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk([]int{}, 3))
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunk([]int{1, 2, 3, 4, 5}, 2))
}
