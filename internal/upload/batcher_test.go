package upload

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingIssuer returns an IssueFunc that logs every requested range.
func recordingIssuer(ranges *[][2]int) IssueFunc {
	return func(_ context.Context, first, last int) (map[int]string, error) {
		*ranges = append(*ranges, [2]int{first, last})

		urls := make(map[int]string)
		for p := first; p <= last; p++ {
			urls[p] = "u"
		}

		return urls, nil
	}
}

func newTestBatcher(issue IssueFunc, total, base int, clock *fakeClock) *Batcher {
	b := NewBatcher(issue, total, base, slog.Default())
	b.nowFunc = clock.Now

	return b
}

func TestBatcher_StartsAtDefaultSize(t *testing.T) {
	var ranges [][2]int
	b := NewBatcher(recordingIssuer(&ranges), 20, 0, nil)

	assert.Equal(t, DefaultBatchSize, b.BatchSize())
	assert.Equal(t, NeedBatch, b.State(1))

	_, err := b.URLFor(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1, 5}}, ranges)
}

func TestBatcher_ClampsToTotal(t *testing.T) {
	var ranges [][2]int
	b := newTestBatcher(recordingIssuer(&ranges), 7, 5, newFakeClock())

	for p := 1; p <= 7; p++ {
		_, err := b.URLFor(context.Background(), p)
		require.NoError(t, err)
	}

	assert.Equal(t, [][2]int{{1, 5}, {6, 7}}, ranges)
	assert.Equal(t, 2, b.Issued())
}

func TestBatcher_States(t *testing.T) {
	clock := newFakeClock()
	var ranges [][2]int
	b := newTestBatcher(recordingIssuer(&ranges), 10, 5, clock)

	require.NoError(t, b.Refresh(context.Background(), 1))

	assert.Equal(t, BatchValid, b.State(1))
	assert.Equal(t, BatchValid, b.State(5))
	assert.Equal(t, NeedBatch, b.State(6), "beyond the batch")

	clock.Advance(CredentialValidity - ExpiringThreshold + time.Second)
	assert.Equal(t, BatchExpiring, b.State(3))

	clock.Advance(ExpiringThreshold)
	assert.Equal(t, NeedBatch, b.State(3), "expired")
}

func TestBatcher_ExpiredBatchIsReplacedBeforeUse(t *testing.T) {
	clock := newFakeClock()
	var ranges [][2]int
	b := newTestBatcher(recordingIssuer(&ranges), 10, 5, clock)

	_, err := b.URLFor(context.Background(), 1)
	require.NoError(t, err)

	clock.Advance(CredentialValidity + time.Second)

	_, err = b.URLFor(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1, 5}, {2, 3}}, ranges, "re-issued from part 2 at half size")
}

func TestBatcher_ThrottleHalvesWhenExpiring(t *testing.T) {
	clock := newFakeClock()
	var ranges [][2]int
	b := newTestBatcher(recordingIssuer(&ranges), 100, 8, clock)

	require.NoError(t, b.Refresh(context.Background(), 1))
	assert.Equal(t, 8, b.BatchSize())

	// Each superseded batch had under 120s left: 8 -> 4 -> 2 -> 1 -> 1.
	want := []int{4, 2, 1, 1}
	part := 9

	for _, size := range want {
		clock.Advance(CredentialValidity - ExpiringThreshold + time.Second)

		prev := b.BatchSize()
		require.NoError(t, b.Refresh(context.Background(), part))
		assert.Equal(t, size, b.BatchSize())
		assert.LessOrEqual(t, b.BatchSize(), max(1, prev/2))

		part += b.BatchSize()
	}
}

func TestBatcher_GrowsBackWhenFast(t *testing.T) {
	clock := newFakeClock()
	var ranges [][2]int
	b := newTestBatcher(recordingIssuer(&ranges), 100, 8, clock)

	require.NoError(t, b.Refresh(context.Background(), 1))

	clock.Advance(CredentialValidity - time.Second)
	require.NoError(t, b.Refresh(context.Background(), 9))
	clock.Advance(CredentialValidity - time.Second)
	require.NoError(t, b.Refresh(context.Background(), 13))
	assert.Equal(t, 2, b.BatchSize())

	// Fast consumption: plenty of validity left at each refresh.
	require.NoError(t, b.Refresh(context.Background(), 15))
	assert.Equal(t, 4, b.BatchSize())
	require.NoError(t, b.Refresh(context.Background(), 19))
	assert.Equal(t, 8, b.BatchSize())
	require.NoError(t, b.Refresh(context.Background(), 27))
	assert.Equal(t, 8, b.BatchSize(), "capped at base size")
}

func TestBatcher_IssueError(t *testing.T) {
	boom := errors.New("boom")
	b := NewBatcher(func(context.Context, int, int) (map[int]string, error) {
		return nil, boom
	}, 3, 5, nil)

	_, err := b.URLFor(context.Background(), 1)
	require.ErrorIs(t, err, boom)
	assert.Nil(t, b.Current())
}

func TestBatcher_IncompleteBatchRejected(t *testing.T) {
	b := NewBatcher(func(_ context.Context, first, _ int) (map[int]string, error) {
		return map[int]string{first: "only-first"}, nil
	}, 3, 5, nil)

	err := b.Refresh(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no presigned url for part 2")
}

func TestBatcher_RefreshOutOfRange(t *testing.T) {
	b := NewBatcher(recordingIssuer(new([][2]int)), 3, 5, nil)

	assert.Error(t, b.Refresh(context.Background(), 0))
	assert.Error(t, b.Refresh(context.Background(), 4))
}

func TestCredentialBatch_Remaining(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := &CredentialBatch{FirstPart: 3, LastPart: 4, IssuedAt: issued, Validity: CredentialValidity}

	assert.True(t, cb.Covers(3))
	assert.True(t, cb.Covers(4))
	assert.False(t, cb.Covers(5))
	assert.Equal(t, 100*time.Second, cb.Remaining(issued.Add(500*time.Second)))
	assert.Negative(t, cb.Remaining(issued.Add(601*time.Second)))
}
