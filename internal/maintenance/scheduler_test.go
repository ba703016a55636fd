package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbox struct {
	cutoff time.Time
	calls  atomic.Int32
	err    error
}

func (f *fakeOutbox) PurgeProcessed(_ context.Context, olderThan time.Time) (int64, error) {
	f.calls.Add(1)
	f.cutoff = olderThan
	return 3, f.err
}

type fakeCompleter struct {
	calls atomic.Int32
}

func (f *fakeCompleter) CompleteFinished(context.Context) (int, error) {
	f.calls.Add(1)
	return 1, nil
}

var fixedNow = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func newTestService(ob *fakeOutbox, prunes *atomic.Int32, pruneCutoff *time.Time, c *fakeCompleter) *Service {
	prune := func(_ context.Context, olderThan time.Time) (int64, error) {
		prunes.Add(1)
		*pruneCutoff = olderThan
		return 0, nil
	}
	svc := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), ob, prune, c,
		Retention{ProcessedOutbox: 7 * 24 * time.Hour, ProcessedEvents: 30 * 24 * time.Hour})
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func TestRunAllUsesRetentionWindows(t *testing.T) {
	ob := &fakeOutbox{}
	c := &fakeCompleter{}
	var prunes atomic.Int32
	var pruneCutoff time.Time
	svc := newTestService(ob, &prunes, &pruneCutoff, c)

	require.NoError(t, svc.RunAll(context.Background()))
	assert.Equal(t, fixedNow.AddDate(0, 0, -7), ob.cutoff)
	assert.Equal(t, fixedNow.AddDate(0, 0, -30), pruneCutoff)
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestRunAllKeepsGoingAfterFailure(t *testing.T) {
	ob := &fakeOutbox{err: errors.New("pg down")}
	c := &fakeCompleter{}
	var prunes atomic.Int32
	var cutoff time.Time
	svc := newTestService(ob, &prunes, &cutoff, c)

	require.Error(t, svc.RunAll(context.Background()))
	assert.Equal(t, int32(1), prunes.Load())
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestSchedulerRunsJobsUntilCancelled(t *testing.T) {
	ob := &fakeOutbox{}
	c := &fakeCompleter{}
	var prunes atomic.Int32
	var cutoff time.Time
	svc := newTestService(ob, &prunes, &cutoff, c)

	s := NewScheduler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, Intervals{Cleanup: 5 * time.Millisecond, Completion: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	require.Eventually(t, func() bool { return ob.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	s.Wait()
	assert.Equal(t, int32(1), c.calls.Load())
}
