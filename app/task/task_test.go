package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_EventsOrderedThenSuccess(t *testing.T) {
	tk := Start(context.Background(), "ordered", func(ctx context.Context, p Progress) (int, error) {
		p.Infof("A")
		p.Infof("B")
		p.Infof("C")
		return 42, nil
	})

	var msgs []string
	for ev := range tk.Events() {
		msgs = append(msgs, ev.Message)
		assert.Equal(t, Info, ev.Level)
		assert.False(t, ev.Time.IsZero())
	}

	assert.Equal(t, []string{"A", "B", "C"}, msgs, "exactly the reported events, in order")
	assert.Equal(t, Succeeded, tk.State())
	res, err := tk.Result()
	require.NoError(t, err)
	assert.Equal(t, 42, res)

	_, ok := <-tk.Events()
	assert.False(t, ok, "nothing after the terminal close")
}

func TestTask_Levels(t *testing.T) {
	tk := Start(context.Background(), "levels", func(ctx context.Context, p Progress) (struct{}, error) {
		p.Infof("fetching %d items", 3)
		p.Warnf("one item skipped")
		p.Errorf("one item broken")
		p.Report(Info, "done")
		return struct{}{}, nil
	})

	var levels []Level
	var last Event
	for ev := range tk.Events() {
		levels = append(levels, ev.Level)
		assert.False(t, ev.Time.Before(last.Time), "timestamps never go backwards")
		last = ev
	}
	assert.Equal(t, []Level{Info, Warning, Error, Info}, levels)
}

func TestTask_Failure(t *testing.T) {
	boom := errors.New("boom")
	tk := Start(context.Background(), "failing", func(ctx context.Context, p Progress) (string, error) {
		p.Infof("about to fail")
		return "", fmt.Errorf("step 2: %w", boom)
	})

	_, err := tk.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, Failed, tk.State())
}

func TestTask_Cancel(t *testing.T) {
	started := make(chan struct{})
	tk := Start(context.Background(), "cancellable", func(ctx context.Context, p Progress) (string, error) {
		p.Infof("working")
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	<-started
	tk.Cancel()

	_, err := tk.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, Cancelled, tk.State(), "cooperative cancel is not a failure")
}

func TestTask_ParentContextCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	tk := Start(ctx, "child", func(ctx context.Context, p Progress) (struct{}, error) {
		close(started)
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	})

	<-started
	cancel()
	_, err := tk.Wait(context.Background())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, Cancelled, tk.State())
}

func TestTask_ReportAfterCompletionDropped(t *testing.T) {
	var late Progress
	tk := Start(context.Background(), "late-reporter", func(ctx context.Context, p Progress) (struct{}, error) {
		late = p
		p.Infof("only event")
		return struct{}{}, nil
	})

	var count int
	for range tk.Events() {
		count++
	}
	require.Equal(t, 1, count)

	late.Infof("too late") // dropped, stream already closed
	assert.Equal(t, Succeeded, tk.State())
	<-tk.Done()
}

func TestTask_ResultBeforeDone(t *testing.T) {
	release := make(chan struct{})
	tk := Start(context.Background(), "slow", func(ctx context.Context, p Progress) (int, error) {
		<-release
		return 7, nil
	})

	_, err := tk.Result()
	assert.Error(t, err, "no result while running")
	assert.Equal(t, Running, tk.State())

	close(release)
	res, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, res)
}

func TestTask_WaitHonorsCallerContext(t *testing.T) {
	release := make(chan struct{})
	tk := Start(context.Background(), "held", func(ctx context.Context, p Progress) (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tk.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, Running, tk.State(), "task keeps running, only the wait gave up")

	close(release)
	res, err := tk.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res)
}

func TestTask_ManyEventsAllDelivered(t *testing.T) {
	const n = 200 // deliberately beyond the channel buffer
	tk := Start(context.Background(), "chatty", func(ctx context.Context, p Progress) (struct{}, error) {
		for i := 0; i < n; i++ {
			p.Infof("event %d", i)
		}
		return struct{}{}, nil
	})

	var got int
	for ev := range tk.Events() {
		assert.Equal(t, fmt.Sprintf("event %d", got), ev.Message)
		got++
	}
	assert.Equal(t, n, got, "no drops regardless of buffer size")
}
