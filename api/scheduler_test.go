package api

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/seferet/allocation-engine/logger"
	"github.com/seferet/allocation-engine/workflow"
)

type countingSweeper struct {
	calls   atomic.Int32
	err     error
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func (s *countingSweeper) Run(ctx context.Context) (workflow.SweepReport, error) {
	s.calls.Add(1)
	if s.started != nil {
		s.once.Do(func() { close(s.started) })
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	return workflow.SweepReport{ExpiredRequests: 1}, s.err
}

func TestSweepScheduler_RunNow(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewSweepScheduler(sweeper, time.Minute, logger.NewNop())

	assert.True(t, s.RunNow(context.Background()))
	assert.True(t, s.RunNow(context.Background()))
	assert.Equal(t, int32(2), sweeper.calls.Load())
}

func TestSweepScheduler_RunNowReportsFailureAsRun(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("store down")}
	s := NewSweepScheduler(sweeper, time.Minute, logger.NewNop())

	assert.True(t, s.RunNow(context.Background()))
}

func TestSweepScheduler_SkipsWhileRunning(t *testing.T) {
	// GIVEN: A sweep in progress
	// WHEN: Another sweep is triggered
	// THEN: It is skipped

	sweeper := &countingSweeper{block: make(chan struct{}), started: make(chan struct{})}
	s := NewSweepScheduler(sweeper, time.Minute, logger.NewNop())

	done := make(chan bool)
	go func() { done <- s.RunNow(context.Background()) }()
	<-sweeper.started

	assert.False(t, s.RunNow(context.Background()))

	close(sweeper.block)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), sweeper.calls.Load())
}

func TestSweepScheduler_Disabled(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewSweepScheduler(sweeper, 0, logger.NewNop())

	assert.False(t, s.Enabled)
	s.Start()
	s.Stop()

	assert.Equal(t, int32(0), sweeper.calls.Load())
}

func TestSweepScheduler_StartRunsImmediately(t *testing.T) {
	sweeper := &countingSweeper{}
	s := NewSweepScheduler(sweeper, time.Hour, logger.NewNop())

	s.Start()
	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 1 }, time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()

	assert.Equal(t, int32(1), sweeper.calls.Load())
}

func TestSweepScheduler_NextRunTime(t *testing.T) {
	s := NewSweepScheduler(&countingSweeper{}, 5*time.Minute, logger.NewNop())

	next := s.GetNextRunTime()

	assert.WithinDuration(t, time.Now().Add(5*time.Minute), next, time.Second)
}
