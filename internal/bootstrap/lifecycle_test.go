package bootstrap

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/quotaflow/config"
)

func TestErrorChannelBufferSize(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{name: "none", want: 1},
		{name: "http only", modes: []config.ServiceMode{config.ServiceModeHTTP}, want: 2},
		{name: "scheduler and reaper", modes: []config.ServiceMode{config.ServiceModeScheduler, config.ServiceModeReaper}, want: 3},
		{name: "all", modes: config.ValidServiceModes(), want: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}
			assert.Equal(t, tt.want, errorChannelBufferSize(enabled))
		})
	}
}

type fakeDrainer struct {
	calls    atomic.Int32
	deadline bool
	err      error
}

func (f *fakeDrainer) Shutdown(ctx context.Context) error {
	f.calls.Add(1)
	_, f.deadline = ctx.Deadline()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return f.err
}

func TestStopper_LoopFailureDrainsOrchestrator(t *testing.T) {
	failures := make(chan error, 1)
	failures <- errors.New("worker failed: redis down")

	done := make(chan struct{})
	close(done)

	drain := &fakeDrainer{}
	var cancelled atomic.Bool
	err := stopper{
		cancel:       func() { cancelled.Store(true) },
		orchestrator: drain,
		loops:        []running{{mode: config.ServiceModeWorker, done: done}},
		logger:       discardLogger(),
	}.wait(make(chan struct{}), failures)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.True(t, cancelled.Load())
	assert.Equal(t, int32(1), drain.calls.Load())
	assert.True(t, drain.deadline, "drain must be bounded")
}

func TestStopper_SignalStopsCleanly(t *testing.T) {
	signals := make(chan struct{})
	close(signals)

	drain := &fakeDrainer{}
	err := stopper{
		cancel:          func() {},
		orchestrator:    drain,
		orchestratorTTL: time.Second,
		logger:          discardLogger(),
	}.wait(signals, make(chan error))

	require.NoError(t, err)
	assert.Equal(t, int32(1), drain.calls.Load())
}

func TestStopper_ReportsDrainFailure(t *testing.T) {
	drain := &fakeDrainer{err: errors.New("pipelines still running")}
	err := stopper{orchestrator: drain, logger: discardLogger()}.stop()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain pipelines")
}

func TestStartLoops_SkipsDisabledModes(t *testing.T) {
	var ran atomic.Bool
	started := startLoops(context.Background(), discardLogger(),
		map[config.ServiceMode]bool{config.ServiceModeHTTP: true},
		[]loop{{mode: config.ServiceModeReaper, run: func(context.Context) error {
			ran.Store(true)
			return nil
		}}},
		make(chan error, 1))

	assert.Empty(t, started)
	assert.False(t, ran.Load())
}

func TestStartLoops_ForwardsError(t *testing.T) {
	failures := make(chan error, 1)
	started := startLoops(context.Background(), discardLogger(),
		map[config.ServiceMode]bool{config.ServiceModeScheduler: true},
		[]loop{{mode: config.ServiceModeScheduler, run: func(context.Context) error {
			return errors.New("boom")
		}}},
		failures)

	require.Len(t, started, 1)
	<-started[0].done

	select {
	case err := <-failures:
		assert.EqualError(t, err, "scheduler failed: boom")
	default:
		t.Fatal("expected forwarded error")
	}
}

func TestStartLoops_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := startLoops(ctx, discardLogger(),
		map[config.ServiceMode]bool{config.ServiceModeWorker: true},
		[]loop{{mode: config.ServiceModeWorker, run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}}},
		make(chan error, 1))
	require.Len(t, started, 1)

	cancel()
	select {
	case <-started[0].done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestRunServicesWithShutdown_RejectsInvalidServices(t *testing.T) {
	err := RunServicesWithShutdown(&ServiceOrchestrationConfig{
		Config: &config.AppConfig{Services: "http,bogus"},
		Logger: discardLogger(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestRunServicesWithShutdown_RequiresConfig(t *testing.T) {
	require.Error(t, RunServicesWithShutdown(nil))
	require.Error(t, RunServicesWithShutdown(&ServiceOrchestrationConfig{}))
}
