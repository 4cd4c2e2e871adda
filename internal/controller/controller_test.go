package controller

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/teslafanctl/internal/curve"
	"codeberg.org/mutker/teslafanctl/internal/errors"
	"codeberg.org/mutker/teslafanctl/internal/logger"
	"codeberg.org/mutker/teslafanctl/internal/metrics"
	"codeberg.org/mutker/teslafanctl/internal/thermal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.Init("error", true)
	os.Exit(m.Run())
}

type step struct {
	readings []thermal.DeviceReading
	err      error
}

// scriptedCollector replays a fixed sequence of snapshots, then repeats the
// last one. done is closed once the whole script has been consumed and the
// cycle that used its final entry has completed.
type scriptedCollector struct {
	mu    sync.Mutex
	steps []step
	calls int
	done  chan struct{}
	once  sync.Once
}

func newScriptedCollector(steps ...step) *scriptedCollector {
	return &scriptedCollector{
		steps: steps,
		done:  make(chan struct{}),
	}
}

func (c *scriptedCollector) Snapshot(_ context.Context) ([]thermal.DeviceReading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.calls
	c.calls++
	if i >= len(c.steps) {
		c.once.Do(func() { close(c.done) })
		i = len(c.steps) - 1
	}

	return c.steps[i].readings, c.steps[i].err
}

func (*scriptedCollector) Close() error {
	return nil
}

// fakeActuator records every operation in order. restoreErrOnce fails only
// the first restore, simulating a transient BMC hiccup.
type fakeActuator struct {
	mu             sync.Mutex
	ops            []string
	enterErr       error
	dutyErr        error
	restoreErr     error
	restoreErrOnce error
}

func (a *fakeActuator) EnterManual(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = append(a.ops, "enter")

	return a.enterErr
}

func (a *fakeActuator) SetDuty(_ context.Context, pct int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = append(a.ops, fmt.Sprintf("duty:%d", pct))

	return a.dutyErr
}

func (a *fakeActuator) RestoreAutomatic(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = append(a.ops, "restore")

	if a.restoreErrOnce != nil {
		err := a.restoreErrOnce
		a.restoreErrOnce = nil
		return err
	}

	return a.restoreErr
}

func (a *fakeActuator) history() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ops := make([]string, len(a.ops))
	copy(ops, a.ops)

	return ops
}

func (a *fakeActuator) count(op string) int {
	n := 0
	for _, o := range a.history() {
		if o == op {
			n++
		}
	}

	return n
}

func testConfig(t *testing.T) Config {
	t.Helper()

	dutyCurve, err := curve.New(60, 85, 30, 100)
	require.NoError(t, err)

	return Config{
		Interval:           2 * time.Millisecond,
		CommandTimeout:     time.Second,
		MaxActuatorRetries: 3,
		EnterManualTempC:   75,
		ExitManualTempC:    65,
		Curve:              dutyCurve,
		IgnoreGPUs:         []int{1},
	}
}

// captureRecorder keeps every recorded snapshot for inspection.
type captureRecorder struct {
	mu        sync.Mutex
	snapshots []metrics.Snapshot
}

func (r *captureRecorder) Record(_ context.Context, snapshot *metrics.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, *snapshot)

	return nil
}

func (*captureRecorder) Close() error {
	return nil
}

func (r *captureRecorder) history() []metrics.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshots := make([]metrics.Snapshot, len(r.snapshots))
	copy(snapshots, r.snapshots)

	return snapshots
}

func noopRecorder(t *testing.T) metrics.Collector {
	t.Helper()

	recorder, err := metrics.NewService(metrics.Config{Enabled: false})
	require.NoError(t, err)

	return recorder
}

func runController(t *testing.T, ctx context.Context, ctrl *Controller) chan error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		errCh <- ctrl.Run(ctx)
	}()

	return errCh
}

func waitErr(t *testing.T, errCh chan error) error {
	t.Helper()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop in time")
		return nil
	}
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("collector script was not consumed in time")
	}
}

func TestControllerHeatUpAndHandoff(t *testing.T) {
	collector := newScriptedCollector(
		// Hottest retained card is 80°C (index 1 is ignored): enter manual,
		// duty 30+(80-60)/25*70 = 86.
		step{readings: []thermal.DeviceReading{
			{Index: 0, Name: "Tesla P40", TemperatureC: 80},
			{Index: 1, Name: "Tesla P40", TemperatureC: 95},
			{Index: 2, Name: "Tesla P40", TemperatureC: 70},
		}},
		// 68°C is inside the band: stay manual, recompute duty = 52.
		step{readings: []thermal.DeviceReading{
			{Index: 0, TemperatureC: 68},
			{Index: 2, TemperatureC: 60},
		}},
		// 60°C is at or below the exit threshold: hand back to the BMC.
		step{readings: []thermal.DeviceReading{
			{Index: 0, TemperatureC: 60},
			{Index: 2, TemperatureC: 55},
		}},
	)
	actuator := &fakeActuator{}

	ctrl, err := New(testConfig(t), collector, actuator, noopRecorder(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runController(t, ctx, ctrl)

	waitDone(t, collector.done)
	cancel()
	require.NoError(t, waitErr(t, errCh))

	// The trailing restore is the unconditional shutdown-safety handoff.
	assert.Equal(t, []string{"enter", "duty:86", "duty:52", "restore", "restore"}, actuator.history())
	assert.Equal(t, ModeAutomatic, ctrl.Mode())
}

func TestControllerRestoresAutomaticOnStop(t *testing.T) {
	collector := newScriptedCollector(
		step{readings: []thermal.DeviceReading{{Index: 0, TemperatureC: 50}}},
	)
	actuator := &fakeActuator{}

	ctrl, err := New(testConfig(t), collector, actuator, noopRecorder(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runController(t, ctx, ctrl)

	waitDone(t, collector.done)
	cancel()
	require.NoError(t, waitErr(t, errCh))

	// Never went manual, but automatic control is still restored exactly
	// once on the way out.
	assert.Equal(t, []string{"restore"}, actuator.history())
}

func TestControllerRestoresAutomaticWhileManualOnStop(t *testing.T) {
	collector := newScriptedCollector(
		step{readings: []thermal.DeviceReading{{Index: 0, TemperatureC: 80}}},
	)
	actuator := &fakeActuator{}

	ctrl, err := New(testConfig(t), collector, actuator, noopRecorder(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runController(t, ctx, ctrl)

	waitDone(t, collector.done)
	cancel()
	require.NoError(t, waitErr(t, errCh))

	ops := actuator.history()
	require.NotEmpty(t, ops)
	assert.Equal(t, "enter", ops[0])
	assert.Equal(t, "restore", ops[len(ops)-1])
	assert.Equal(t, 1, actuator.count("restore"))
	assert.Equal(t, ModeAutomatic, ctrl.Mode())
}

func TestControllerTelemetryErrorSkipsCycle(t *testing.T) {
	telemetryErr := errors.New().New(errors.ErrUnavailable)
	collector := newScriptedCollector(
		step{err: telemetryErr},
		step{readings: []thermal.DeviceReading{{Index: 0, TemperatureC: 80}}},
		step{readings: []thermal.DeviceReading{{Index: 0, TemperatureC: 60}}},
	)
	actuator := &fakeActuator{}

	ctrl, err := New(testConfig(t), collector, actuator, noopRecorder(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runController(t, ctx, ctrl)

	waitDone(t, collector.done)
	cancel()
	require.NoError(t, waitErr(t, errCh))

	// The failed read left the fans alone; the next cycles ran normally.
	assert.Equal(t, []string{"enter", "duty:86", "restore", "restore"}, actuator.history())
}

func TestControllerEmptySampleWhileManualHandsBack(t *testing.T) {
	collector := newScriptedCollector(
		step{readings: []thermal.DeviceReading{{Index: 0, TemperatureC: 80}}},
		// All readings belong to the ignored index: no thermal pressure.
		step{readings: []thermal.DeviceReading{{Index: 1, TemperatureC: 90}}},
	)
	actuator := &fakeActuator{}

	ctrl, err := New(testConfig(t), collector, actuator, noopRecorder(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runController(t, ctx, ctrl)

	waitDone(t, collector.done)
	cancel()
	require.NoError(t, waitErr(t, errCh))

	assert.Equal(t, []string{"enter", "duty:86", "restore", "restore"}, actuator.history())
}

func TestControllerPersistentActuatorFailureEscalates(t *testing.T) {
	collector := newScriptedCollector(
		step{readings: []thermal.DeviceReading{{Index: 0, TemperatureC: 90}}},
	)
	actuator := &fakeActuator{
		enterErr: errors.New().New(errors.ErrOperationFailed),
	}

	ctrl, err := New(testConfig(t), collector, actuator, noopRecorder(t))
	require.NoError(t, err)

	errCh := runController(t, context.Background(), ctrl)
	err = waitErr(t, errCh)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrActuatorPersistent))
	assert.Equal(t, 3, actuator.count("enter"))
	// Shutdown safety still ran after the escalation.
	assert.Equal(t, 1, actuator.count("restore"))
}

func TestControllerRestoreFailureIsLoud(t *testing.T) {
	collector := newScriptedCollector(
		step{readings: []thermal.DeviceReading{{Index: 0, TemperatureC: 50}}},
	)
	actuator := &fakeActuator{
		restoreErr: errors.New().New(errors.ErrOperationFailed),
	}

	ctrl, err := New(testConfig(t), collector, actuator, noopRecorder(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runController(t, ctx, ctrl)

	waitDone(t, collector.done)
	cancel()
	err = waitErr(t, errCh)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrRestoreFailed))
}

func TestControllerTransientHandoffFailureIsRunError(t *testing.T) {
	collector := newScriptedCollector(
		step{readings: []thermal.DeviceReading{{Index: 0, TemperatureC: 80}}},
		step{readings: []thermal.DeviceReading{{Index: 0, TemperatureC: 60}}},
	)
	actuator := &fakeActuator{
		restoreErrOnce: errors.New().New(errors.ErrOperationFailed),
	}

	ctrl, err := New(testConfig(t), collector, actuator, noopRecorder(t))
	require.NoError(t, err)

	errCh := runController(t, context.Background(), ctrl)
	err = waitErr(t, errCh)

	// The mid-run handoff failed, but the shutdown-safety restore succeeded:
	// the BMC has control back, so this is a run error, not a restore failure.
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrHandoffFailed))
	assert.False(t, errors.HasCode(err, ErrRestoreFailed))
	assert.Equal(t, 2, actuator.count("restore"))
	assert.Equal(t, ModeAutomatic, ctrl.Mode())
}

func TestControllerRecordsHottestCard(t *testing.T) {
	collector := newScriptedCollector(
		step{readings: []thermal.DeviceReading{
			{Index: 0, Name: "Tesla P40", TemperatureC: 80, UtilizationPct: 97},
			{Index: 2, Name: "Tesla M40 24GB", TemperatureC: 70, UtilizationPct: 12},
		}},
	)
	actuator := &fakeActuator{}
	recorder := &captureRecorder{}

	ctrl, err := New(testConfig(t), collector, actuator, recorder)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runController(t, ctx, ctrl)

	waitDone(t, collector.done)
	cancel()
	require.NoError(t, waitErr(t, errCh))

	snapshots := recorder.history()
	require.NotEmpty(t, snapshots)
	assert.Equal(t, 0, snapshots[0].HottestIndex)
	assert.Equal(t, "Tesla P40", snapshots[0].HottestName)
	assert.Equal(t, 97, snapshots[0].HottestUtilPct)
	assert.True(t, snapshots[0].ManualMode)
	assert.Equal(t, 86, snapshots[0].TargetDutyPct)
}

func TestControllerRecordsEmptySampleWithoutHottest(t *testing.T) {
	collector := newScriptedCollector(
		// The only reading belongs to the ignored index.
		step{readings: []thermal.DeviceReading{{Index: 1, TemperatureC: 90}}},
	)
	actuator := &fakeActuator{}
	recorder := &captureRecorder{}

	ctrl, err := New(testConfig(t), collector, actuator, recorder)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runController(t, ctx, ctrl)

	waitDone(t, collector.done)
	cancel()
	require.NoError(t, waitErr(t, errCh))

	snapshots := recorder.history()
	require.NotEmpty(t, snapshots)
	// An empty cycle must not masquerade as one driven by GPU 0.
	assert.Equal(t, metrics.NoHottestIndex, snapshots[0].HottestIndex)
	assert.Empty(t, snapshots[0].HottestName)
	assert.Equal(t, 0, snapshots[0].HottestUtilPct)
	assert.False(t, snapshots[0].ManualMode)
}

func TestControllerMidRunRestoreFailureIsFatal(t *testing.T) {
	collector := newScriptedCollector(
		step{readings: []thermal.DeviceReading{{Index: 0, TemperatureC: 80}}},
		step{readings: []thermal.DeviceReading{{Index: 0, TemperatureC: 60}}},
	)
	actuator := &fakeActuator{
		restoreErr: errors.New().New(errors.ErrOperationFailed),
	}

	ctrl, err := New(testConfig(t), collector, actuator, noopRecorder(t))
	require.NoError(t, err)

	errCh := runController(t, context.Background(), ctrl)
	err = waitErr(t, errCh)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrRestoreFailed))
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Interval = 0 }},
		{"zero command timeout", func(c *Config) { c.CommandTimeout = 0 }},
		{"zero retries", func(c *Config) { c.MaxActuatorRetries = 0 }},
		{"inverted hysteresis band", func(c *Config) { c.EnterManualTempC = 60; c.ExitManualTempC = 70 }},
		{"zero width hysteresis band", func(c *Config) { c.EnterManualTempC = 70; c.ExitManualTempC = 70 }},
		{"negative handoff delay", func(c *Config) { c.HandoffDelay = -time.Second }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)

			require.Error(t, cfg.Validate())
		})
	}
}
