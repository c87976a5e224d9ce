package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBackoffDefaults(t *testing.T) {
	got := BackoffConfig{MaxRetries: 3}.withDefaults()
	def := DefaultBackoffConfig()

	if got.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, explicit value should be kept", got.MaxRetries)
	}
	if got.InitialDelay != def.InitialDelay || got.PollInterval != def.PollInterval || got.ProbeTimeout != def.ProbeTimeout {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	var changes atomic.Int32
	m := NewManager(nil)
	defer m.Stop()

	w := m.Watch(context.Background(), Dependency{
		Name:     "store",
		Probe:    func(context.Context) error { return nil },
		Backoff:  testBackoff(),
		OnChange: func(bool, error) { changes.Add(1) },
	})

	waitFor(t, w.IsReady)
	// A few more polls must not report further transitions.
	time.Sleep(20 * time.Millisecond)

	if got := changes.Load(); got != 1 {
		t.Errorf("OnChange called %d times, want 1", got)
	}
	if s := w.Status(); s.LastError != "" || s.LastCheck.IsZero() {
		t.Errorf("Status() = %+v", s)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	m := NewManager(nil)
	defer m.Stop()

	w := m.Watch(context.Background(), Dependency{
		Name: "model",
		Probe: func(context.Context) error {
			if attempts.Add(1) <= 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: testBackoff(),
	})

	waitFor(t, w.IsReady)
	if n := attempts.Load(); n < 4 {
		t.Errorf("probe attempts = %d, want at least 4", n)
	}
}

func TestWatcher_GoesDownAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	var downs, ups atomic.Int32

	m := NewManager(nil)
	defer m.Stop()

	w := m.Watch(context.Background(), Dependency{
		Name: "store",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("503 service unavailable")
		},
		Backoff: testBackoff(),
		OnChange: func(ready bool, err error) {
			if ready {
				ups.Add(1)
			} else if err != nil {
				downs.Add(1)
			}
		},
	})

	waitFor(t, w.IsReady)
	healthy.Store(false)
	waitFor(t, func() bool { return !w.IsReady() })
	if s := w.Status(); s.LastError == "" {
		t.Error("down status should carry the last error")
	}

	healthy.Store(true)
	waitFor(t, w.IsReady)

	if downs.Load() != 1 || ups.Load() != 2 {
		t.Errorf("transitions: downs=%d ups=%d, want 1 and 2", downs.Load(), ups.Load())
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	b := testBackoff()
	b.ProbeTimeout = 5 * time.Millisecond
	b.MaxRetries = 1

	m := NewManager(nil)
	defer m.Stop()

	w := m.Watch(context.Background(), Dependency{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})

	waitFor(t, func() bool { return w.Status().LastError != "" })
	if w.IsReady() {
		t.Error("timed-out probe should not be ready")
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(nil)
	w := m.Watch(ctx, Dependency{
		Name:    "store",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})

	cancel()
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after cancellation")
	}
}

func TestManager_Report(t *testing.T) {
	var modelUp atomic.Bool
	modelUp.Store(true)

	m := NewManager(nil)
	defer m.Stop()

	store := m.Watch(context.Background(), Dependency{
		Name:     "store",
		Critical: true,
		Probe:    func(context.Context) error { return nil },
		Backoff:  testBackoff(),
	})
	model := m.Watch(context.Background(), Dependency{
		Name: "model",
		Probe: func(context.Context) error {
			if modelUp.Load() {
				return nil
			}
			return errors.New("overloaded")
		},
		Backoff: testBackoff(),
	})
	waitFor(t, func() bool { return store.IsReady() && model.IsReady() })

	r := m.Report()
	if r.Status != StatusOK {
		t.Errorf("Status = %q, want ok", r.Status)
	}
	if len(r.Dependencies) != 2 || r.Dependencies[0].Name != "model" || r.Dependencies[1].Name != "store" {
		t.Errorf("Dependencies = %+v, want sorted by name", r.Dependencies)
	}

	modelUp.Store(false)
	waitFor(t, func() bool { return !model.IsReady() })
	if got := m.Report().Status; got != StatusDegraded {
		t.Errorf("Status with optional dependency down = %q, want degraded", got)
	}
}

func TestManager_ReportCriticalDown(t *testing.T) {
	m := NewManager(nil)
	defer m.Stop()

	b := testBackoff()
	b.MaxRetries = 1
	w := m.Watch(context.Background(), Dependency{
		Name:     "store",
		Critical: true,
		Probe:    func(context.Context) error { return errors.New("401 unauthorized") },
		Backoff:  b,
	})
	waitFor(t, func() bool { return w.Status().LastError != "" })

	if got := m.Report().Status; got != StatusDown {
		t.Errorf("Status = %q, want down", got)
	}
}

func TestManager_WatchPanicsOnBadConfig(t *testing.T) {
	m := NewManager(nil)
	for _, dep := range []Dependency{
		{Probe: func(context.Context) error { return nil }},
		{Name: "store"},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Watch(%+v) should panic", dep)
				}
			}()
			m.Watch(context.Background(), dep)
		}()
	}
}
