package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/freedm-dgi/broker/pkg/broker/logging"
)

// TestMain checks that every Run goroutine started in this package's tests
// has exited by the time the package's tests finish, the same leak check
// the teacher ran around its own concurrent commit protocol tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegisterModuleRejectedAfterStart(t *testing.T) {
	b := New(logging.New(nil))
	require.NoError(t, b.RegisterModule("a", 10*time.Millisecond, nil))

	go b.Run()
	defer func() {
		b.Stop()
		<-b.Done()
	}()

	// Give the loop a moment to flip started.
	time.Sleep(20 * time.Millisecond)
	err := b.RegisterModule("b", 10*time.Millisecond, nil)
	assert.ErrorIs(t, err, errAlreadyStarted)
}

func TestScheduleRunsJobOnActiveModule(t *testing.T) {
	b := New(logging.New(nil))
	require.NoError(t, b.RegisterModule("only", 50*time.Millisecond, nil))

	var mu sync.Mutex
	ran := false

	go b.Run()
	defer func() {
		b.Stop()
		<-b.Done()
	}()

	b.Schedule("only", func() {
		mu.Lock()
		ran = true
		mu.Unlock()
	}, true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownRunsQuitHooksInRegistrationOrder(t *testing.T) {
	b := New(logging.New(nil))
	var mu sync.Mutex
	var order []string

	require.NoError(t, b.RegisterModule("first", 10*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	}))
	require.NoError(t, b.RegisterModule("second", 10*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	}))

	go b.Run()
	b.Stop()
	<-b.Done()

	assert.Equal(t, []string{"first", "second"}, order)
}

// TestRunRotatesPhasesByEachModulesOwnDuration registers three modules with
// equal, short phaseDurations and checks that consecutive entries into the
// same module's phase are spaced by roughly one full rotation (the sum of
// every module's own duration), not by the fixed AlignmentDuration. This is
// spec.md §4.6's testable property 3.
func TestRunRotatesPhasesByEachModulesOwnDuration(t *testing.T) {
	b := New(logging.New(nil))

	mods := []ModuleID{"A", "B", "C"}
	duration := 30 * time.Millisecond
	for _, m := range mods {
		require.NoError(t, b.RegisterModule(m, duration, nil))
	}

	const samplesPerModule = 3

	var mu sync.Mutex
	entries := map[ModuleID][]time.Time{}

	var record func(mod ModuleID)
	record = func(mod ModuleID) {
		mu.Lock()
		entries[mod] = append(entries[mod], time.Now())
		done := len(entries[mod]) >= samplesPerModule
		mu.Unlock()
		if !done {
			// Re-arm for one phase length: the timer then comes due after
			// mod's own phase has ended and its job waits for mod's next
			// phase. A zero delay would come due while mod is still active
			// and run inline in the same phase.
			b.ScheduleTimer(mod, duration, func() { record(mod) }, false)
		}
	}

	go b.Run()
	defer func() {
		b.Stop()
		<-b.Done()
	}()

	for _, m := range mods {
		mod := m
		b.ScheduleTimer(mod, 0, func() { record(mod) }, false)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range mods {
			if len(entries[m]) < samplesPerModule {
				return false
			}
		}
		return true
	}, 3*time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	fullRotation := duration * time.Duration(len(mods))
	for _, m := range mods {
		times := entries[m]
		for i := 1; i < len(times); i++ {
			gap := times[i].Sub(times[i-1])
			assert.InDelta(t, float64(fullRotation), float64(gap), float64(60*time.Millisecond),
				"module %s: gap between consecutive phase entries should track its own duration summed across the rotation, not AlignmentDuration", m)
		}
	}
}

func TestCancelTimerPreventsFutureFire(t *testing.T) {
	b := New(logging.New(nil))
	require.NoError(t, b.RegisterModule("only", 50*time.Millisecond, nil))

	var mu sync.Mutex
	fired := false

	go b.Run()
	defer func() {
		b.Stop()
		<-b.Done()
	}()

	id := b.ScheduleTimer("only", 20*time.Millisecond, func() {
		mu.Lock()
		fired = true
		mu.Unlock()
	}, false)
	b.CancelTimer(id)

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)
}
