// Package scheduler implements the cooperative phase scheduler from spec.md
// §4.6: one event loop, zero algorithm code running concurrently with any
// other algorithm's code, round-robin phases with fixed per-module
// durations. Per spec.md's Design Notes, this replaces the teacher's
// InvokerInstance() singleton: a Broker is constructed and owned explicitly
// by the process, never reached through a package-level accessor.
package scheduler

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/freedm-dgi/broker/pkg/broker/metrics"
	"github.com/freedm-dgi/broker/pkg/broker/types"
)

// errAlreadyStarted is returned by RegisterModule once the loop is running.
var errAlreadyStarted = errors.New("scheduler: cannot register module after Run has started")

// ModuleID names one registered algorithm module.
type ModuleID string

// Job is one unit of work run to completion on the event loop.
type Job func()

// TimerID identifies an armed timer so it can later be cancelled.
type TimerID uint64

// AlignmentDuration is the period of Run's realignment heartbeat, which
// re-arms the phase timer against phaseEnds. It does not advance the phase
// itself: each phase lasts its module's own registered duration.
const AlignmentDuration = 250 * time.Millisecond

type module struct {
	id       ModuleID
	duration time.Duration
	quit     func()
}

type timer struct {
	module   ModuleID
	deadline time.Time
	carry    bool
	job      Job
	cancelled bool
}

// moduleJob pairs a job with the module it belongs to, for callers that
// need to attribute execution (e.g. metrics) after pulling it off a queue.
type moduleJob struct {
	module ModuleID
	job    Job
}

// Broker is the event loop described in spec.md §4.6.
type Broker struct {
	mu sync.Mutex

	log     types.Logger
	metrics *metrics.Metrics

	modules  []module
	ready    map[ModuleID][]Job
	timers   map[TimerID]*timer
	nextID   TimerID

	phase         int
	phaseEnds     time.Time
	lastAlignment time.Time
	stopping      bool
	started       bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New constructs an idle Broker. RegisterModule must be called for every
// module before Run starts the loop.
func New(log types.Logger) *Broker {
	return &Broker{
		log:    log,
		ready:  make(map[ModuleID][]Job),
		timers: make(map[TimerID]*timer),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// RegisterModule appends id to the module list with the given phase
// duration and quit hook, per spec.md §4.6 rule 1. Must be called before
// Run; a call after the loop has started is rejected.
func (b *Broker) RegisterModule(id ModuleID, phaseDuration time.Duration, quit func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errAlreadyStarted
	}
	if quit == nil {
		quit = func() {}
	}
	b.modules = append(b.modules, module{id: id, duration: phaseDuration, quit: quit})
	b.ready[id] = nil
	return nil
}

// Schedule appends job to module's ready queue. If startWorker is true and
// the loop is idle, it is woken immediately (spec.md §4.6 rule 2).
func (b *Broker) Schedule(mod ModuleID, job Job, startWorker bool) {
	b.mu.Lock()
	b.ready[mod] = append(b.ready[mod], job)
	b.mu.Unlock()
	if startWorker {
		b.wakeLoop()
	}
}

// ScheduleTimer arms a timer owned by mod, firing job after delay. carry, if
// true, means a phase change does not cancel the timer (spec.md §4.6 rule
// 3). It returns a TimerID usable with CancelTimer.
func (b *Broker) ScheduleTimer(mod ModuleID, delay time.Duration, job Job, carry bool) TimerID {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.timers[id] = &timer{module: mod, deadline: time.Now().Add(delay), carry: carry, job: job}
	b.mu.Unlock()
	return id
}

// CancelTimer is a best-effort cancel: an already-fired timer whose job is
// on the ready list still runs (spec.md §4.6 rule 4).
func (b *Broker) CancelTimer(id TimerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[id]; ok {
		t.cancelled = true
	}
}

// SetMetrics installs the collectors this Broker updates as it runs phases
// and jobs. m may be left nil (the default), in which case every update is
// a no-op. Must be called before Run starts the loop.
func (b *Broker) SetMetrics(m *metrics.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// TimeRemaining returns max(0, phase_ends - now), per spec.md §4.6 rule 5.
func (b *Broker) TimeRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.phaseEnds.Sub(time.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Broker) wakeLoop() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run starts the event loop and blocks until Stop is called (directly or
// via SIGINT/SIGTERM). It is meant to run on its own goroutine in
// production, but tests may call it synchronously after scheduling a Stop.
func (b *Broker) Run() {
	b.mu.Lock()
	if len(b.modules) == 0 {
		b.mu.Unlock()
		return
	}
	b.started = true
	now := time.Now()
	b.lastAlignment = now
	b.phase = 0
	b.phaseEnds = now.Add(b.modules[0].duration)
	b.mu.Unlock()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	// phaseTimer is the cooperative-phase scheduler's actual driver: it is
	// armed to the active module's own phaseDuration, per spec.md §4.6's
	// testable property 3 ("elapsed wall time between consecutive entries
	// into M's phase is within [sum(d) - eps, ...]"). realign is a fixed
	// AlignmentDuration heartbeat that does not itself advance the phase;
	// it just re-arms phaseTimer against the authoritative phaseEnds
	// deadline, correcting the drift a long chain of timer.Reset calls can
	// accumulate under load.
	phaseTimer := time.NewTimer(b.nextPhaseDelay())
	defer phaseTimer.Stop()
	realign := time.NewTicker(AlignmentDuration)
	defer realign.Stop()

	for {
		select {
		case <-b.quit:
			b.shutdown()
			return
		case <-sig:
			b.shutdown()
			return
		case <-phaseTimer.C:
			b.changePhase()
			phaseTimer.Reset(b.nextPhaseDelay())
		case <-realign.C:
			b.rearm(phaseTimer)
		case <-b.wake:
		}
		b.drainReady()
	}
}

// nextPhaseDelay returns max(0, phaseEnds - now), the duration phaseTimer
// must be armed for to fire exactly at the active module's phase boundary.
func (b *Broker) nextPhaseDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := time.Until(b.phaseEnds)
	if d < 0 {
		d = 0
	}
	return d
}

// rearm re-synchronizes t against the authoritative phaseEnds deadline. It
// never advances the phase itself; it only corrects for clock drift between
// consecutive timer.Reset calls.
func (b *Broker) rearm(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(b.nextPhaseDelay())
}

// Stop posts a stop marker through the loop, per spec.md §4.6 "Shutdown".
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}
	b.stopping = true
	b.mu.Unlock()
	close(b.quit)
}

// Done is closed once the quit hooks have run and the loop has exited.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

func (b *Broker) changePhase() {
	b.mu.Lock()
	now := time.Now()
	overrun := now.Sub(b.phaseEnds)
	b.phase = (b.phase + 1) % len(b.modules)
	b.phaseEnds = now.Add(b.modules[b.phase].duration)
	b.lastAlignment = now
	m := b.metrics

	// Run carry-into-next-round timers that fired during the previous
	// phase; non-carry timers that fired stay queued on their owner.
	var toRun []moduleJob
	for id, t := range b.timers {
		if t.cancelled {
			delete(b.timers, id)
			continue
		}
		if t.carry && !t.deadline.After(now) {
			toRun = append(toRun, moduleJob{module: t.module, job: t.job})
			delete(b.timers, id)
		}
	}
	b.mu.Unlock()

	m.SetPhase(b.phase)
	m.IncPhaseTransition()
	m.ObservePhaseOverrun(overrun)

	for _, mj := range toRun {
		b.runJob(mj.module, mj.job)
	}
	b.wakeLoop()
}

func (b *Broker) drainReady() {
	b.fireDueTimers()

	for {
		b.mu.Lock()
		if b.stopping {
			b.mu.Unlock()
			return
		}
		activeModule := b.modules[b.phase].id
		if time.Now().After(b.phaseEnds) {
			b.mu.Unlock()
			return
		}
		queue := b.ready[activeModule]
		if len(queue) == 0 {
			b.mu.Unlock()
			return
		}
		job := queue[0]
		b.ready[activeModule] = queue[1:]
		b.mu.Unlock()

		b.runJob(activeModule, job)
	}
}

func (b *Broker) fireDueTimers() {
	now := time.Now()
	b.mu.Lock()
	var due []*timer
	for id, t := range b.timers {
		if t.cancelled {
			delete(b.timers, id)
			continue
		}
		if !t.deadline.After(now) {
			due = append(due, t)
			delete(b.timers, id)
		}
	}
	activeModule := b.modules[b.phase].id
	b.mu.Unlock()

	for _, t := range due {
		if t.module == activeModule {
			b.runJob(t.module, t.job)
		} else {
			b.Schedule(t.module, t.job, false)
		}
	}
}

func (b *Broker) runJob(mod ModuleID, job Job) {
	defer func() {
		b.metrics.IncJobsExecuted(string(mod))
		if r := recover(); r != nil {
			b.log.Errorf("scheduler: job panicked: %v", r)
		}
	}()
	job()
}

func (b *Broker) shutdown() {
	b.mu.Lock()
	b.stopping = true
	modules := append([]module(nil), b.modules...)
	b.mu.Unlock()

	for _, m := range modules {
		b.runJob(m.id, m.quit)
	}
	close(b.done)
}
