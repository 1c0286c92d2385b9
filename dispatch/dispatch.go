package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInitialBackoff = 10 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
)

// Job is one unit of work. A nil return removes the job; an error re-queues
// it with exponential backoff.
type Job func(ctx context.Context) error

type Config struct {
	Logger         *slog.Logger
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type jobState struct {
	name    string
	job     Job
	nextRun time.Time
	backoff time.Duration
	running bool

	// Set when a dispatch arrives while the job is mid-run; the worker
	// swaps it in when the run finishes.
	replacement Job
}

// Dispatcher runs named jobs on a single worker goroutine. Dispatching a
// name that is already queued replaces the queued work, so a burst of
// triggers collapses to one run. Jobs for the same name never overlap.
type Dispatcher struct {
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobState
	wake chan struct{}

	initialBackoff time.Duration
	maxBackoff     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(config Config) *Dispatcher {
	if config.InitialBackoff == 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:         config.Logger.WithGroup("dispatch"),
		jobs:           make(map[string]*jobState),
		wake:           make(chan struct{}, 1),
		initialBackoff: config.InitialBackoff,
		maxBackoff:     config.MaxBackoff,
		ctx:            ctx,
		cancel:         cancel,
	}

	d.wg.Add(1)
	go d.run()

	return d
}

// Dispatch queues the job under the given name for immediate execution.
// If a job with the same name is queued and not yet running it is replaced
// and its backoff discarded. If it is currently running, the new job runs
// after the current run finishes.
func (d *Dispatcher) Dispatch(name string, job Job) {
	d.mu.Lock()
	if state, exists := d.jobs[name]; exists {
		if state.running {
			state.replacement = job
		} else {
			state.job = job
			state.nextRun = time.Now()
			state.backoff = 0
		}
	} else {
		d.jobs[name] = &jobState{
			name:    name,
			job:     job,
			nextRun: time.Now(),
		}
	}
	d.mu.Unlock()

	d.signal()
}

// Stop cancels the worker and waits for any in-flight job to return.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		state, wait := d.next()
		if state == nil {
			select {
			case <-d.ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-d.ctx.Done():
				timer.Stop()
				return
			case <-d.wake:
				timer.Stop()
				continue
			case <-timer.C:
				continue
			}
		}

		d.execute(state)

		select {
		case <-d.ctx.Done():
			return
		default:
		}
	}
}

// next returns the due job marked running, or the soonest wait when
// nothing is due yet.
func (d *Dispatcher) next() (*jobState, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	var soonest time.Duration = -1
	for _, state := range d.jobs {
		if state.running {
			continue
		}
		wait := state.nextRun.Sub(now)
		if wait <= 0 {
			state.running = true
			return state, 0
		}
		if soonest < 0 || wait < soonest {
			soonest = wait
		}
	}
	if soonest < 0 {
		return nil, 0
	}
	return nil, soonest
}

func (d *Dispatcher) execute(state *jobState) {
	err := state.job(d.ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	state.running = false

	if state.replacement != nil {
		state.job = state.replacement
		state.replacement = nil
		state.nextRun = time.Now()
		state.backoff = 0
		d.signal()
		return
	}

	if err == nil {
		delete(d.jobs, state.name)
		return
	}

	if state.backoff == 0 {
		state.backoff = d.initialBackoff
	} else {
		state.backoff *= 2
		if state.backoff > d.maxBackoff {
			state.backoff = d.maxBackoff
		}
	}
	state.nextRun = time.Now().Add(state.backoff)
	d.logger.Warn("Job failed, backing off",
		"job", state.name,
		"backoff", state.backoff,
		"error", err,
	)
	d.signal()
}
