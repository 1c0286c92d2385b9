package roost

import (
	"context"
	"log/slog"
	"time"

	"github.com/CorvidComms/roost/channel"
	"github.com/CorvidComms/roost/dispatch"
	"github.com/CorvidComms/roost/pending"
)

const syncJobName = "channel_sync"

type Config struct {
	Logger    *slog.Logger
	Registrar *channel.Registrar
	Queue     *pending.Queue

	// Dispatcher backoff for failed sync passes.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Engine ties the registrar and the pending queue to a dispatcher. All
// sync work funnels through one named job, so a burst of triggers
// collapses into a single pass, passes never overlap, and a failed pass
// retries with the dispatcher's backoff rather than a loop of its own.
type Engine struct {
	logger     *slog.Logger
	registrar  *channel.Registrar
	queue      *pending.Queue
	dispatcher *dispatch.Dispatcher
}

func New(config Config) *Engine {
	return &Engine{
		logger:    config.Logger.WithGroup("engine"),
		registrar: config.Registrar,
		queue:     config.Queue,
		dispatcher: dispatch.NewDispatcher(dispatch.Config{
			Logger:         config.Logger,
			InitialBackoff: config.InitialBackoff,
			MaxBackoff:     config.MaxBackoff,
		}),
	}
}

// Registrar exposes the reconciler, primarily for its extender pipeline
// and channel identity accessor.
func (e *Engine) Registrar() *channel.Registrar {
	return e.registrar
}

// Queue exposes the pending audience queue for enqueueing edits and
// reading overrides.
func (e *Engine) Queue() *pending.Queue {
	return e.queue
}

// TriggerSync schedules a sync pass in the background. Safe to call from
// any goroutine and as often as state changes; pending triggers collapse.
func (e *Engine) TriggerSync() {
	e.dispatcher.Dispatch(syncJobName, e.sync)
}

// OnForeground is the activity hook: a foreground transition makes the
// registration freshness window worth re-checking.
func (e *Engine) OnForeground() {
	e.TriggerSync()
}

// SyncNow runs one sync pass through the dispatcher and reports its
// outcome. The pass is not re-queued on failure; retry stays with the
// caller.
func (e *Engine) SyncNow(ctx context.Context) error {
	done := make(chan error, 1)
	e.dispatcher.Dispatch(syncJobName, func(jobCtx context.Context) error {
		done <- e.sync(jobCtx)
		return nil
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sync is the job body: reconcile the registration, then drain the
// pending queue. Either stage failing fails the pass as a whole.
func (e *Engine) sync(ctx context.Context) error {
	result, err := e.registrar.Reconcile(ctx)
	if err != nil {
		return err
	}
	if result == channel.ResultNeedsUpdate {
		// State moved during the pass; queue another instead of looping.
		e.TriggerSync()
	}

	channelID := e.registrar.ChannelID()
	if channelID == "" {
		e.logger.Debug("Channel not registered, audience upload skipped")
		return nil
	}
	return e.queue.Upload(ctx, channelID)
}

// Close stops the dispatcher, waiting for an in-flight pass to finish.
func (e *Engine) Close() {
	e.dispatcher.Stop()
}
