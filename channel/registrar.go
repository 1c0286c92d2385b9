package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CorvidComms/roost/client"
	"github.com/CorvidComms/roost/models"
	"github.com/CorvidComms/roost/store"
)

const (
	channelIDKey = "channel:id"
	snapshotKey  = "channel:registration_snapshot"

	// DefaultReRegistrationInterval is how long a registration stays
	// fresh with no material change before a foregrounded app re-sends it.
	DefaultReRegistrationInterval = 24 * time.Hour
)

// Result is the outcome of one reconcile pass, reported to the external
// scheduler. The registrar performs no internal retries and keeps no
// retry counts.
type Result int

const (
	// ResultSuccess means local and remote state agree; nothing to do.
	ResultSuccess Result = iota
	// ResultNeedsUpdate means the pass succeeded but state moved while it
	// ran; the scheduler should enqueue another pass.
	ResultNeedsUpdate
	// ResultFailed means a retryable failure; the scheduler owns backoff.
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultNeedsUpdate:
		return "needs_update"
	case ResultFailed:
		return "failed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Snapshot is the last payload the registry acknowledged, persisted
// locally. Only a confirmed 2xx response updates it; a location change or
// an identity conflict invalidates it.
type Snapshot struct {
	TimestampMS int64                 `json:"timestamp"`
	Payload     models.ChannelPayload `json:"payload"`
	Location    string                `json:"location"`
}

// ActivityMonitor reports whether the app is currently foregrounded. The
// engine uses it purely as a trigger signal.
type ActivityMonitor interface {
	IsForegrounded() bool
}

// RegistryAPI is the slice of the API client the registrar needs.
type RegistryAPI interface {
	CreateChannel(ctx context.Context, payload models.ChannelPayload) client.RequestResult[models.ChannelCreateResponse]
	UpdateChannel(ctx context.Context, channelID string, payload models.ChannelPayload) client.RequestResult[client.Empty]
	ChannelLocation(channelID string) string
}

type Config struct {
	Logger         *slog.Logger
	Store          store.Store
	API            RegistryAPI
	Activity       ActivityMonitor
	DeviceType     string
	ReRegistration time.Duration
}

// Registrar reconciles the local registration payload against the
// registry: create when unregistered, update when something material
// changed, recover automatically from identity conflicts. Reconcile
// passes must be serialized externally (the dispatcher's conflict policy
// does this); concurrent passes are not safe.
type Registrar struct {
	logger   *slog.Logger
	store    store.Store
	api      RegistryAPI
	activity ActivityMonitor
	builder  *PayloadBuilder

	deviceType     string
	reRegistration time.Duration
	now            func() time.Time
}

func NewRegistrar(config Config) *Registrar {
	if config.ReRegistration == 0 {
		config.ReRegistration = DefaultReRegistrationInterval
	}

	r := &Registrar{
		logger:         config.Logger.WithGroup("registrar"),
		store:          config.Store,
		api:            config.API,
		activity:       config.Activity,
		builder:        NewPayloadBuilder(),
		deviceType:     config.DeviceType,
		reRegistration: config.ReRegistration,
		now:            time.Now,
	}
	r.builder.Register(ExtenderFunc(deviceDefaults))
	return r
}

// Builder exposes the extender pipeline so integrations can contribute
// payload fields.
func (r *Registrar) Builder() *PayloadBuilder {
	return r.builder
}

// ChannelID returns the stored channel identifier, empty when the channel
// has not been created yet or the store cannot be read.
func (r *Registrar) ChannelID() string {
	id, _ := r.channelID()
	return id
}

// channelID separates "not registered yet" from a store read failure. A
// transient read failure must never look like a missing registration; a
// create against the registry is not idempotent.
func (r *Registrar) channelID() (string, error) {
	id, err := r.store.Get(channelIDKey)
	if err != nil {
		var notFound *store.ErrKeyNotFound
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// Reconcile runs one pass of the registration state machine.
func (r *Registrar) Reconcile(ctx context.Context) (Result, error) {
	payload, err := r.buildPayload(ctx)
	if err != nil {
		// Nothing to retry: the local configuration is the problem.
		r.logger.Warn("Payload build failed, skipping registration pass", "error", err)
		return ResultSuccess, nil
	}

	channelID, err := r.channelID()
	if err != nil {
		r.logger.Error("Channel identity read failed", "error", err)
		return ResultFailed, err
	}
	if channelID == "" {
		return r.create(ctx, payload)
	}
	return r.update(ctx, channelID, payload)
}

func (r *Registrar) create(ctx context.Context, payload models.ChannelPayload) (Result, error) {
	result := r.api.CreateChannel(ctx, payload)

	switch {
	case result.Err != nil:
		r.logger.Error("Channel create failed", "error", result.Err)
		return ResultFailed, result.Err
	case result.IsSuccessful():
		channelID := result.Value.ChannelID
		location := result.Value.Location
		if location == "" {
			location = r.api.ChannelLocation(channelID)
		}
		r.logger.Info("Channel created", "channel_id", channelID, "location", location)
		if err := r.store.Set(channelIDKey, channelID); err != nil {
			return ResultFailed, err
		}
		if err := r.storeSnapshot(payload, location); err != nil {
			return ResultFailed, err
		}
		return r.afterSync(ctx, channelID)
	case result.IsServerError() || result.IsTooManyRequests():
		r.logger.Warn("Channel create rejected, will retry", "status", result.Status)
		return ResultFailed, fmt.Errorf("channel create returned status %d", result.Status)
	default:
		// A definitive rejection; retrying the same payload cannot help.
		r.logger.Error("Channel create permanently rejected", "status", result.Status)
		return ResultSuccess, nil
	}
}

func (r *Registrar) update(ctx context.Context, channelID string, payload models.ChannelPayload) (Result, error) {
	snapshot := r.loadSnapshot()
	location := r.api.ChannelLocation(channelID)

	if !r.shouldUpdate(payload, snapshot, location) {
		r.logger.Debug("Registration up to date, skipping", "channel_id", channelID)
		return ResultSuccess, nil
	}

	toSend := payload
	if snapshot != nil && snapshot.Location == location {
		toSend = minimizePayload(payload, &snapshot.Payload)
	}

	result := r.api.UpdateChannel(ctx, channelID, toSend)

	switch {
	case result.Err != nil:
		r.logger.Error("Channel update failed", "channel_id", channelID, "error", result.Err)
		return ResultFailed, result.Err
	case result.IsSuccessful():
		if err := r.storeSnapshot(payload, location); err != nil {
			return ResultFailed, err
		}
		r.logger.Debug("Channel updated", "channel_id", channelID)
		return r.afterSync(ctx, channelID)
	case result.IsConflict():
		// The identifier is no longer ours. Reset identity and self-heal
		// through a fresh create.
		r.logger.Warn("Channel identity conflict, re-creating", "channel_id", channelID)
		if err := r.clearIdentity(); err != nil {
			return ResultFailed, err
		}
		return r.create(ctx, payload)
	case result.IsServerError() || result.IsTooManyRequests():
		r.logger.Warn("Channel update rejected, will retry", "channel_id", channelID, "status", result.Status)
		return ResultFailed, fmt.Errorf("channel update returned status %d", result.Status)
	default:
		r.logger.Error("Channel update permanently rejected", "channel_id", channelID, "status", result.Status)
		return ResultSuccess, nil
	}
}

// afterSync re-evaluates freshness against the now-current state. If
// local state moved while the request was in flight the scheduler gets a
// NeedsUpdate instead of this pass looping synchronously.
func (r *Registrar) afterSync(ctx context.Context, channelID string) (Result, error) {
	payload, err := r.buildPayload(ctx)
	if err != nil {
		return ResultSuccess, nil
	}
	if r.shouldUpdate(payload, r.loadSnapshot(), r.api.ChannelLocation(channelID)) {
		return ResultNeedsUpdate, nil
	}
	return ResultSuccess, nil
}

func (r *Registrar) shouldUpdate(payload models.ChannelPayload, snapshot *Snapshot, location string) bool {
	if snapshot == nil {
		return true
	}
	if snapshot.Location != location {
		return true
	}

	elapsed := r.now().Sub(time.UnixMilli(snapshot.TimestampMS))
	if elapsed < 0 {
		// Clock moved backwards; trust nothing and re-register.
		return true
	}
	if elapsed > r.reRegistration && r.foregrounded() {
		return true
	}

	return !payloadsEqual(payload, snapshot.Payload, true)
}

func (r *Registrar) buildPayload(ctx context.Context) (models.ChannelPayload, error) {
	base := models.ChannelPayload{
		DeviceType: r.deviceType,
		Active:     r.foregrounded(),
	}
	return r.builder.Build(ctx, base)
}

func (r *Registrar) foregrounded() bool {
	return r.activity != nil && r.activity.IsForegrounded()
}

func (r *Registrar) loadSnapshot() *Snapshot {
	var snapshot Snapshot
	found, err := r.store.GetJSON(snapshotKey, &snapshot)
	if err != nil || !found {
		return nil
	}
	return &snapshot
}

func (r *Registrar) storeSnapshot(payload models.ChannelPayload, location string) error {
	return r.store.SetJSON(snapshotKey, Snapshot{
		TimestampMS: r.now().UnixMilli(),
		Payload:     payload,
		Location:    location,
	})
}

func (r *Registrar) clearIdentity() error {
	if err := r.store.Delete(channelIDKey); err != nil {
		return err
	}
	return r.store.Delete(snapshotKey)
}
