package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CorvidComms/roost/client"
	"github.com/CorvidComms/roost/models"
	"github.com/CorvidComms/roost/store"
)

type fakeActivity struct {
	foreground bool
}

func (f *fakeActivity) IsForegrounded() bool { return f.foreground }

type fakeAPI struct {
	createResults []client.RequestResult[models.ChannelCreateResponse]
	updateResults []client.RequestResult[client.Empty]

	createPayloads []models.ChannelPayload
	updatePayloads []models.ChannelPayload

	location string
}

func (f *fakeAPI) CreateChannel(ctx context.Context, payload models.ChannelPayload) client.RequestResult[models.ChannelCreateResponse] {
	f.createPayloads = append(f.createPayloads, payload)
	if len(f.createResults) == 0 {
		return client.RequestResult[models.ChannelCreateResponse]{Status: http.StatusInternalServerError}
	}
	result := f.createResults[0]
	f.createResults = f.createResults[1:]
	return result
}

func (f *fakeAPI) UpdateChannel(ctx context.Context, channelID string, payload models.ChannelPayload) client.RequestResult[client.Empty] {
	f.updatePayloads = append(f.updatePayloads, payload)
	if len(f.updateResults) == 0 {
		return client.RequestResult[client.Empty]{Status: http.StatusOK}
	}
	result := f.updateResults[0]
	f.updateResults = f.updateResults[1:]
	return result
}

func (f *fakeAPI) ChannelLocation(channelID string) string {
	return f.location + "/api/channels/" + channelID
}

func created(channelID string) client.RequestResult[models.ChannelCreateResponse] {
	return client.RequestResult[models.ChannelCreateResponse]{
		Status: http.StatusCreated,
		Value:  &models.ChannelCreateResponse{ChannelID: channelID},
	}
}

type registrarFixture struct {
	registrar *Registrar
	api       *fakeAPI
	activity  *fakeActivity
	store     store.Store
	dir       string
	clock     time.Time
}

func (f *registrarFixture) Cleanup() {
	f.store.Close()
	os.RemoveAll(f.dir)
}

func (f *registrarFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func newRegistrarFixture(t *testing.T) *registrarFixture {
	t.Helper()
	dir, err := os.MkdirTemp(os.TempDir(), "roost_channel_test_*")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := store.Open(store.Config{Logger: logger, Directory: dir})
	require.NoError(t, err)

	api := &fakeAPI{location: "https://device.test"}
	activity := &fakeActivity{foreground: true}
	registrar := NewRegistrar(Config{
		Logger:     logger,
		Store:      s,
		API:        api,
		Activity:   activity,
		DeviceType: "terminal",
	})

	f := &registrarFixture{
		registrar: registrar,
		api:       api,
		activity:  activity,
		store:     s,
		dir:       dir,
		clock:     time.UnixMilli(1_700_000_000_000),
	}
	registrar.now = func() time.Time { return f.clock }
	return f
}

func TestRegistrar_CreateOnFirstReconcile(t *testing.T) {
	f := newRegistrarFixture(t)
	defer f.Cleanup()

	f.api.createResults = []client.RequestResult[models.ChannelCreateResponse]{created("chan-1")}

	result, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)
	require.Equal(t, "chan-1", f.registrar.ChannelID())
	require.Len(t, f.api.createPayloads, 1)

	// The defaults extender filled derivable fields.
	sent := f.api.createPayloads[0]
	require.Equal(t, "terminal", sent.DeviceType)
	require.Equal(t, SDKVersion, sent.SDKVersion)
	require.NotEmpty(t, sent.Timezone)
}

func TestRegistrar_SecondReconcileSkipsNetwork(t *testing.T) {
	f := newRegistrarFixture(t)
	defer f.Cleanup()

	f.api.createResults = []client.RequestResult[models.ChannelCreateResponse]{created("chan-1")}
	_, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)

	result, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)
	require.Empty(t, f.api.updatePayloads, "an unchanged registration must not hit the network")
}

func TestRegistrar_ActivityFlipAloneDoesNotUpdate(t *testing.T) {
	f := newRegistrarFixture(t)
	defer f.Cleanup()

	f.api.createResults = []client.RequestResult[models.ChannelCreateResponse]{created("chan-1")}
	_, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)

	f.activity.foreground = false
	result, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)
	require.Empty(t, f.api.updatePayloads)
}

func TestRegistrar_ChangedPayloadSendsMinimizedUpdate(t *testing.T) {
	f := newRegistrarFixture(t)
	defer f.Cleanup()

	f.api.createResults = []client.RequestResult[models.ChannelCreateResponse]{created("chan-1")}
	_, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)

	remove := f.registrar.Builder().Register(ExtenderFunc(func(p models.ChannelPayload) models.ChannelPayload {
		p.PushAddress = "push-addr-2"
		return p
	}))
	defer remove()

	result, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)
	require.Len(t, f.api.updatePayloads, 1)

	sent := f.api.updatePayloads[0]
	require.Equal(t, "push-addr-2", sent.PushAddress)
	// Unchanged soft fields were minimized away.
	require.Empty(t, sent.Timezone)
	require.Empty(t, sent.SDKVersion)
}

func TestRegistrar_ConflictClearsIdentityAndRecreates(t *testing.T) {
	f := newRegistrarFixture(t)
	defer f.Cleanup()

	f.api.createResults = []client.RequestResult[models.ChannelCreateResponse]{created("chan-1"), created("chan-2")}
	_, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)

	remove := f.registrar.Builder().Register(ExtenderFunc(func(p models.ChannelPayload) models.ChannelPayload {
		p.PushAddress = "push-addr-2"
		return p
	}))
	defer remove()

	f.api.updateResults = []client.RequestResult[client.Empty]{{Status: http.StatusConflict}}

	result, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)
	require.Equal(t, "chan-2", f.registrar.ChannelID())

	// The recovery create carried the full, non-minimized payload.
	require.Len(t, f.api.createPayloads, 2)
	require.Equal(t, "push-addr-2", f.api.createPayloads[1].PushAddress)
	require.NotEmpty(t, f.api.createPayloads[1].SDKVersion)
}

func TestRegistrar_ConflictWithFailedRecreateLeavesUnregistered(t *testing.T) {
	f := newRegistrarFixture(t)
	defer f.Cleanup()

	f.api.createResults = []client.RequestResult[models.ChannelCreateResponse]{created("chan-1")}
	_, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)

	remove := f.registrar.Builder().Register(ExtenderFunc(func(p models.ChannelPayload) models.ChannelPayload {
		p.PushAddress = "push-addr-2"
		return p
	}))
	defer remove()

	// 409 on update, then the recovery create hits a 500.
	f.api.updateResults = []client.RequestResult[client.Empty]{{Status: http.StatusConflict}}

	result, err := f.registrar.Reconcile(context.Background())
	require.Error(t, err)
	require.Equal(t, ResultFailed, result)
	require.Empty(t, f.registrar.ChannelID(), "identity must stay cleared after a failed recovery create")

	// The next pass performs a create, not an update.
	f.api.createResults = []client.RequestResult[models.ChannelCreateResponse]{created("chan-2")}
	updateCalls := len(f.api.updatePayloads)
	result, err = f.registrar.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)
	require.Equal(t, "chan-2", f.registrar.ChannelID())
	require.Len(t, f.api.updatePayloads, updateCalls)
}

func TestRegistrar_LocationChangeForcesFullPayload(t *testing.T) {
	f := newRegistrarFixture(t)
	defer f.Cleanup()

	f.api.createResults = []client.RequestResult[models.ChannelCreateResponse]{created("chan-1")}
	_, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)

	// Environment migration: the registry moved.
	f.api.location = "https://device-eu.test"

	result, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)
	require.Len(t, f.api.updatePayloads, 1)

	// Full payload, not a diff.
	sent := f.api.updatePayloads[0]
	require.NotEmpty(t, sent.SDKVersion)
	require.NotEmpty(t, sent.Timezone)
}

func TestRegistrar_ReRegistrationInterval(t *testing.T) {
	f := newRegistrarFixture(t)
	defer f.Cleanup()

	f.api.createResults = []client.RequestResult[models.ChannelCreateResponse]{created("chan-1")}
	_, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)

	f.advance(25 * time.Hour)

	t.Run("backgrounded app does not re-register", func(t *testing.T) {
		f.activity.foreground = false
		result, err := f.registrar.Reconcile(context.Background())
		require.NoError(t, err)
		require.Equal(t, ResultSuccess, result)
		require.Empty(t, f.api.updatePayloads)
	})

	t.Run("foregrounded app re-registers", func(t *testing.T) {
		f.activity.foreground = true
		result, err := f.registrar.Reconcile(context.Background())
		require.NoError(t, err)
		require.Equal(t, ResultSuccess, result)
		require.Len(t, f.api.updatePayloads, 1)
	})
}

func TestRegistrar_ClockSkewForcesUpdate(t *testing.T) {
	f := newRegistrarFixture(t)
	defer f.Cleanup()

	f.api.createResults = []client.RequestResult[models.ChannelCreateResponse]{created("chan-1")}
	_, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)

	f.advance(-time.Hour)

	result, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, result)
	require.Len(t, f.api.updatePayloads, 1)
}

// faultyStore fails reads of one key, standing in for a transient disk
// failure.
type faultyStore struct {
	store.Store
	failKey string
}

func (f *faultyStore) Get(key string) (string, error) {
	if key == f.failKey {
		return "", fmt.Errorf("simulated read failure for '%s'", key)
	}
	return f.Store.Get(key)
}

func TestRegistrar_StoreFailureDoesNotDuplicateCreate(t *testing.T) {
	f := newRegistrarFixture(t)
	defer f.Cleanup()

	f.api.createResults = []client.RequestResult[models.ChannelCreateResponse]{created("chan-1")}
	_, err := f.registrar.Reconcile(context.Background())
	require.NoError(t, err)

	// Same persisted state, but identity reads now fail.
	broken := NewRegistrar(Config{
		Logger:     slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
		Store:      &faultyStore{Store: f.store, failKey: channelIDKey},
		API:        f.api,
		Activity:   f.activity,
		DeviceType: "terminal",
	})

	result, err := broken.Reconcile(context.Background())
	require.Error(t, err)
	require.Equal(t, ResultFailed, result)
	require.Len(t, f.api.createPayloads, 1, "a store read failure must not provoke a second create")
	require.Empty(t, broken.ChannelID())
}

func TestRegistrar_ServerErrorReportsFailed(t *testing.T) {
	f := newRegistrarFixture(t)
	defer f.Cleanup()

	// No create results queued: the fake answers 500.
	result, err := f.registrar.Reconcile(context.Background())
	require.Error(t, err)
	require.Equal(t, ResultFailed, result)
	require.Empty(t, f.registrar.ChannelID())
}

func TestPayloadBuilder_OrderAndRemoval(t *testing.T) {
	b := NewPayloadBuilder()

	b.Register(ExtenderFunc(func(p models.ChannelPayload) models.ChannelPayload {
		p.Carrier = "first"
		return p
	}))
	removeSecond := b.Register(ExtenderFunc(func(p models.ChannelPayload) models.ChannelPayload {
		p.Carrier = p.Carrier + ",second"
		return p
	}))

	payload, err := b.Build(context.Background(), models.ChannelPayload{})
	require.NoError(t, err)
	require.Equal(t, "first,second", payload.Carrier)

	removeSecond()
	payload, err = b.Build(context.Background(), models.ChannelPayload{})
	require.NoError(t, err)
	require.Equal(t, "first", payload.Carrier)
}

func TestPayloadBuilder_AsyncExtender(t *testing.T) {
	b := NewPayloadBuilder()
	b.Register(asyncExtender{address: "push-addr-9"})

	payload, err := b.Build(context.Background(), models.ChannelPayload{})
	require.NoError(t, err)
	require.Equal(t, "push-addr-9", payload.PushAddress)
}

// asyncExtender resolves its contribution through a channel, the shape a
// push-provider lookup takes.
type asyncExtender struct {
	address string
}

func (a asyncExtender) Extend(ctx context.Context, payload models.ChannelPayload) (models.ChannelPayload, error) {
	done := make(chan string, 1)
	go func() { done <- a.address }()
	select {
	case addr := <-done:
		payload.PushAddress = addr
		return payload, nil
	case <-ctx.Done():
		return payload, ctx.Err()
	}
}
