package channel

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/CorvidComms/roost/models"
)

// SDKVersion is reported in every registration payload.
const SDKVersion = "1.4.2"

// Extender contributes fields to a registration payload. Extenders run in
// registration order every time a payload is built; each receives the
// payload produced by its predecessors and returns the extended one.
type Extender interface {
	Extend(ctx context.Context, payload models.ChannelPayload) (models.ChannelPayload, error)
}

// ExtenderFunc adapts an immediate function to the Extender interface for
// contributors that never block.
type ExtenderFunc func(payload models.ChannelPayload) models.ChannelPayload

func (f ExtenderFunc) Extend(_ context.Context, payload models.ChannelPayload) (models.ChannelPayload, error) {
	return f(payload), nil
}

type registeredExtender struct {
	id       uint64
	extender Extender
}

// PayloadBuilder runs the extender pipeline. Registration order is
// preserved; removal is by the handle returned from Register.
type PayloadBuilder struct {
	mu        sync.Mutex
	nextID    uint64
	extenders []registeredExtender
}

func NewPayloadBuilder() *PayloadBuilder {
	return &PayloadBuilder{}
}

// Register appends an extender to the pipeline and returns a function
// that removes it again.
func (b *PayloadBuilder) Register(extender Extender) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.extenders = append(b.extenders, registeredExtender{id: id, extender: extender})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, reg := range b.extenders {
			if reg.id == id {
				b.extenders = append(b.extenders[:i], b.extenders[i+1:]...)
				return
			}
		}
	}
}

// Build runs the pipeline over the base payload.
func (b *PayloadBuilder) Build(ctx context.Context, base models.ChannelPayload) (models.ChannelPayload, error) {
	b.mu.Lock()
	pipeline := make([]registeredExtender, len(b.extenders))
	copy(pipeline, b.extenders)
	b.mu.Unlock()

	payload := base
	for _, reg := range pipeline {
		var err error
		payload, err = reg.extender.Extend(ctx, payload)
		if err != nil {
			return models.ChannelPayload{}, err
		}
	}
	return payload, nil
}

// deviceDefaults fills fields the process can derive on its own, leaving
// anything already contributed alone.
func deviceDefaults(payload models.ChannelPayload) models.ChannelPayload {
	if payload.Timezone == "" {
		payload.Timezone = time.Now().Location().String()
	}
	if payload.SDKVersion == "" {
		payload.SDKVersion = SDKVersion
	}
	if payload.DeviceModel == "" {
		payload.DeviceModel = runtime.GOOS + "/" + runtime.GOARCH
	}
	return payload
}
