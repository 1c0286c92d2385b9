package pending

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/CorvidComms/roost/audience"
	"github.com/CorvidComms/roost/client"
	"github.com/CorvidComms/roost/models"
	"github.com/CorvidComms/roost/store"
)

const (
	queueKey = "audience:pending_entries"

	// Legacy single-kind stores, migrated once into the unified queue.
	legacyTagsKey          = "audience:legacy_tag_mutations"
	legacyAttributesKey    = "audience:legacy_attribute_mutations"
	legacySubscriptionsKey = "audience:legacy_subscription_mutations"
)

// Entry is one logical local edit: zero or more tag, attribute, and
// subscription mutations applied together. Entries are appended in order
// and popped as a prefix once durably uploaded.
type Entry struct {
	ID            string                          `json:"id"`
	Tags          []audience.TagMutation          `json:"tags,omitempty"`
	Attributes    []audience.AttributeMutation    `json:"attributes,omitempty"`
	Subscriptions []audience.SubscriptionMutation `json:"subscriptions,omitempty"`
}

// Uploader is the batch update call. Satisfied by *client.Client.
type Uploader interface {
	UpdateAudience(ctx context.Context, channelID string, batch models.AudienceBatch) client.RequestResult[client.Empty]
}

// ErrUploadFailed is returned when a batch could not be delivered and the
// queue was left untouched for a later retry.
type ErrUploadFailed struct {
	Status int
	Err    error
}

func (e *ErrUploadFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audience upload failed: %v", e.Err)
	}
	return fmt.Sprintf("audience upload failed with status %d", e.Status)
}

func (e *ErrUploadFailed) Unwrap() error {
	return e.Err
}

type Config struct {
	Logger   *slog.Logger
	Store    store.Store
	Uploader Uploader
}

// Queue is the durable pending-audience queue. The mutex serializes
// appends with the upload's prefix pop so a concurrent enqueue during an
// in-flight upload is never lost nor duplicated; the network call itself
// runs outside the lock.
type Queue struct {
	logger   *slog.Logger
	store    store.Store
	uploader Uploader

	mu        sync.Mutex
	confirmed audience.Overrides
}

func NewQueue(config Config) (*Queue, error) {
	q := &Queue{
		logger:   config.Logger.WithGroup("pending"),
		store:    config.Store,
		uploader: config.Uploader,
	}
	if err := q.migrateLegacyStores(); err != nil {
		return nil, err
	}
	return q, nil
}

// Add appends one pending entry. A call with nothing in it is a no-op.
func (q *Queue) Add(
	tags []audience.TagMutation,
	attributes []audience.AttributeMutation,
	subscriptions []audience.SubscriptionMutation,
) error {
	if len(tags) == 0 && len(attributes) == 0 && len(subscriptions) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.readEntries()
	if err != nil {
		return err
	}
	entries = append(entries, Entry{
		ID:            uuid.New().String(),
		Tags:          tags,
		Attributes:    attributes,
		Subscriptions: subscriptions,
	})
	return q.writeEntries(entries)
}

// Upload merges everything currently queued into one collapsed batch and
// sends it. Success and definitive client rejection both pop the uploaded
// prefix; server errors, rate limiting, and transport failures leave the
// queue untouched and return ErrUploadFailed so the scheduler retries.
func (q *Queue) Upload(ctx context.Context, channelID string) error {
	if channelID == "" {
		return fmt.Errorf("channelID must be set")
	}

	q.mu.Lock()
	snapshot, err := q.readEntries()
	q.mu.Unlock()
	if err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}

	tags, attributes, subscriptions := collapseEntries(snapshot)

	if len(tags) == 0 && len(attributes) == 0 && len(subscriptions) == 0 {
		// The whole prefix nets to a no-op; nothing to send.
		q.logger.Debug("Pending entries collapsed to nothing, dropping", "entries", len(snapshot))
		return q.popPrefix(snapshot)
	}

	batch := models.BatchFromMutations(tags, attributes, subscriptions)
	result := q.uploader.UpdateAudience(ctx, channelID, batch)

	switch {
	case result.Err != nil:
		return &ErrUploadFailed{Err: result.Err}
	case result.IsSuccessful():
		q.logger.Debug("Audience batch accepted", "status", result.Status, "entries", len(snapshot))
	case result.IsTooManyRequests():
		return &ErrUploadFailed{Status: result.Status}
	case result.IsClientError():
		// Permanently rejected; retrying the same batch can never succeed.
		q.logger.Warn("Audience batch rejected by registry, dropping", "status", result.Status, "entries", len(snapshot))
	default:
		return &ErrUploadFailed{Status: result.Status}
	}

	if err := q.popPrefix(snapshot); err != nil {
		return err
	}

	q.mu.Lock()
	q.confirmed = mergeOverrides(q.confirmed, tags, attributes, subscriptions)
	q.mu.Unlock()
	return nil
}

// Overrides returns the collapsed net effect of everything currently
// queued. It recomputes from the persisted queue on every call so readers
// always observe the latest local edits.
func (q *Queue) Overrides() (audience.Overrides, error) {
	q.mu.Lock()
	entries, err := q.readEntries()
	q.mu.Unlock()
	if err != nil {
		return audience.Overrides{}, err
	}
	tags, attributes, subscriptions := collapseEntries(entries)
	return audience.Overrides{
		Tags:          tags,
		Attributes:    attributes,
		Subscriptions: subscriptions,
	}, nil
}

// ConfirmedOverrides returns the net effect of batches the registry has
// accepted during this process lifetime. Readers treat these as
// acknowledged but possibly stale until the next full channel fetch.
func (q *Queue) ConfirmedOverrides() audience.Overrides {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.confirmed
}

// ResetConfirmed drops the confirmed override window, typically after a
// fresh authoritative channel fetch replaces it.
func (q *Queue) ResetConfirmed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.confirmed = audience.Overrides{}
}

// Clear drops every queued entry without uploading. Used when the owning
// identity is reset or rotated.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.confirmed = audience.Overrides{}
	return q.store.Delete(queueKey)
}

func (q *Queue) readEntries() ([]Entry, error) {
	var entries []Entry
	if _, err := q.store.GetJSON(queueKey, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (q *Queue) writeEntries(entries []Entry) error {
	if len(entries) == 0 {
		return q.store.Delete(queueKey)
	}
	return q.store.SetJSON(queueKey, entries)
}

// popPrefix removes the uploaded snapshot from the front of the queue,
// matching entry by entry so anything appended during the network call
// survives.
func (q *Queue) popPrefix(snapshot []Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.readEntries()
	if err != nil {
		return err
	}

	matched := 0
	for matched < len(snapshot) && matched < len(entries) {
		if entries[matched].ID != snapshot[matched].ID {
			break
		}
		matched++
	}
	if matched != len(snapshot) {
		// The queue no longer starts with what we uploaded (a concurrent
		// Clear, most likely). Nothing safe to pop.
		q.logger.Warn("Uploaded prefix no longer at queue head, skipping pop", "expected", len(snapshot), "matched", matched)
		return nil
	}
	return q.writeEntries(entries[matched:])
}

func (q *Queue) migrateLegacyStores() error {
	var (
		tags          []audience.TagMutation
		attributes    []audience.AttributeMutation
		subscriptions []audience.SubscriptionMutation
	)

	foundTags, err := q.store.GetJSON(legacyTagsKey, &tags)
	if err != nil {
		return err
	}
	foundAttributes, err := q.store.GetJSON(legacyAttributesKey, &attributes)
	if err != nil {
		return err
	}
	foundSubscriptions, err := q.store.GetJSON(legacySubscriptionsKey, &subscriptions)
	if err != nil {
		return err
	}
	if !foundTags && !foundAttributes && !foundSubscriptions {
		return nil
	}

	q.logger.Info("Migrating legacy audience stores into unified queue",
		"tags", len(tags), "attributes", len(attributes), "subscriptions", len(subscriptions))

	if err := q.Add(tags, attributes, subscriptions); err != nil {
		return err
	}
	for _, key := range []string{legacyTagsKey, legacyAttributesKey, legacySubscriptionsKey} {
		if err := q.store.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// collapseEntries flattens all entries into per-kind lists and collapses
// each with the shared collapsing rules.
func collapseEntries(entries []Entry) (
	[]audience.TagMutation,
	[]audience.AttributeMutation,
	[]audience.SubscriptionMutation,
) {
	var (
		tags          []audience.TagMutation
		attributes    []audience.AttributeMutation
		subscriptions []audience.SubscriptionMutation
	)
	for _, e := range entries {
		tags = append(tags, e.Tags...)
		attributes = append(attributes, e.Attributes...)
		subscriptions = append(subscriptions, e.Subscriptions...)
	}
	return audience.CollapseTags(tags),
		audience.CollapseAttributes(attributes),
		audience.CollapseSubscriptions(subscriptions)
}

func mergeOverrides(
	confirmed audience.Overrides,
	tags []audience.TagMutation,
	attributes []audience.AttributeMutation,
	subscriptions []audience.SubscriptionMutation,
) audience.Overrides {
	return audience.Overrides{
		Tags:          audience.CollapseTags(append(confirmed.Tags, tags...)),
		Attributes:    audience.CollapseAttributes(append(confirmed.Attributes, attributes...)),
		Subscriptions: audience.CollapseSubscriptions(append(confirmed.Subscriptions, subscriptions...)),
	}
}
