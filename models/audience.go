package models

import (
	"encoding/json"

	"github.com/CorvidComms/roost/audience"
)

// TagDelta is the batch tag section: collapsed add/remove/set maps keyed
// by tag group.
type TagDelta struct {
	Add    map[string][]string `json:"add,omitempty"`
	Remove map[string][]string `json:"remove,omitempty"`
	Set    map[string][]string `json:"set,omitempty"`
}

// AudienceBatch is one batch update request body. Every section is
// optional and omitted entirely when empty; a batch with no sections is
// never sent.
type AudienceBatch struct {
	Tags          *TagDelta                       `json:"tags,omitempty"`
	Attributes    []audience.AttributeMutation    `json:"attributes,omitempty"`
	Subscriptions []audience.SubscriptionMutation `json:"subscription_lists,omitempty"`

	// Extra carries opaque mutation lists contributed by extensions the
	// engine does not interpret.
	Extra map[string][]json.RawMessage `json:"extra,omitempty"`
}

// IsEmpty reports whether the batch carries nothing worth sending.
func (b AudienceBatch) IsEmpty() bool {
	return b.Tags == nil && len(b.Attributes) == 0 && len(b.Subscriptions) == 0 && len(b.Extra) == 0
}

// BatchFromMutations assembles a batch body from collapsed mutation
// lists. Tag mutations merge into one delta section; add/remove/set maps
// from separate collapsed units never overlap by construction.
func BatchFromMutations(
	tags []audience.TagMutation,
	attributes []audience.AttributeMutation,
	subscriptions []audience.SubscriptionMutation,
) AudienceBatch {
	batch := AudienceBatch{
		Attributes:    attributes,
		Subscriptions: subscriptions,
	}

	if len(tags) > 0 {
		delta := &TagDelta{}
		for _, m := range tags {
			for group, list := range m.Add {
				if delta.Add == nil {
					delta.Add = map[string][]string{}
				}
				delta.Add[group] = list
			}
			for group, list := range m.Remove {
				if delta.Remove == nil {
					delta.Remove = map[string][]string{}
				}
				delta.Remove[group] = list
			}
			for group, list := range m.Set {
				if delta.Set == nil {
					delta.Set = map[string][]string{}
				}
				delta.Set[group] = list
			}
		}
		if delta.Add != nil || delta.Remove != nil || delta.Set != nil {
			batch.Tags = delta
		}
	}

	return batch
}
