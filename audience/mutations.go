package audience

import (
	"encoding/json"
	"sort"
	"time"
)

/*
	Audience mutations describe intended changes to a channel's tags,
	attributes, and subscription lists. They are immutable values: editor
	APIs create them, the collapser reduces them, and the pending queue
	persists them until the registry acknowledges the batch.
*/

// AttributeAction is the action of an attribute mutation.
type AttributeAction string

const (
	AttributeActionSet    AttributeAction = "set"
	AttributeActionRemove AttributeAction = "remove"
)

// SubscriptionAction is the action of a subscription list mutation.
type SubscriptionAction string

const (
	SubscriptionActionSubscribe   SubscriptionAction = "subscribe"
	SubscriptionActionUnsubscribe SubscriptionAction = "unsubscribe"
)

// TagMutation is one unit of tag-group changes. A single mutation may carry
// any combination of add, remove, and set maps, keyed by tag group. The
// collapser emits set-only mutations separately from add/remove mutations
// because "set" is transmitted as an independent operation on the wire.
type TagMutation struct {
	Add    map[string][]string `json:"add,omitempty"`
	Remove map[string][]string `json:"remove,omitempty"`
	Set    map[string][]string `json:"set,omitempty"`
}

// NewAddTagsMutation creates a mutation adding tags to a group.
func NewAddTagsMutation(group string, tags []string) TagMutation {
	return TagMutation{Add: map[string][]string{group: normalizeTags(tags)}}
}

// NewRemoveTagsMutation creates a mutation removing tags from a group.
func NewRemoveTagsMutation(group string, tags []string) TagMutation {
	return TagMutation{Remove: map[string][]string{group: normalizeTags(tags)}}
}

// NewSetTagsMutation creates a mutation replacing a group's tags entirely.
// An empty tag list is meaningful: it clears the group on the server.
func NewSetTagsMutation(group string, tags []string) TagMutation {
	return TagMutation{Set: map[string][]string{group: normalizeTags(tags)}}
}

// IsEmpty reports whether the mutation carries no changes at all.
func (m TagMutation) IsEmpty() bool {
	return len(m.Add) == 0 && len(m.Remove) == 0 && len(m.Set) == 0
}

// Equals compares two tag mutations structurally. Tag order within a group
// is not significant.
func (m TagMutation) Equals(other TagMutation) bool {
	return tagMapsEqual(m.Add, other.Add) &&
		tagMapsEqual(m.Remove, other.Remove) &&
		tagMapsEqual(m.Set, other.Set)
}

// AttributeMutation is one attribute edit. Name plus the optional instance
// qualifier identify the attribute; the most recent mutation per identifier
// wins when collapsing.
type AttributeMutation struct {
	Action      AttributeAction `json:"action"`
	Name        string          `json:"key"`
	InstanceID  string          `json:"instance_id,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	TimestampMS int64           `json:"timestamp"`
}

// NewSetAttributeMutation creates a mutation setting an attribute value.
// The value must be JSON-encodable; encoding failures surface at enqueue
// time, not here.
func NewSetAttributeMutation(name string, value json.RawMessage, ts time.Time) AttributeMutation {
	return AttributeMutation{
		Action:      AttributeActionSet,
		Name:        name,
		Value:       value,
		TimestampMS: ts.UnixMilli(),
	}
}

// NewRemoveAttributeMutation creates a mutation removing an attribute.
func NewRemoveAttributeMutation(name string, ts time.Time) AttributeMutation {
	return AttributeMutation{
		Action:      AttributeActionRemove,
		Name:        name,
		TimestampMS: ts.UnixMilli(),
	}
}

// collapseKey identifies the attribute for last-write-wins collapsing.
func (m AttributeMutation) collapseKey() string {
	if m.InstanceID == "" {
		return m.Name
	}
	return m.Name + "#" + m.InstanceID
}

// Equals compares two attribute mutations structurally.
func (m AttributeMutation) Equals(other AttributeMutation) bool {
	return m.Action == other.Action &&
		m.Name == other.Name &&
		m.InstanceID == other.InstanceID &&
		m.TimestampMS == other.TimestampMS &&
		string(m.Value) == string(other.Value)
}

// SubscriptionMutation is one subscription list edit. List ID plus scope
// identify the subscription; the most recent mutation per identifier wins
// when collapsing.
type SubscriptionMutation struct {
	Action      SubscriptionAction `json:"action"`
	ListID      string             `json:"list_id"`
	Scope       string             `json:"scope,omitempty"`
	TimestampMS int64              `json:"timestamp"`
}

// NewSubscriptionMutation creates a subscribe or unsubscribe mutation.
func NewSubscriptionMutation(action SubscriptionAction, listID, scope string, ts time.Time) SubscriptionMutation {
	return SubscriptionMutation{
		Action:      action,
		ListID:      listID,
		Scope:       scope,
		TimestampMS: ts.UnixMilli(),
	}
}

func (m SubscriptionMutation) collapseKey() string {
	return m.ListID + "#" + m.Scope
}

// Equals compares two subscription mutations structurally.
func (m SubscriptionMutation) Equals(other SubscriptionMutation) bool {
	return m == other
}

// normalizeTags trims, dedupes, and sorts a tag list. Empty tags are
// dropped; the result is never nil so JSON keeps an explicit empty list
// for "set" mutations that clear a group.
func normalizeTags(tags []string) []string {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func tagMapsEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for group, tags := range a {
		otherTags, ok := b[group]
		if !ok {
			return false
		}
		if !tagSetsEqual(tags, otherTags) {
			return false
		}
	}
	return true
}

func tagSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, t := range a {
		seen[t] = struct{}{}
	}
	for _, t := range b {
		if _, ok := seen[t]; !ok {
			return false
		}
	}
	return true
}
