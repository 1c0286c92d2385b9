package audience

/*
	Overrides are the net, collapsed effect of audience mutations that the
	server has not confirmed yet. Read APIs layer them over the last known
	server state so local edits are visible immediately, before the upload
	round-trip completes.
*/

// Overrides holds the collapsed net mutation set for one channel.
type Overrides struct {
	Tags          []TagMutation          `json:"tags,omitempty"`
	Attributes    []AttributeMutation    `json:"attributes,omitempty"`
	Subscriptions []SubscriptionMutation `json:"subscriptions,omitempty"`
}

// IsEmpty reports whether the overrides carry no changes.
func (o Overrides) IsEmpty() bool {
	return len(o.Tags) == 0 && len(o.Attributes) == 0 && len(o.Subscriptions) == 0
}

// ApplyTags replays tag mutations over a group-to-tags membership map and
// returns the resulting membership. The input map is not modified.
func ApplyTags(current map[string][]string, mutations []TagMutation) map[string][]string {
	working := make(map[string]map[string]struct{}, len(current))
	for group, tags := range current {
		working[group] = tagSet(tags)
	}

	for _, m := range mutations {
		for group, tags := range m.Set {
			working[group] = tagSet(tags)
		}
		for group, tags := range m.Add {
			if working[group] == nil {
				working[group] = map[string]struct{}{}
			}
			for _, t := range tags {
				working[group][t] = struct{}{}
			}
		}
		for group, tags := range m.Remove {
			for _, t := range tags {
				delete(working[group], t)
			}
		}
	}

	out := make(map[string][]string, len(working))
	for group, set := range working {
		if len(set) == 0 {
			continue
		}
		out[group] = normalizeTags(keys(set))
	}
	return out
}
