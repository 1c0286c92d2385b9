package audience

/*
	Collapsing reduces an ordered mutation sequence to a minimal equivalent
	one. The engine collapses at enqueue time for the optimistic read path
	and again at upload time over the whole persisted queue, so these
	functions must be pure, deterministic, and total over well-formed input.
*/

// CollapseTags reduces a chronologically ordered tag mutation sequence to
// at most two mutations: one carrying the surviving "set" operations, one
// carrying the surviving add/remove operations.
//
// The scan runs in reverse chronological order. The first "set" seen for a
// group during the scan is the latest one; any add/remove accumulated
// before it (chronologically later edits) is folded into the set so the
// collapsed sequence replays to the same net tag membership. Anything for
// that group encountered afterwards is superseded and dropped. An add
// followed by a remove of the same tag nets to nothing and both vanish; a
// remove followed by an add keeps only the add. Groups that net to nothing
// are dropped entirely.
func CollapseTags(mutations []TagMutation) []TagMutation {
	toAdd := map[string]map[string]struct{}{}
	toRemove := map[string]map[string]struct{}{}
	toSet := map[string]map[string]struct{}{}

	for i := len(mutations) - 1; i >= 0; i-- {
		m := mutations[i]

		for group, tags := range m.Set {
			if _, fixed := toSet[group]; fixed {
				continue
			}
			set := tagSet(tags)
			for t := range toRemove[group] {
				delete(set, t)
			}
			for t := range toAdd[group] {
				set[t] = struct{}{}
			}
			delete(toAdd, group)
			delete(toRemove, group)
			toSet[group] = set
		}

		for group, tags := range m.Add {
			if _, fixed := toSet[group]; fixed {
				continue
			}
			for _, t := range tags {
				// A pending remove is chronologically later; the pair nets
				// to nothing and both sides vanish.
				if _, removed := toRemove[group][t]; removed {
					delete(toRemove[group], t)
					continue
				}
				if toAdd[group] == nil {
					toAdd[group] = map[string]struct{}{}
				}
				toAdd[group][t] = struct{}{}
			}
		}

		for group, tags := range m.Remove {
			if _, fixed := toSet[group]; fixed {
				continue
			}
			for _, t := range tags {
				// A pending add is chronologically later and wins outright;
				// this remove is superseded, the add stays.
				if _, added := toAdd[group][t]; added {
					continue
				}
				if toRemove[group] == nil {
					toRemove[group] = map[string]struct{}{}
				}
				toRemove[group][t] = struct{}{}
			}
		}
	}

	var out []TagMutation
	if len(toSet) > 0 {
		out = append(out, TagMutation{Set: tagLists(toSet, true)})
	}
	adds := tagLists(toAdd, false)
	removes := tagLists(toRemove, false)
	if len(adds) > 0 || len(removes) > 0 {
		out = append(out, TagMutation{Add: adds, Remove: removes})
	}
	return out
}

// CollapseAttributes keeps only the most recent mutation per attribute
// identifier, preserving the original chronological order of the
// survivors.
func CollapseAttributes(mutations []AttributeMutation) []AttributeMutation {
	seen := map[string]struct{}{}
	keep := make([]bool, len(mutations))
	count := 0
	for i := len(mutations) - 1; i >= 0; i-- {
		key := mutations[i].collapseKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keep[i] = true
		count++
	}
	if count == 0 {
		return nil
	}
	out := make([]AttributeMutation, 0, count)
	for i, m := range mutations {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

// CollapseSubscriptions keeps only the most recent mutation per list and
// scope, preserving the original chronological order of the survivors.
func CollapseSubscriptions(mutations []SubscriptionMutation) []SubscriptionMutation {
	seen := map[string]struct{}{}
	keep := make([]bool, len(mutations))
	count := 0
	for i := len(mutations) - 1; i >= 0; i-- {
		key := mutations[i].collapseKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keep[i] = true
		count++
	}
	if count == 0 {
		return nil
	}
	out := make([]SubscriptionMutation, 0, count)
	for i, m := range mutations {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

func tagSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set
}

// tagLists converts working sets back to wire lists. Empty groups are
// dropped for add/remove; a "set" group stays even when empty because an
// explicit empty set clears the group server-side.
func tagLists(groups map[string]map[string]struct{}, keepEmpty bool) map[string][]string {
	out := map[string][]string{}
	for group, set := range groups {
		if len(set) == 0 && !keepEmpty {
			continue
		}
		out[group] = normalizeTags(keys(set))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
