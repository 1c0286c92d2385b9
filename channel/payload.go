package channel

import (
	"reflect"

	"github.com/CorvidComms/roost/models"
)

/*
	Payload comparison and minimization. The registry is authoritative:
	when nothing material changed since the last acknowledged payload the
	engine skips the network call entirely, and when something did change
	it sends only the difference.
*/

// payloadsEqual compares two payloads structurally. With ignoreActive set
// the foreground flag is excluded, so an activity flip alone never makes
// a payload look changed.
func payloadsEqual(a, b models.ChannelPayload, ignoreActive bool) bool {
	if ignoreActive {
		a.Active = false
		b.Active = false
	}
	if !stringSetsEqual(a.Tags, b.Tags) {
		return false
	}
	a.Tags = nil
	b.Tags = nil
	if (a.TagChanges == nil) != (b.TagChanges == nil) {
		return false
	}
	if a.TagChanges != nil {
		if !stringSetsEqual(a.TagChanges.Adds, b.TagChanges.Adds) ||
			!stringSetsEqual(a.TagChanges.Removes, b.TagChanges.Removes) {
			return false
		}
	}
	a.TagChanges = nil
	b.TagChanges = nil
	if (a.LocationEnabled == nil) != (b.LocationEnabled == nil) {
		return false
	}
	if a.LocationEnabled != nil && *a.LocationEnabled != *b.LocationEnabled {
		return false
	}
	a.LocationEnabled = nil
	b.LocationEnabled = nil
	return reflect.DeepEqual(a, b)
}

// minimizePayload reduces current against the last acknowledged payload.
// The named user is always cleared: associations are managed through
// their own flow, never by an update. When both sides carry tags and the
// sets match, tags are omitted; when they differ, a delta replaces the
// full set. Soft demographic fields drop out when unchanged, unless the
// contact association changed, which invalidates any assumption about
// what the registry has on file.
func minimizePayload(current models.ChannelPayload, last *models.ChannelPayload) models.ChannelPayload {
	if last == nil {
		return current
	}

	out := current
	out.NamedUserID = ""

	if last.SetTags && current.SetTags {
		if stringSetsEqual(last.Tags, current.Tags) {
			out.SetTags = false
			out.Tags = nil
		} else {
			out.Tags = nil
			out.TagChanges = tagChanges(last.Tags, current.Tags)
		}
	}

	contactChanged := current.ContactID != "" && current.ContactID != last.ContactID
	if !contactChanged {
		if current.LocaleLanguage == last.LocaleLanguage {
			out.LocaleLanguage = ""
		}
		if current.LocaleCountry == last.LocaleCountry {
			out.LocaleCountry = ""
		}
		if current.Timezone == last.Timezone {
			out.Timezone = ""
		}
		if current.AppVersion == last.AppVersion {
			out.AppVersion = ""
		}
		if current.SDKVersion == last.SDKVersion {
			out.SDKVersion = ""
		}
		if current.DeviceModel == last.DeviceModel {
			out.DeviceModel = ""
		}
		if current.APIVersion == last.APIVersion {
			out.APIVersion = 0
		}
		if current.Carrier == last.Carrier {
			out.Carrier = ""
		}
		if boolPtrEqual(current.LocationEnabled, last.LocationEnabled) {
			out.LocationEnabled = nil
		}
	}

	return out
}

// tagChanges computes the delta turning the last acknowledged tag set
// into the current one.
func tagChanges(last, current []string) *models.TagChanges {
	lastSet := make(map[string]struct{}, len(last))
	for _, t := range last {
		lastSet[t] = struct{}{}
	}
	currentSet := make(map[string]struct{}, len(current))
	for _, t := range current {
		currentSet[t] = struct{}{}
	}

	changes := &models.TagChanges{}
	for _, t := range current {
		if _, ok := lastSet[t]; !ok {
			changes.Adds = append(changes.Adds, t)
		}
	}
	for _, t := range last {
		if _, ok := currentSet[t]; !ok {
			changes.Removes = append(changes.Removes, t)
		}
	}
	return changes
}

func stringSetsEqual(a, b []string) bool {
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

func boolPtrEqual(a, b *bool) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}
