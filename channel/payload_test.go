package channel

import (
	"testing"

	"github.com/CorvidComms/roost/models"
)

func fullPayload() models.ChannelPayload {
	locationEnabled := true
	return models.ChannelPayload{
		DeviceType:      "terminal",
		PushAddress:     "push-addr-1",
		OptIn:           true,
		Background:      true,
		SetTags:         true,
		Tags:            []string{"a", "b"},
		LocaleLanguage:  "en",
		LocaleCountry:   "US",
		Timezone:        "America/Chicago",
		AppVersion:      "2.0.1",
		SDKVersion:      SDKVersion,
		DeviceModel:     "linux/amd64",
		APIVersion:      3,
		Carrier:         "acme",
		LocationEnabled: &locationEnabled,
		ContactID:       "contact-1",
		NamedUserID:     "user-1",
		Active:          true,
	}
}

func TestPayloadsEqual_IgnoreActive(t *testing.T) {
	a := fullPayload()
	b := fullPayload()
	b.Active = false

	if payloadsEqual(a, b, false) {
		t.Error("payloads differing in Active must not compare equal strictly")
	}
	if !payloadsEqual(a, b, true) {
		t.Error("payloads differing only in Active must compare equal when ignoring it")
	}
}

func TestPayloadsEqual_TagOrderIrrelevant(t *testing.T) {
	a := fullPayload()
	b := fullPayload()
	b.Tags = []string{"b", "a"}

	if !payloadsEqual(a, b, false) {
		t.Error("tag order must not affect payload equality")
	}
}

func TestMinimize_NoChanges(t *testing.T) {
	p := fullPayload()
	got := minimizePayload(p, &p)

	if got.NamedUserID != "" {
		t.Error("minimized payload must clear the named user")
	}
	if got.SetTags || got.Tags != nil || got.TagChanges != nil {
		t.Errorf("identical tag sets must be omitted entirely, got setTags=%v tags=%v changes=%v",
			got.SetTags, got.Tags, got.TagChanges)
	}
	// Soft demographic fields drop out when unchanged.
	if got.LocaleLanguage != "" || got.LocaleCountry != "" || got.Timezone != "" ||
		got.AppVersion != "" || got.SDKVersion != "" || got.DeviceModel != "" ||
		got.APIVersion != 0 || got.Carrier != "" || got.LocationEnabled != nil {
		t.Errorf("unchanged soft fields must be omitted, got %+v", got)
	}
	// Identity fields survive untouched.
	if got.DeviceType != p.DeviceType || got.PushAddress != p.PushAddress ||
		got.OptIn != p.OptIn || got.Background != p.Background || got.ContactID != p.ContactID {
		t.Errorf("identity fields must survive minimization, got %+v", got)
	}
}

func TestMinimize_NilLastIsFullPayload(t *testing.T) {
	p := fullPayload()
	got := minimizePayload(p, nil)
	if !payloadsEqual(got, p, false) {
		t.Errorf("minimizing against nothing must return the full payload, got %+v", got)
	}
}

func TestMinimize_TagDelta(t *testing.T) {
	last := fullPayload()
	current := fullPayload()
	current.Tags = []string{"b", "c"}

	got := minimizePayload(current, &last)
	if !got.SetTags {
		t.Error("differing tag sets keep set_tags")
	}
	if got.Tags != nil {
		t.Errorf("differing tag sets send a delta, not the full set, got %v", got.Tags)
	}
	if got.TagChanges == nil {
		t.Fatal("expected tag changes")
	}
	if !stringSetsEqual(got.TagChanges.Adds, []string{"c"}) {
		t.Errorf("adds = %v, want [c]", got.TagChanges.Adds)
	}
	if !stringSetsEqual(got.TagChanges.Removes, []string{"a"}) {
		t.Errorf("removes = %v, want [a]", got.TagChanges.Removes)
	}
}

func TestMinimize_LastNotSettingTags(t *testing.T) {
	last := fullPayload()
	last.SetTags = false
	last.Tags = nil
	current := fullPayload()

	got := minimizePayload(current, &last)
	if !got.SetTags || !stringSetsEqual(got.Tags, current.Tags) {
		t.Errorf("full tag set must be sent when the last payload did not set tags, got %+v", got)
	}
}

func TestMinimize_SoftFieldsResentOnContactChange(t *testing.T) {
	last := fullPayload()
	current := fullPayload()
	current.ContactID = "contact-2"

	got := minimizePayload(current, &last)
	if got.LocaleLanguage == "" || got.Timezone == "" || got.DeviceModel == "" ||
		got.APIVersion == 0 || got.LocationEnabled == nil {
		t.Errorf("a changed contact association must resend all soft fields, got %+v", got)
	}
}

func TestMinimize_ChangedSoftFieldSurvives(t *testing.T) {
	last := fullPayload()
	current := fullPayload()
	current.Timezone = "Europe/Berlin"

	got := minimizePayload(current, &last)
	if got.Timezone != "Europe/Berlin" {
		t.Errorf("changed timezone must survive minimization, got %q", got.Timezone)
	}
	if got.LocaleLanguage != "" {
		t.Errorf("unchanged locale must still be omitted, got %q", got.LocaleLanguage)
	}
}
