package models

/*
	Wire payloads for the channel registry API. A channel is registered
	once (POST) and thereafter updated (PUT) with payloads minimized
	against the last acknowledged registration. The registry is
	authoritative; these payloads are hints to be reconciled, never merged
	field by field.
*/

// TagChanges is the delta alternative to a full tag set, sent when the
// registry already holds a known set and only the difference matters.
type TagChanges struct {
	Adds    []string `json:"adds,omitempty"`
	Removes []string `json:"removes,omitempty"`
}

// ChannelPayload is everything the registry needs to register or update a
// channel. Soft demographic fields use omitempty so minimized payloads
// drop them entirely when unchanged.
type ChannelPayload struct {
	DeviceType  string `json:"device_type"`
	PushAddress string `json:"push_address,omitempty"`
	OptIn       bool   `json:"opt_in"`
	Background  bool   `json:"background"`

	// SetTags gates whether the registry should touch tags at all. When
	// true, exactly one of Tags or TagChanges is populated.
	SetTags    bool        `json:"set_tags"`
	Tags       []string    `json:"tags,omitempty"`
	TagChanges *TagChanges `json:"tag_changes,omitempty"`

	LocaleLanguage  string `json:"locale_language,omitempty"`
	LocaleCountry   string `json:"locale_country,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	AppVersion      string `json:"app_version,omitempty"`
	SDKVersion      string `json:"sdk_version,omitempty"`
	DeviceModel     string `json:"device_model,omitempty"`
	APIVersion      int    `json:"api_version,omitempty"`
	Carrier         string `json:"carrier,omitempty"`
	LocationEnabled *bool  `json:"location_settings,omitempty"`

	ContactID   string `json:"contact_id,omitempty"`
	NamedUserID string `json:"named_user_id,omitempty"`

	// Active reports whether the app was foregrounded when the payload was
	// built. Payload comparison can ignore it so a foreground flip alone
	// never forces a network call.
	Active bool `json:"active"`
}

// ChannelCreateResponse is the registry's answer to a successful create.
type ChannelCreateResponse struct {
	ChannelID string `json:"channel_id"`
	Location  string `json:"location"`
}

// TokenResponse carries a short-lived bearer token for one identity.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in_ms"`
}

// ErrorResponse is the registry's error body shape.
type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}
