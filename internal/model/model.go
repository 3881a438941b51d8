package model

import (
	"regexp"
	"strings"
	"time"

	"authsvc/internal/common"
)

// Channel names a way of addressing an account. The set is closed; anything
// outside it fails ParseChannel.
type Channel string

const (
	ChannelUsername Channel = "usernames"
	ChannelEmail    Channel = "emails"
	ChannelPhone    Channel = "phones"
	ChannelFacebook Channel = "facebook"
)

func ParseChannel(raw string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
	case ChannelUsername:
		return ChannelUsername, nil
	case ChannelEmail:
		return ChannelEmail, nil
	case ChannelPhone:
		return ChannelPhone, nil
	case ChannelFacebook:
		return ChannelFacebook, nil
	}
	return "", common.ErrInvalidChannel
}

// Deliverable reports whether one-time passcodes can be sent to addresses
// on this channel.
func (c Channel) Deliverable() bool {
	return c == ChannelEmail || c == ChannelPhone
}

const (
	UserTypeIndividual = "individual"
	UserTypeCompany    = "company"
)

func ValidUserType(t string) bool {
	return t == UserTypeIndividual || t == UserTypeCompany
}

// Built-in groups, created on demand. Higher access level means more
// privilege; administrative surfaces require AccessLevelAdmin or above.
const (
	GroupPublic = "public"
	GroupStaff  = "staff"
	GroupAdmin  = "admin"
	GroupSuper  = "super"

	AccessLevelPublic = 0
	AccessLevelStaff  = 3
	AccessLevelAdmin  = 7
	AccessLevelSuper  = 10

	AccessLevelMin = 0
	AccessLevelMax = 10
)

type Group struct {
	ID          string
	Name        string
	AccessLevel int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Identifier is one addressable login bound to an account. Value is unique
// within its channel. Verified transitions to true exactly once, through
// passcode verification, and never reverts.
type Identifier struct {
	ID        string
	AccountID string
	Channel   Channel
	Value     string
	Verified  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i Identifier) HasValue() bool { return i.ID != "" }

// Device is an immutable device binding used for device-locked self
// registration.
type Device struct {
	ID        string
	AccountID string
	DeviceID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d Device) HasValue() bool { return d.ID != "" }

// AccountRecord is the stored account row. SecretHash never leaves the
// service layer.
type AccountRecord struct {
	ID         string
	Type       string
	GroupID    string
	SecretHash string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Account is the assembled read view: the account row plus its group and
// every bound identifier. JWT is set only on identity-establishing results.
type Account struct {
	ID        string
	JWT       string
	Type      string
	Group     Group
	Username  Identifier
	Email     Identifier
	Phone     Identifier
	Facebook  Identifier
	Device    Device
	CreatedAt time.Time
	UpdatedAt time.Time
}

var rePhoneDigits = regexp.MustCompile(`[0-9]+`)

// FormatPhone strips a phone address down to its digits, keeping a leading
// plus if present.
func FormatPhone(phone string) string {
	parts := rePhoneDigits.FindAllString(phone, -1)
	formatted := ""
	if strings.HasPrefix(strings.TrimSpace(phone), "+") {
		formatted = "+"
	}
	return formatted + strings.Join(parts, "")
}

// NormalizeAddress canonicalizes an identifier value for its channel before
// binding or lookup.
func NormalizeAddress(channel Channel, value string) string {
	value = strings.TrimSpace(value)
	switch channel {
	case ChannelEmail:
		return strings.ToLower(value)
	case ChannelPhone:
		return FormatPhone(value)
	}
	return value
}
