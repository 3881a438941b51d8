package http

import (
	"time"

	"authsvc/internal/config"
	"authsvc/internal/model"
	"authsvc/internal/otp"
)

// Wire shapes. Empty identifier slots are omitted rather than rendered as
// zero records.

type accountView struct {
	ID          string          `json:"ID"`
	JWT         string          `json:"JWT,omitempty"`
	Type        string          `json:"type"`
	Username    *identifierView `json:"username,omitempty"`
	Email       *identifierView `json:"email,omitempty"`
	Phone       *identifierView `json:"phone,omitempty"`
	Facebook    *identifierView `json:"facebook,omitempty"`
	Group       groupView       `json:"group"`
	Device      *deviceView     `json:"device,omitempty"`
	Created     string          `json:"created"`
	LastUpdated string          `json:"lastUpdated"`
}

type identifierView struct {
	ID          string `json:"ID"`
	UserID      string `json:"userID"`
	Value       string `json:"value"`
	Verified    bool   `json:"verified"`
	Created     string `json:"created"`
	LastUpdated string `json:"lastUpdated"`
}

type groupView struct {
	ID          string `json:"ID"`
	Name        string `json:"name"`
	AccessLevel int    `json:"accessLevel"`
	Created     string `json:"created"`
	LastUpdated string `json:"lastUpdated"`
}

type deviceView struct {
	ID          string `json:"ID"`
	UserID      string `json:"userID"`
	DeviceID    string `json:"deviceID"`
	Created     string `json:"created"`
	LastUpdated string `json:"lastUpdated"`
}

type otpStatusView struct {
	ObfuscatedAddress string `json:"obfuscatedAddress"`
	ExpiresAt         string `json:"expiresAt"`
}

type statusView struct {
	Name                string `json:"name"`
	Version             string `json:"version"`
	Description         string `json:"description"`
	CanonicalName       string `json:"canonicalName"`
	SuperUserRegistered bool   `json:"superUserRegistered"`
}

func formatTime(t time.Time) string {
	return t.Format(config.TimeFormat)
}

func newAccountView(acc model.Account) accountView {
	return accountView{
		ID:          acc.ID,
		JWT:         acc.JWT,
		Type:        acc.Type,
		Username:    newIdentifierView(acc.Username),
		Email:       newIdentifierView(acc.Email),
		Phone:       newIdentifierView(acc.Phone),
		Facebook:    newIdentifierView(acc.Facebook),
		Group:       newGroupView(acc.Group),
		Device:      newDeviceView(acc.Device),
		Created:     formatTime(acc.CreatedAt),
		LastUpdated: formatTime(acc.UpdatedAt),
	}
}

func newIdentifierView(ident model.Identifier) *identifierView {
	if !ident.HasValue() {
		return nil
	}
	return &identifierView{
		ID:          ident.ID,
		UserID:      ident.AccountID,
		Value:       ident.Value,
		Verified:    ident.Verified,
		Created:     formatTime(ident.CreatedAt),
		LastUpdated: formatTime(ident.UpdatedAt),
	}
}

func newGroupView(grp model.Group) groupView {
	return groupView{
		ID:          grp.ID,
		Name:        grp.Name,
		AccessLevel: grp.AccessLevel,
		Created:     formatTime(grp.CreatedAt),
		LastUpdated: formatTime(grp.UpdatedAt),
	}
}

func newDeviceView(device model.Device) *deviceView {
	if !device.HasValue() {
		return nil
	}
	return &deviceView{
		ID:          device.ID,
		UserID:      device.AccountID,
		DeviceID:    device.DeviceID,
		Created:     formatTime(device.CreatedAt),
		LastUpdated: formatTime(device.UpdatedAt),
	}
}

func newOTPStatusView(status otp.Status) otpStatusView {
	return otpStatusView{
		ObfuscatedAddress: status.ObfuscatedAddress,
		ExpiresAt:         formatTime(status.ExpiresAt),
	}
}
