package models

import (
	"context"
	"time"
)

// OTP is a single outstanding passcode challenge for an identifier.
// There is at most one live OTP per identifier. Issuing a new one replaces
// the old one.
type OTP struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	Channel    string    `json:"channel"`
	Code       string    `json:"-"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired tells whether the OTP is no longer valid at t. ExpiresAt is an
// exclusive upper bound.
func (o OTP) Expired(t time.Time) bool {
	return !t.Before(o.ExpiresAt)
}

// ProviderConfig represents the common configuration types for a Provider.
type ProviderConfig struct {
	Template string `json:"template"`
	Subject  string `json:"subject"`
}

// Provider is an interface for a generic messaging backend,
// for instance, e-mail, SMS etc.
type Provider interface {
	// ID returns the name of the Provider. This is the channel name
	// clients pass when requesting an OTP, eg: "email" or "sms".
	ID() string

	// ChannelName returns the human readable name of the channel,
	// for example "SMS" or "E-mail". It is exposed to message templates.
	ChannelName() string

	// ValidateAddress validates the 'to' address the Provider
	// is supposed to send the OTP to, for instance, an e-mail
	// or a phone number.
	ValidateAddress(to string) error

	// Push pushes a message. The OTP's Identifier is the destination address.
	Push(ctx context.Context, otp OTP, subject string, body []byte) error

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Provider. 0 means no limit.
	MaxBodyLen() int
}
