// Package otp implements the one-time passcode workflow: issuing a code
// against an identifier (e-mail or phone), delivering it and verifying it
// exactly once before it expires.
package otp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/civicreport/otpd/internal/providers"
	"github.com/civicreport/otpd/internal/store"
	"github.com/civicreport/otpd/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/zerodha/logf"
)

// AccountLookup tells whether an account is registered against an identifier.
type AccountLookup interface {
	Exists(ctx context.Context, identifier string) (bool, error)
}

// Opt holds the workflow's tunables.
type Opt struct {
	TTL     time.Duration
	CodeLen int

	StoreTimeout    time.Duration
	DeliveryTimeout time.Duration

	// Default channels picked when a request doesn't name one.
	EmailChannel string
	PhoneChannel string

	// Country code (eg: "+91") prefixed to phone numbers given without one.
	DefaultPhoneCode string

	// If set, requests for unknown accounts succeed without issuing
	// anything so that account existence can't be probed.
	HideUnknownAccounts bool
}

// Service is the OTP workflow controller.
type Service struct {
	opt      Opt
	store    store.Store
	accounts AccountLookup
	disp     *Dispatcher
	valid    *validator.Validate
	lo       *logf.Logger

	now func() time.Time
}

// New returns a new OTP Service. Zero valued options are set to defaults.
func New(o Opt, st store.Store, acc AccountLookup, disp *Dispatcher, lo *logf.Logger) *Service {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.CodeLen == 0 {
		o.CodeLen = DefaultCodeLen
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 3 * time.Second
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 10 * time.Second
	}
	if o.EmailChannel == "" {
		o.EmailChannel = "email"
	}
	if o.PhoneChannel == "" {
		o.PhoneChannel = "sms"
	}

	return &Service{
		opt:      o,
		store:    st,
		accounts: acc,
		disp:     disp,
		valid:    validator.New(),
		lo:       lo,
		now:      time.Now,
	}
}

// SetClock overrides the Service's time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Opt returns the Service's effective options.
func (s *Service) Opt() Opt {
	return s.opt
}

// Request issues a new OTP for identifier and sends it over channel. An empty
// channel picks the default e-mail or phone channel depending on the
// identifier. Any OTP previously issued for the identifier stops being valid.
//
// If the OTP was stored but couldn't be delivered, the returned error is a
// *DeliveryError and the stored OTP remains until superseded or expired.
func (s *Service) Request(ctx context.Context, identifier, channel string) (models.OTP, error) {
	identifier, isEmail, ok := s.normalize(identifier)
	if !ok {
		return models.OTP{}, ErrInvalidIdentifier
	}

	if channel == "" {
		channel = s.opt.PhoneChannel
		if isEmail {
			channel = s.opt.EmailChannel
		}
	}
	ch, ok := s.disp.Get(channel)
	if !ok {
		return models.OTP{}, ErrInvalidIdentifier
	}
	if err := ch.Provider.ValidateAddress(identifier); err != nil {
		return models.OTP{}, ErrInvalidIdentifier
	}

	now := s.now()
	otp := models.OTP{
		Identifier: identifier,
		Channel:    channel,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.opt.TTL),
	}

	// Check if the account exists.
	exists, err := s.accountExists(ctx, identifier)
	if err != nil {
		s.lo.Error("error looking up account", "error", err)
		return models.OTP{}, storageErr("account lookup", err)
	}
	if !exists {
		if s.opt.HideUnknownAccounts {
			s.lo.Debug("OTP requested for unknown account", "channel", channel)
			return otp, nil
		}
		return models.OTP{}, ErrAccountNotFound
	}

	code, err := GenerateCode(s.opt.CodeLen)
	if err != nil {
		return models.OTP{}, err
	}
	otp.ID = newID(now)
	otp.Code = code

	// Store the OTP, superseding any existing one.
	if err := s.put(ctx, otp); err != nil {
		s.lo.Error("error storing OTP", "error", err)
		return models.OTP{}, storageErr("put", err)
	}

	// Push the OTP out.
	if err := s.push(ctx, otp); err != nil {
		s.lo.Error("error sending OTP", "error", err, "channel", channel, "id", otp.ID)
		return models.OTP{}, &DeliveryError{Channel: channel, Err: err}
	}

	s.lo.Debug("OTP issued", "channel", channel, "id", otp.ID)
	return otp, nil
}

// Verify checks code against the OTP issued for identifier and consumes it.
// Wrong, expired, used and never issued codes all return
// ErrInvalidOrExpiredCode.
func (s *Service) Verify(ctx context.Context, identifier, code string) error {
	identifier, _, ok := s.normalize(identifier)
	if !ok {
		return ErrInvalidOrExpiredCode
	}
	code = strings.TrimSpace(code)
	if len(code) != s.opt.CodeLen {
		return ErrInvalidOrExpiredCode
	}

	// Find and delete in one step so that only one of any number of
	// concurrent verifications can get the OTP.
	otp, err := s.consume(ctx, identifier, code)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return ErrInvalidOrExpiredCode
		}
		s.lo.Error("error consuming OTP", "error", err)
		return storageErr("consume", err)
	}

	// The OTP has been deleted either way.
	if otp.Expired(s.now()) {
		return ErrInvalidOrExpiredCode
	}

	s.lo.Debug("OTP verified", "channel", otp.Channel, "id", otp.ID)
	return nil
}

// NormalizeIdentifier returns the canonical form of an identifier that OTPs
// are stored and looked up against.
func (s *Service) NormalizeIdentifier(identifier string) (string, error) {
	identifier, _, ok := s.normalize(identifier)
	if !ok {
		return "", ErrInvalidIdentifier
	}
	return identifier, nil
}

// Ping checks if the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opt.StoreTimeout)
	defer cancel()
	return s.store.Ping(ctx)
}

// Channels returns the list of channels OTPs can be sent over.
func (s *Service) Channels() []string {
	return s.disp.IDs()
}

// normalize trims the identifier, lowercases e-mail addresses, rewrites
// phone numbers to E.164 and tells whether the result is a valid e-mail or
// phone number.
func (s *Service) normalize(identifier string) (string, bool, bool) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", false, false
	}

	if strings.Contains(identifier, "@") {
		identifier = strings.ToLower(identifier)
		return identifier, true, s.valid.Var(identifier, "required,email") == nil
	}

	identifier = providers.SanitizePhone(identifier, s.opt.DefaultPhoneCode)
	return identifier, false, s.valid.Var(identifier, "required,e164") == nil
}

func (s *Service) accountExists(ctx context.Context, identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opt.StoreTimeout)
	defer cancel()
	return s.accounts.Exists(ctx, identifier)
}

func (s *Service) put(ctx context.Context, otp models.OTP) error {
	ctx, cancel := context.WithTimeout(ctx, s.opt.StoreTimeout)
	defer cancel()
	return s.store.Put(ctx, otp)
}

func (s *Service) consume(ctx context.Context, identifier, code string) (models.OTP, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opt.StoreTimeout)
	defer cancel()
	return s.store.Consume(ctx, identifier, code)
}

func (s *Service) push(ctx context.Context, otp models.OTP) error {
	ctx, cancel := context.WithTimeout(ctx, s.opt.DeliveryTimeout)
	defer cancel()
	return s.disp.Push(ctx, otp)
}
