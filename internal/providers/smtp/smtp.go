// Package smtp implements an e-mail Provider over a pool of SMTP connections.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/civicreport/otpd/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/smtppool"
)

const (
	defaultID   = "email"
	channelName = "E-mail"
	maxBodyLen  = 100 * 1024
)

var errInvalidAddress = errors.New("invalid e-mail address")

// Config represents an SMTP server's credentials and pool settings.
type Config struct {
	// Channel ID clients request OTPs over. Defaults to "email".
	ID string `json:"id"`

	Host string `json:"host"`
	Port int    `json:"port"`

	// login, cram, plain or none.
	AuthProtocol string `json:"auth_protocol"`
	Username     string `json:"username"`
	Password     string `json:"password"`

	FromEmail string `json:"from_email"`

	// Extra headers set on every message, eg: {"X-Mailer": "otpd"}.
	Headers map[string]string `json:"headers"`

	// Send the rendered template as text/html instead of text/plain.
	HTML bool `json:"html"`

	MaxConns    int           `json:"max_conns"`
	Timeout     time.Duration `json:"timeout"`
	IdleTimeout time.Duration `json:"idle_timeout"`

	// STARTTLS, TLS or none.
	TLSType       string `json:"tls_type"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`
}

// SMTP is a generic SMTP e-mail provider.
type SMTP struct {
	cfg   Config
	pool  *smtppool.Pool
	hdr   textproto.MIMEHeader
	valid *validator.Validate
}

// New creates and returns an e-mail Provider backend.
func New(cfg Config) (*SMTP, error) {
	cfg = cfg.withDefaults()

	opt, err := cfg.poolOpt()
	if err != nil {
		return nil, err
	}

	pool, err := smtppool.New(opt)
	if err != nil {
		return nil, err
	}

	hdr := make(textproto.MIMEHeader, len(cfg.Headers))
	for k, v := range cfg.Headers {
		hdr.Set(k, v)
	}

	return &SMTP{
		cfg:   cfg,
		pool:  pool,
		hdr:   hdr,
		valid: validator.New(),
	}, nil
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = defaultID
	}
	if c.FromEmail == "" {
		c.FromEmail = "otp@localhost"
	}
	if c.MaxConns < 1 {
		c.MaxConns = 1
	}
	if c.Timeout < time.Second {
		c.Timeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Second
	}
	return c
}

// poolOpt translates the config into smtppool options.
func (c Config) poolOpt() (smtppool.Opt, error) {
	auth, err := c.auth()
	if err != nil {
		return smtppool.Opt{}, err
	}

	opt := smtppool.Opt{
		Host:            c.Host,
		Port:            c.Port,
		MaxConns:        c.MaxConns,
		IdleTimeout:     c.IdleTimeout,
		PoolWaitTimeout: c.Timeout,
		Auth:            auth,
	}

	switch c.TLSType {
	case "none":
	case "TLS":
		opt.SSL = true
		opt.TLSConfig = c.tlsConfig()
	case "", "STARTTLS":
		opt.TLSConfig = c.tlsConfig()
	default:
		return smtppool.Opt{}, fmt.Errorf("unknown SMTP tls_type '%s'", c.TLSType)
	}

	return opt, nil
}

func (c Config) auth() (smtp.Auth, error) {
	switch c.AuthProtocol {
	case "", "none":
		return nil, nil
	case "login":
		return &smtppool.LoginAuth{Username: c.Username, Password: c.Password}, nil
	case "cram":
		return smtp.CRAMMD5Auth(c.Username, c.Password), nil
	case "plain":
		return smtp.PlainAuth("", c.Username, c.Password, c.Host), nil
	}
	return nil, fmt.Errorf("unknown SMTP auth type '%s'", c.AuthProtocol)
}

func (c Config) tlsConfig() *tls.Config {
	if c.TLSSkipVerify {
		return &tls.Config{InsecureSkipVerify: true}
	}
	return &tls.Config{ServerName: c.Host}
}

// ID returns the Provider's ID.
func (s *SMTP) ID() string {
	return s.cfg.ID
}

// ChannelName returns the e-mail Provider's name.
func (s *SMTP) ChannelName() string {
	return channelName
}

// ValidateAddress checks that to is a deliverable looking e-mail address.
func (s *SMTP) ValidateAddress(to string) error {
	if err := s.valid.Var(to, "required,max=254,email"); err != nil {
		return errInvalidAddress
	}
	return nil
}

// Push sends the OTP e-mail. smtppool's Send doesn't take a context, so a
// cancelled context is only checked before sending.
func (s *SMTP) Push(ctx context.Context, otp models.OTP, subject string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := smtppool.Email{
		From:    s.cfg.FromEmail,
		To:      []string{otp.Identifier},
		Subject: subject,
		Headers: s.hdr,
	}
	if s.cfg.HTML {
		e.HTML = body
	} else {
		e.Text = body
	}

	return s.pool.Send(e)
}

// MaxBodyLen returns the max permitted body size.
func (s *SMTP) MaxBodyLen() int {
	return maxBodyLen
}

// Close closes the SMTP connection pool.
func (s *SMTP) Close() {
	s.pool.Close()
}
