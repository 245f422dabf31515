// Package webhook is a generic webhook Provider implementation that posts
// OTPs to a URL. It can be reused any number of times by defining multiple
// webhook providers in the app config.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/civicreport/otpd/internal/providers"
	"github.com/civicreport/otpd/pkg/models"
	"github.com/go-playground/validator/v10"
)

const (
	addrEmail = "email"
	addrPhone = "phone"
)

// Webhook is the default representation of the Webhook interface.
type Webhook struct {
	cfg        Config
	authHeader string
	http       *http.Client
	valid      *validator.Validate
}

// Payload is posted to the upstream URL.
type Payload struct {
	OTP     models.OTP `json:"otp"`
	Code    string     `json:"code"`
	Subject string     `json:"subject"`
	Body    string     `json:"body"`
}

// Config contains the webhook provider configuration.
type Config struct {
	URL         string `json:"url"`
	ID          string `json:"id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	ChannelName string `json:"channel_name"`

	// "email", "phone" or empty to accept either.
	AddressType string `json:"address_type"`
	MaxBodyLen  int    `json:"max_body_len"`

	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// New returns a webhook provider.
func New(cfg Config) (*Webhook, error) {
	if cfg.ID == "" {
		return nil, errors.New("invalid id")
	}
	if cfg.URL == "" {
		return nil, errors.New("invalid url")
	}
	switch cfg.AddressType {
	case "", addrEmail, addrPhone:
	default:
		return nil, fmt.Errorf("unknown address_type '%s'", cfg.AddressType)
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = cfg.ID
	}

	// Initialize the HTTP client.
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	authHeader := ""
	if cfg.Username != "" && cfg.Password != "" {
		authHeader = fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString(
			[]byte(cfg.Username+":"+cfg.Password)))
	}

	return &Webhook{
		cfg:        cfg,
		authHeader: authHeader,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		valid: validator.New(),
	}, nil
}

// ID returns the Provider's ID.
func (w *Webhook) ID() string {
	return w.cfg.ID
}

// ChannelName returns the Provider's name.
func (w *Webhook) ChannelName() string {
	return w.cfg.ChannelName
}

// ValidateAddress checks the address against the configured address type.
func (w *Webhook) ValidateAddress(to string) error {
	switch w.cfg.AddressType {
	case addrEmail:
		if err := w.valid.Var(to, "required,email"); err != nil {
			return errors.New("invalid e-mail address")
		}
	case addrPhone:
		return providers.ValidatePhone(to)
	}
	return nil
}

// Push posts the OTP and the rendered message to the webhook.
func (w *Webhook) Push(ctx context.Context, otp models.OTP, subject string, body []byte) error {
	p := Payload{
		OTP:     otp,
		Code:    otp.Code,
		Subject: subject,
		Body:    string(body),
	}

	b, err := json.Marshal(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", "otpd")
	req.Header.Add("Content-Type", "application/json")

	// Optional BasicAuth.
	if w.authHeader != "" {
		req.Header.Set("Authorization", w.authHeader)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		// Drain and close the body to let the Transport reuse the connection
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded with %d", resp.StatusCode)
	}
	return nil
}

// MaxBodyLen returns the max permitted body size.
func (w *Webhook) MaxBodyLen() int {
	return w.cfg.MaxBodyLen
}
