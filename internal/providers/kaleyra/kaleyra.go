// Package kaleyra implements an SMS Provider over the Kaleyra alerts API.
package kaleyra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/civicreport/otpd/internal/providers"
	"github.com/civicreport/otpd/pkg/models"
)

const (
	defaultID   = "sms"
	channelName = "SMS"
	maxBodyLen  = 140
	apiURL      = "https://api-alerts.kaleyra.com/v4/"
	statusOK    = "OK"
)

// Kaleyra is the default representation of the Kaleyra interface.
type Kaleyra struct {
	cfg Config
	h   *http.Client
}

type Config struct {
	// Channel ID clients request OTPs over. Defaults to "sms".
	ID string `json:"id"`

	APIKey   string        `json:"api_key"`
	Sender   string        `json:"sender"`
	APIURL   string        `json:"api_url"`
	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// apiResp represents the response from kaleyra API.
type apiResp struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// New implements a Kaleyra SMS provider.
func New(cfg Config) (*Kaleyra, error) {
	if cfg.APIKey == "" || cfg.Sender == "" {
		return nil, errors.New("invalid APIKey or Sender")
	}
	if cfg.ID == "" {
		cfg.ID = defaultID
	}
	if cfg.APIURL == "" {
		cfg.APIURL = apiURL
	}

	// Initialize the HTTP client.
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	return &Kaleyra{
		cfg: cfg,
		h: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Provider's ID.
func (k *Kaleyra) ID() string {
	return k.cfg.ID
}

// ChannelName returns the Provider's name.
func (k *Kaleyra) ChannelName() string {
	return channelName
}

// ValidateAddress validates a phone number.
func (k *Kaleyra) ValidateAddress(to string) error {
	return providers.ValidatePhone(to)
}

// Push pushes out an SMS.
func (k *Kaleyra) Push(ctx context.Context, otp models.OTP, subject string, body []byte) error {
	var p = url.Values{}
	p.Set("method", "sms")
	p.Set("api_key", k.cfg.APIKey)
	p.Set("sender", k.cfg.Sender)
	p.Set("to", otp.Identifier)
	p.Set("message", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.cfg.APIURL, strings.NewReader(p.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Make the request.
	resp, err := k.h.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Read the response.
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	r := apiResp{}
	if err := json.Unmarshal(b, &r); err != nil {
		return fmt.Errorf("error parsing kaleyra response (%d): %v", resp.StatusCode, err)
	}
	if r.Status != statusOK {
		return errors.New(r.Message)
	}
	return nil
}

// MaxBodyLen returns the max permitted body size.
func (k *Kaleyra) MaxBodyLen() int {
	return maxBodyLen
}
