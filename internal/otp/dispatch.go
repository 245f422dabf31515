package otp

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/civicreport/otpd/pkg/models"
)

const (
	defaultSubject = "Your verification code"
	defaultBody    = "Your verification code is {{ .OTP }}. It is valid for {{ .TTLMinutes }} minutes. Do not share it with anyone."
)

// Channel is a messaging Provider along with its message templates.
type Channel struct {
	Provider models.Provider
	Subject  *template.Template
	Body     *template.Template
}

// pushTpl is the data exposed to message templates.
type pushTpl struct {
	To         string
	Channel    string
	OTP        string
	TTL        time.Duration
	TTLMinutes int
	ExpiresAt  time.Time
}

// NewChannel compiles the subject and body templates for a provider. Empty
// templates fall back to a generic message.
func NewChannel(p models.Provider, subject, body string) (*Channel, error) {
	if subject == "" {
		subject = defaultSubject
	}
	if body == "" {
		body = defaultBody
	}

	subj, err := template.New("subject").Funcs(sprig.TxtFuncMap()).Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("error parsing subject template for %s: %v", p.ID(), err)
	}
	b, err := template.New("body").Funcs(sprig.TxtFuncMap()).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("error parsing body template for %s: %v", p.ID(), err)
	}

	return &Channel{Provider: p, Subject: subj, Body: b}, nil
}

// Dispatcher renders OTP messages and pushes them out via the channel's
// provider.
type Dispatcher struct {
	channels map[string]*Channel
}

// NewDispatcher returns a Dispatcher over the given channels keyed by
// provider ID.
func NewDispatcher(channels ...*Channel) *Dispatcher {
	d := &Dispatcher{channels: make(map[string]*Channel, len(channels))}
	for _, c := range channels {
		d.channels[c.Provider.ID()] = c
	}
	return d
}

// Get returns the channel by its ID.
func (d *Dispatcher) Get(id string) (*Channel, bool) {
	c, ok := d.channels[id]
	return c, ok
}

// IDs returns the sorted list of channel IDs.
func (d *Dispatcher) IDs() []string {
	out := make([]string, 0, len(d.channels))
	for id := range d.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Push compiles the message templates and pushes the OTP to its channel.
func (d *Dispatcher) Push(ctx context.Context, otp models.OTP) error {
	c, ok := d.channels[otp.Channel]
	if !ok {
		return fmt.Errorf("unknown channel '%s'", otp.Channel)
	}

	var (
		subj = &bytes.Buffer{}
		out  = &bytes.Buffer{}

		ttl  = otp.ExpiresAt.Sub(otp.CreatedAt)
		data = pushTpl{
			To:         otp.Identifier,
			Channel:    c.Provider.ChannelName(),
			OTP:        otp.Code,
			TTL:        ttl,
			TTLMinutes: int(ttl.Round(time.Minute).Minutes()),
			ExpiresAt:  otp.ExpiresAt,
		}
	)

	if err := c.Subject.Execute(subj, data); err != nil {
		return err
	}
	if err := c.Body.Execute(out, data); err != nil {
		return err
	}

	if max := c.Provider.MaxBodyLen(); max > 0 && out.Len() > max {
		return fmt.Errorf("message body is %d bytes, over %s's limit of %d", out.Len(), c.Provider.ID(), max)
	}

	return c.Provider.Push(ctx, otp, subj.String(), out.Bytes())
}
