package smtp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/civicreport/otpd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New(Config{Host: "localhost", Port: 1025, AuthProtocol: "oauth"})
	assert.Error(t, err, "unknown auth protocol")

	_, err = New(Config{Host: "localhost", Port: 1025, TLSType: "SSLv3"})
	assert.Error(t, err, "unknown tls type")

	s, err := New(Config{Host: "localhost", Port: 1025, TLSType: "none"})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "email", s.ID())
	assert.Equal(t, "E-mail", s.ChannelName())
	assert.Equal(t, maxBodyLen, s.MaxBodyLen())
}

func TestValidateAddress(t *testing.T) {
	s, err := New(Config{ID: "mail", Host: "localhost", Port: 1025, TLSType: "none"})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "mail", s.ID())

	for _, a := range []string{"user@example.com", "first.last+otp@sub.example.org"} {
		assert.NoError(t, s.ValidateAddress(a), a)
	}
	for _, a := range []string{"", "user", "user@", "+919876543210", strings.Repeat("a", 250) + "@example.com"} {
		assert.Error(t, s.ValidateAddress(a), a)
	}
}

func TestPushCancelled(t *testing.T) {
	s, err := New(Config{Host: "localhost", Port: 1025, TLSType: "none"})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Push(ctx, models.OTP{Identifier: "user@example.com"}, "s", []byte("b")), context.Canceled)
}

func TestPoolOpt(t *testing.T) {
	c := Config{Host: "smtp.example.com", Port: 465, TLSType: "TLS", AuthProtocol: "login"}.withDefaults()
	assert.Equal(t, "email", c.ID)
	assert.Equal(t, 1, c.MaxConns)
	assert.Equal(t, 10*time.Second, c.IdleTimeout)

	opt, err := c.poolOpt()
	require.NoError(t, err)
	assert.True(t, opt.SSL)
	require.NotNil(t, opt.TLSConfig)
	assert.Equal(t, "smtp.example.com", opt.TLSConfig.ServerName)
	assert.NotNil(t, opt.Auth)
	assert.Equal(t, 5*time.Second, opt.PoolWaitTimeout)

	// STARTTLS is the default.
	opt, err = Config{Host: "smtp.example.com", TLSSkipVerify: true}.withDefaults().poolOpt()
	require.NoError(t, err)
	assert.False(t, opt.SSL)
	require.NotNil(t, opt.TLSConfig)
	assert.True(t, opt.TLSConfig.InsecureSkipVerify)
	assert.Nil(t, opt.Auth)

	opt, err = Config{TLSType: "none"}.withDefaults().poolOpt()
	require.NoError(t, err)
	assert.Nil(t, opt.TLSConfig)
}

func TestHeaders(t *testing.T) {
	s, err := New(Config{Host: "localhost", Port: 1025, TLSType: "none", Headers: map[string]string{"x-mailer": "otpd"}})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "otpd", s.hdr.Get("X-Mailer"))
}
