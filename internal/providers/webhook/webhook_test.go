package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/civicreport/otpd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPush(t *testing.T) {
	var (
		got    Payload
		user   string
		pass   string
		status = http.StatusOK
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		user, pass, _ = r.BasicAuth()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
	}))
	defer srv.Close()

	wh, err := New(Config{ID: "telegram", URL: srv.URL, Username: "otpd", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "telegram", wh.ID())
	assert.Equal(t, "telegram", wh.ChannelName())

	o := models.OTP{
		ID:         "01HQ00000000000000000000AA",
		Identifier: "+919876543210",
		Channel:    "telegram",
		Code:       "123456",
		ExpiresAt:  time.Now().Add(time.Minute),
	}
	require.NoError(t, wh.Push(context.Background(), o, "subj", []byte("Your code is 123456")))

	assert.Equal(t, "otpd", user)
	assert.Equal(t, "secret", pass)
	assert.Equal(t, o.ID, got.OTP.ID)
	assert.Equal(t, o.Identifier, got.OTP.Identifier)
	assert.Equal(t, "123456", got.Code)
	assert.Equal(t, "subj", got.Subject)
	assert.Equal(t, "Your code is 123456", got.Body)

	status = http.StatusBadGateway
	assert.Error(t, wh.Push(context.Background(), o, "", nil))
}

func TestPushCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	wh, err := New(Config{ID: "hook", URL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, wh.Push(ctx, models.OTP{}, "", nil), context.Canceled)
}

func TestValidateAddress(t *testing.T) {
	email, err := New(Config{ID: "mail", URL: "http://localhost", AddressType: "email"})
	require.NoError(t, err)
	assert.NoError(t, email.ValidateAddress("user@example.com"))
	assert.Error(t, email.ValidateAddress("+919876543210"))

	phone, err := New(Config{ID: "sms", URL: "http://localhost", AddressType: "phone"})
	require.NoError(t, err)
	assert.NoError(t, phone.ValidateAddress("+919876543210"))
	assert.Error(t, phone.ValidateAddress("user@example.com"))

	open, err := New(Config{ID: "any", URL: "http://localhost"})
	require.NoError(t, err)
	assert.NoError(t, open.ValidateAddress("anything"))

	_, err = New(Config{ID: "x", URL: "http://localhost", AddressType: "fax"})
	assert.Error(t, err)
	_, err = New(Config{URL: "http://localhost"})
	assert.Error(t, err)
}
