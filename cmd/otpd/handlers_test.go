package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/civicreport/otpd/internal/accounts"
	"github.com/civicreport/otpd/internal/otp"
	"github.com/civicreport/otpd/internal/store/redis"
	"github.com/civicreport/otpd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

type dummyProv struct {
	id  string
	err error

	mu    sync.Mutex
	codes map[string]string
}

// ID returns the Provider's ID.
func (d *dummyProv) ID() string {
	return d.id
}

// ChannelName returns the Provider's name.
func (d *dummyProv) ChannelName() string {
	return "dummychannel"
}

// ValidateAddress accepts anything.
func (d *dummyProv) ValidateAddress(to string) error {
	return nil
}

// Push records the last code sent to each identifier.
func (d *dummyProv) Push(_ context.Context, o models.OTP, subject string, m []byte) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	d.codes[o.Identifier] = string(m)
	d.mu.Unlock()
	return nil
}

// MaxBodyLen returns the max permitted body size.
func (d *dummyProv) MaxBodyLen() int {
	return 100 * 1024
}

func (d *dummyProv) code(to string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.codes[to]
}

const (
	dummyEmail   = "citizen@example.com"
	dummyPhone   = "+919876543210"
	dummyUnknown = "stranger@example.com"
)

var (
	srv      *httptest.Server
	rdis     *miniredis.Miniredis
	emailPrv = &dummyProv{id: "email", codes: make(map[string]string)}
	smsPrv   = &dummyProv{id: "sms", err: errors.New("gateway down"), codes: make(map[string]string)}
)

func init() {
	// Dummy Redis.
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd
	port, _ := strconv.Atoi(rd.Port())

	srv = httptest.NewServer(newTestHandler(redis.New(redis.Conf{
		Host: rd.Host(),
		Port: port,
	}), otp.Opt{}, nil, nil))
}

// newTestHandler returns the app's HTTP handler over the given store with
// the dummy providers and a static account list.
func newTestHandler(st *redis.Redis, o otp.Opt, ipLim, verifyLim *limiter.Limiter) http.Handler {
	email, _ := otp.NewChannel(emailPrv, "", "{{ .OTP }}")
	sms, _ := otp.NewChannel(smsPrv, "", "{{ .OTP }}")

	app := &App{
		lo:            initLogger(true),
		verifyLimiter: verifyLim,
	}
	app.otp = otp.New(o, st, accounts.NewStatic([]string{dummyEmail, dummyPhone}),
		otp.NewDispatcher(email, sms), app.lo)

	return initHTTPHandler(app, ipLim, []string{"http://localhost:5173"})
}

func TestGetProviders(t *testing.T) {
	var out httpResp
	r := testRequest(t, srv, http.MethodGet, "/api/providers", nil, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.True(t, out.OK)
	assert.Equal(t, []interface{}{"email", "sms"}, out.Data, "providers don't match")
}

func TestHealthCheck(t *testing.T) {
	var out httpResp
	r := testRequest(t, srv, http.MethodGet, "/api/health", nil, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
}

func TestRequestVerifyOTP(t *testing.T) {
	rdis.FlushDB()
	var (
		data = &otpResp{}
		out  = httpResp{Data: data}
		p    = url.Values{}
	)

	// Request an OTP.
	p.Set("identifier", dummyEmail)
	r := testRequest(t, srv, http.MethodPost, "/api/otp", p, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "non 200 response")
	assert.True(t, out.OK)
	assert.Equal(t, "email", data.Channel)
	assert.True(t, data.ExpiresAt.After(time.Now()), "expiry is in the past")

	code := emailPrv.code(dummyEmail)
	require.Len(t, code, otp.DefaultCodeLen, "code wasn't sent")

	// Verify it.
	var vOut httpResp
	r = testRequest(t, srv, http.MethodPost, "/api/otp/verify", map[string]string{
		"identifier": dummyEmail,
		"code":       code,
	}, &vOut)
	assert.Equal(t, http.StatusOK, r.StatusCode, "good OTP failed")
	assert.True(t, vOut.OK)

	// Verify again. Should've been deleted.
	vOut = httpResp{}
	r = testRequest(t, srv, http.MethodPost, "/api/otp/verify", map[string]string{
		"identifier": dummyEmail,
		"code":       code,
	}, &vOut)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "OTP didn't get deleted on verification")
	assert.False(t, vOut.OK)
	assert.Equal(t, codeInvalidOrExpiredCode, vOut.Code)
}

func TestDoubleRequest(t *testing.T) {
	rdis.FlushDB()

	req := map[string]string{"identifier": dummyEmail}
	r := testRequest(t, srv, http.MethodPost, "/api/otp", req, &httpResp{})
	require.Equal(t, http.StatusOK, r.StatusCode)
	first := emailPrv.code(dummyEmail)

	// Request until a different code is issued.
	var second string
	for second == "" || second == first {
		r = testRequest(t, srv, http.MethodPost, "/api/otp", req, &httpResp{})
		require.Equal(t, http.StatusOK, r.StatusCode)
		second = emailPrv.code(dummyEmail)
	}

	var out httpResp
	r = testRequest(t, srv, http.MethodPost, "/api/otp/verify", url.Values{"identifier": {dummyEmail}, "code": {first}}, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode, "superseded OTP verified")
	assert.Equal(t, codeInvalidOrExpiredCode, out.Code)

	r = testRequest(t, srv, http.MethodPost, "/api/otp/verify", url.Values{"identifier": {dummyEmail}, "code": {second}}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "latest OTP failed")
}

func TestRequestOTPErrors(t *testing.T) {
	rdis.FlushDB()

	for _, c := range []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"empty identifier", url.Values{}, http.StatusBadRequest, codeInvalidIdentifier},
		{"bad identifier", map[string]string{"identifier": "not-an-address"}, http.StatusBadRequest, codeInvalidIdentifier},
		{"unknown channel", map[string]string{"identifier": dummyEmail, "channel": "pigeon"}, http.StatusBadRequest, codeInvalidIdentifier},
		{"unknown account", map[string]string{"identifier": dummyUnknown}, http.StatusNotFound, codeAccountNotFound},
		{"delivery failure", map[string]string{"identifier": dummyPhone}, http.StatusBadGateway, codeDeliveryFailed},
		{"bad json", "{", http.StatusBadRequest, codeInvalidRequest},
	} {
		var out httpResp
		r := testRequest(t, srv, http.MethodPost, "/api/otp", c.body, &out)
		assert.Equal(t, c.status, r.StatusCode, c.name)
		assert.Equal(t, c.code, out.Code, c.name)
		assert.False(t, out.OK, c.name)
		assert.Equal(t, "error", out.Status, c.name)
	}
}

func TestVerifyOTPErrors(t *testing.T) {
	rdis.FlushDB()

	for _, p := range []url.Values{
		{},
		{"identifier": {dummyEmail}},
		{"identifier": {dummyEmail}, "code": {"abcdef"}},
		{"identifier": {dummyEmail}, "code": {"123456"}},
		{"identifier": {"nobody"}, "code": {"123456"}},
	} {
		var out httpResp
		r := testRequest(t, srv, http.MethodPost, "/api/otp/verify", p, &out)
		assert.Equal(t, http.StatusBadRequest, r.StatusCode, p.Encode())
		assert.Equal(t, codeInvalidOrExpiredCode, out.Code, p.Encode())
	}
}

func TestHiddenUnknownAccounts(t *testing.T) {
	port, _ := strconv.Atoi(rdis.Port())
	s := httptest.NewServer(newTestHandler(redis.New(redis.Conf{Host: rdis.Host(), Port: port}),
		otp.Opt{HideUnknownAccounts: true}, nil, nil))
	defer s.Close()

	var (
		data = &otpResp{}
		out  = httpResp{Data: data}
	)
	r := testRequest(t, s, http.MethodPost, "/api/otp", map[string]string{"identifier": dummyUnknown}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.True(t, out.OK)
	assert.False(t, data.ExpiresAt.IsZero())
	assert.Empty(t, emailPrv.code(dummyUnknown), "OTP sent to an unknown account")
}

func TestStorageUnavailable(t *testing.T) {
	// Nothing listens on port 1.
	s := httptest.NewServer(newTestHandler(redis.New(redis.Conf{Host: "127.0.0.1", Port: 1, Timeout: 200 * time.Millisecond}),
		otp.Opt{StoreTimeout: time.Second}, nil, nil))
	defer s.Close()

	var out httpResp
	r := testRequest(t, s, http.MethodGet, "/api/health", nil, &out)
	assert.Equal(t, http.StatusServiceUnavailable, r.StatusCode)

	r = testRequest(t, s, http.MethodPost, "/api/otp", map[string]string{"identifier": dummyEmail}, &out)
	assert.Equal(t, http.StatusServiceUnavailable, r.StatusCode)
	assert.Equal(t, codeStorageUnavailable, out.Code)

	r = testRequest(t, s, http.MethodPost, "/api/otp/verify", map[string]string{"identifier": dummyEmail, "code": "123456"}, &out)
	assert.Equal(t, http.StatusServiceUnavailable, r.StatusCode)
	assert.Equal(t, codeStorageUnavailable, out.Code)
}

func TestRateLimits(t *testing.T) {
	rdis.FlushDB()

	var (
		port, _ = strconv.Atoi(rdis.Port())
		ls      = memory.NewStore()
		ipLim   = limiter.New(ls, limiter.Rate{Period: time.Minute, Limit: 5})
		vLim    = limiter.New(ls, limiter.Rate{Period: time.Hour, Limit: 2})
		s       = httptest.NewServer(newTestHandler(redis.New(redis.Conf{Host: rdis.Host(), Port: port}), otp.Opt{}, ipLim, vLim))
	)
	defer s.Close()

	wrong := url.Values{"identifier": {dummyEmail}, "code": {"000000"}}

	// Per identifier limit on verification.
	var out httpResp
	for i := 0; i < 2; i++ {
		r := testRequest(t, s, http.MethodPost, "/api/otp/verify", wrong, &out)
		assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	}
	r := testRequest(t, s, http.MethodPost, "/api/otp/verify", wrong, &out)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode, "verification attempts didn't get rate limited")
	assert.Equal(t, codeRateLimited, out.Code)

	// Per IP limit. Three requests have been made so far.
	r = testRequest(t, s, http.MethodPost, "/api/otp", map[string]string{"identifier": dummyEmail}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode)
	r = testRequest(t, s, http.MethodPost, "/api/otp/verify", url.Values{"identifier": {dummyPhone}, "code": {"000000"}}, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	r = testRequest(t, s, http.MethodPost, "/api/otp", map[string]string{"identifier": dummyEmail}, &out)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode, "requests didn't get rate limited")
	assert.Equal(t, codeRateLimited, out.Code)
}

func TestVerifyLimitResetOnRequest(t *testing.T) {
	rdis.FlushDB()

	var (
		port, _ = strconv.Atoi(rdis.Port())
		vLim    = limiter.New(memory.NewStore(), limiter.Rate{Period: time.Hour, Limit: 2})
		s       = httptest.NewServer(newTestHandler(redis.New(redis.Conf{Host: rdis.Host(), Port: port}), otp.Opt{}, nil, vLim))
		out     httpResp
	)
	defer s.Close()

	// Differently cased identifiers count against the same limit.
	r := testRequest(t, s, http.MethodPost, "/api/otp/verify", url.Values{"identifier": {dummyEmail}, "code": {"000000"}}, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	r = testRequest(t, s, http.MethodPost, "/api/otp/verify", url.Values{"identifier": {strings.ToUpper(dummyEmail)}, "code": {"000000"}}, &out)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
	r = testRequest(t, s, http.MethodPost, "/api/otp/verify", url.Values{"identifier": {dummyEmail}, "code": {"000000"}}, &out)
	assert.Equal(t, http.StatusTooManyRequests, r.StatusCode)

	// Issuing a new OTP unblocks verification for the owner.
	r = testRequest(t, s, http.MethodPost, "/api/otp", map[string]string{"identifier": dummyEmail}, &out)
	require.Equal(t, http.StatusOK, r.StatusCode)

	r = testRequest(t, s, http.MethodPost, "/api/otp/verify", map[string]string{"identifier": dummyEmail, "code": emailPrv.code(dummyEmail)}, &out)
	assert.Equal(t, http.StatusOK, r.StatusCode, "verification still blocked after a new OTP")
	assert.True(t, out.OK)
}

func TestCORS(t *testing.T) {
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/otp", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

// testRequest makes a request with form values (url.Values), a JSON body
// (anything else) or no body (nil) and decodes the response into out.
func testRequest(t *testing.T, s *httptest.Server, method, path string, body interface{}, out interface{}) *http.Response {
	var (
		rd io.Reader
		ct string
	)
	switch v := body.(type) {
	case nil:
	case url.Values:
		rd, ct = strings.NewReader(v.Encode()), "application/x-www-form-urlencoded"
	case string:
		rd, ct = strings.NewReader(v), "application/json"
	default:
		b, err := json.Marshal(v)
		require.NoError(t, err)
		rd, ct = bytes.NewReader(b), "application/json"
	}

	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatal(err)
		return nil
	}
	if ct != "" {
		req.Header.Add("Content-Type", ct)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
		return nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		t.Fatalf("error decoding response %q: %v", respBody, err)
	}

	return resp
}
