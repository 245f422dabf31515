package main

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/civicreport/otpd/internal/otp"
	"github.com/go-playground/validator/v10"
)

const maxBodySize = 4 * 1024

// Error codes sent in the response envelope.
const (
	codeInvalidRequest       = "InvalidRequest"
	codeInvalidIdentifier    = "InvalidIdentifier"
	codeAccountNotFound      = "AccountNotFound"
	codeInvalidOrExpiredCode = "InvalidOrExpiredCode"
	codeStorageUnavailable   = "StorageUnavailable"
	codeDeliveryFailed       = "DeliveryFailed"
	codeRateLimited          = "RateLimited"
	codeInternal             = "InternalError"
)

type httpResp struct {
	OK      bool        `json:"ok"`
	Status  string      `json:"status"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type otpReq struct {
	Identifier string `json:"identifier" validate:"required,max=254"`
	Channel    string `json:"channel" validate:"omitempty,max=64"`
}

type verifyReq struct {
	Identifier string `json:"identifier" validate:"required,max=254"`
	Code       string `json:"code" validate:"required,numeric,max=18"`
}

type otpResp struct {
	Channel   string    `json:"channel"`
	ExpiresAt time.Time `json:"expires_at"`
}

var valid = validator.New()

// handleGetProviders returns the list of available delivery channels.
func handleGetProviders(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)
	sendResponse(w, app.otp.Channels())
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	if err := app.otp.Ping(r.Context()); err != nil {
		app.lo.Error("error pinging store", "error", err)
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, codeStorageUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleRequestOTP issues a new OTP for an identifier and delivers it.
func handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req otpReq
	)

	if err := readRequest(w, r, &req, func() {
		req.Identifier = r.FormValue("identifier")
		req.Channel = r.FormValue("channel")
	}); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, codeInvalidRequest, nil)
		return
	}
	if err := valid.Struct(req); err != nil {
		sendErrorResponse(w, "Invalid `identifier` or `channel`.", http.StatusBadRequest, codeInvalidIdentifier, nil)
		return
	}

	out, err := app.otp.Request(r.Context(), req.Identifier, strings.TrimSpace(req.Channel))
	if err != nil {
		sendOTPError(w, err)
		return
	}

	// A fresh OTP gets a fresh set of verification attempts.
	if app.verifyLimiter != nil {
		if _, err := app.verifyLimiter.Reset(r.Context(), verifyLimitKey(out.Identifier)); err != nil {
			app.lo.Error("error resetting verify rate limit", "error", err)
		}
	}

	sendResponse(w, otpResp{Channel: out.Channel, ExpiresAt: out.ExpiresAt})
}

// handleVerifyOTP verifies and consumes the OTP issued for an identifier.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req verifyReq
	)

	if err := readRequest(w, r, &req, func() {
		req.Identifier = r.FormValue("identifier")
		req.Code = r.FormValue("code")
	}); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, codeInvalidRequest, nil)
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	req.Code = strings.TrimSpace(req.Code)
	if err := valid.Struct(req); err != nil {
		sendErrorResponse(w, "Invalid or expired code.", http.StatusBadRequest, codeInvalidOrExpiredCode, nil)
		return
	}

	id, err := app.otp.NormalizeIdentifier(req.Identifier)
	if err != nil {
		sendErrorResponse(w, "Invalid or expired code.", http.StatusBadRequest, codeInvalidOrExpiredCode, nil)
		return
	}

	// Bound guesses against a single issued OTP regardless of the client IP.
	if app.verifyLimiter != nil {
		lim, err := app.verifyLimiter.Get(r.Context(), verifyLimitKey(id))
		if err != nil {
			app.lo.Error("error checking verify rate limit", "error", err)
		} else if lim.Reached {
			sendErrorResponse(w, "Too many attempts. Try again later.", http.StatusTooManyRequests, codeRateLimited, nil)
			return
		}
	}

	if err := app.otp.Verify(r.Context(), id, req.Code); err != nil {
		sendOTPError(w, err)
		return
	}

	sendResponse(w, true)
}

func verifyLimitKey(identifier string) string {
	return "verify:" + identifier
}

// readRequest decodes a JSON body into v, or calls form to read form values
// for other content types.
func readRequest(w http.ResponseWriter, r *http.Request, v interface{}, form func()) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" {
		form()
		return nil
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("Invalid JSON body.")
	}
	return nil
}

// sendOTPError maps OTP workflow errors to HTTP responses.
func sendOTPError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, otp.ErrInvalidIdentifier):
		sendErrorResponse(w, "Invalid identifier or channel.", http.StatusBadRequest, codeInvalidIdentifier, nil)
	case errors.Is(err, otp.ErrAccountNotFound):
		sendErrorResponse(w, "No account found.", http.StatusNotFound, codeAccountNotFound, nil)
	case errors.Is(err, otp.ErrInvalidOrExpiredCode):
		sendErrorResponse(w, "Invalid or expired code.", http.StatusBadRequest, codeInvalidOrExpiredCode, nil)
	case errors.Is(err, otp.ErrStorageUnavailable):
		sendErrorResponse(w, "Service temporarily unavailable. Try again.", http.StatusServiceUnavailable, codeStorageUnavailable, nil)
	case errors.Is(err, otp.ErrDeliveryFailed):
		sendErrorResponse(w, "Could not send the code. Try again.", http.StatusBadGateway, codeDeliveryFailed, nil)
	default:
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, codeInternal, nil)
	}
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{OK: true, Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, codeInternal, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, status int, code string, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	resp := httpResp{Status: "error",
		Code:    code,
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}
