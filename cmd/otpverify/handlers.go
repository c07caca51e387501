package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/lmsapi/otpverify/internal/otp"
)

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type sendReq struct {
	PhoneNumber string `json:"phone_number" validate:"required,max=20"`
	Email       string `json:"email" validate:"required,email"`
}

type verifyReq struct {
	PhoneNumber string `json:"phone_number" validate:"required,max=20"`
	OTPCode     string `json:"otp_code" validate:"required,numeric"`
}

type checkReq struct {
	PhoneNumber string `json:"phone_number" validate:"required,max=20"`
}

type sendResp struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OTPID   string `json:"otp_id,omitempty"`
}

type verifyResp struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type verifiedResp struct {
	IsVerified bool `json:"is_verified"`
}

var validate = newValidator()

// newValidator returns a validator that reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// handleHealthCheck pings the store.
func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value("app").(*App)

	if err := app.otp.Ping(r.Context()); err != nil {
		app.lo.Error("error pinging store", "error", err)
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleSendOTP issues a fresh OTP for a phone number and e-mails it.
func handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req sendReq
	)

	if err := decodeReq(r, &req, func() {
		req.PhoneNumber = r.FormValue("phone_number")
		req.Email = r.FormValue("email")
	}); err != nil {
		sendKindError(w, err, nil)
		return
	}
	if err := app.notifier.ValidateAddress(req.Email); err != nil {
		sendKindError(w, validationError("Invalid `email`: "+err.Error()), nil)
		return
	}

	res, err := app.otp.Issue(r.Context(), req.PhoneNumber, req.Email)
	if err != nil {
		app.lo.Error("error issuing OTP", "error", err, "phone", req.PhoneNumber)
		sendErrorResponse(w, "Error saving OTP.", http.StatusInternalServerError, nil)
		return
	}

	out := sendResp{Success: res.Success, Message: res.Message, OTPID: res.OTPID}
	if err := res.Err(); err != nil {
		sendKindError(w, err, out)
		return
	}

	sendResponse(w, out)
}

// handleVerifyOTP checks a submitted code against the phone number's OTP.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req verifyReq
	)

	if err := decodeReq(r, &req, func() {
		req.PhoneNumber = r.FormValue("phone_number")
		req.OTPCode = r.FormValue("otp_code")
	}); err != nil {
		sendKindError(w, err, nil)
		return
	}

	res, err := app.otp.Verify(r.Context(), req.PhoneNumber, req.OTPCode)
	if err != nil {
		app.lo.Error("error verifying OTP", "error", err, "phone", req.PhoneNumber)
		sendErrorResponse(w, "Error verifying OTP.", http.StatusInternalServerError, nil)
		return
	}

	out := verifyResp{Success: res.Success, Message: res.Message}
	if err := res.Err(); err != nil {
		sendKindError(w, err, out)
		return
	}

	sendResponse(w, out)
}

// handleCheckVerified tells if a phone number holds a verified, unexpired
// OTP.
func handleCheckVerified(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req = checkReq{PhoneNumber: r.URL.Query().Get("phone_number")}
	)

	if err := validate.Struct(req); err != nil {
		sendKindError(w, validationError(validationMessage(err)), nil)
		return
	}

	ok, err := app.otp.IsVerified(r.Context(), req.PhoneNumber)
	if err != nil {
		app.lo.Error("error checking OTP", "error", err, "phone", req.PhoneNumber)
		sendErrorResponse(w, "Error checking OTP.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, verifiedResp{IsVerified: ok})
}

// decodeReq reads a JSON body into v, or calls fromForm for any other
// content type, and validates the result. Errors are ValidationFailure
// *otp.Error.
func decodeReq(r *http.Request, v interface{}, fromForm func()) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			return validationError("Invalid JSON body.")
		}
	} else {
		fromForm()
	}

	if err := validate.Struct(v); err != nil {
		return validationError(validationMessage(err))
	}
	return nil
}

func validationError(msg string) error {
	return &otp.Error{Kind: otp.ValidationFailure, Message: msg}
}

// validationMessage turns validator errors into a message naming the
// first offending field.
func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return "Invalid request."
	}

	f := ve[0]
	name := f.Field()
	switch f.Tag() {
	case "required":
		return "`" + name + "` is required."
	case "email":
		return "Invalid `" + name + "`."
	case "numeric":
		return "`" + name + "` should be numeric."
	case "max":
		return "`" + name + "` is too long."
	}
	return "Invalid `" + name + "`."
}

// kindStatus maps an unsuccessful outcome to an HTTP status.
func kindStatus(k otp.Kind) int {
	switch k {
	case otp.NotFound:
		return http.StatusNotFound
	case otp.AttemptsExhausted:
		return http.StatusTooManyRequests
	case otp.DispatchFailure:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendKindError sends an *otp.Error with the status of its Kind.
func sendKindError(w http.ResponseWriter, err error, data interface{}) {
	var e *otp.Error
	if !errors.As(err, &e) {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, data)
		return
	}
	sendErrorResponse(w, e.Message, kindStatus(e.Kind), data)
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}

// auth is a simple authentication middleware.
func auth(authMap map[string]string, next http.Handler) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBasic = "Basic"
		var (
			pair  [][]byte
			delim = []byte(":")

			h = r.Header.Get("Authorization")
		)

		// Basic auth scheme.
		if strings.HasPrefix(h, authBasic) {
			payload, err := base64.StdEncoding.DecodeString(strings.Trim(h[len(authBasic):], " "))
			if err != nil {
				sendErrorResponse(w, "Invalid Base64 value in Basic Authorization header.",
					http.StatusUnauthorized, nil)
				return
			}

			pair = bytes.SplitN(payload, delim, 2)
		} else {
			sendErrorResponse(w, "Missing Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		if len(pair) != 2 {
			sendErrorResponse(w, "Invalid value in Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		var (
			namespace = string(pair[0])
			secret    = pair[1]
		)
		s, ok := authMap[namespace]
		if !ok || subtle.ConstantTimeCompare([]byte(s), secret) != 1 {
			sendErrorResponse(w, "Invalid API credentials.",
				http.StatusUnauthorized, nil)
			return
		}

		ctx := context.WithValue(r.Context(), "namespace", namespace)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
