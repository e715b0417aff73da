package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = NewErr("NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrFileNotFound      = NewErr("FILE_NOT_FOUND", "File not found or already deleted", http.StatusNotFound)
	ErrKeyExhaustion     = NewErr("KEY_EXHAUSTION", "failed to generate unique key, please try again", http.StatusServiceUnavailable)
	ErrInvalidKey        = NewErr("INVALID_KEY", "key must be 6 alphanumeric characters", http.StatusBadRequest)
	ErrMissingParams     = NewErr("MISSING_PARAMS", "Missing fileId or key parameter", http.StatusBadRequest)
	ErrContentRequired   = NewErr("CONTENT_REQUIRED", "content or at least one file required", http.StatusBadRequest)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrPasteTooLarge     = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusRequestEntityTooLarge)
	ErrFileTooLarge      = NewErr("FILE_TOO_LARGE", "file too large", http.StatusRequestEntityTooLarge)
	ErrTooManyFiles      = NewErr("TOO_MANY_FILES", "too many files", http.StatusBadRequest)
	ErrFilenameTooLong   = NewErr("FILENAME_TOO_LONG", "filename too long", http.StatusBadRequest)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrUnauthorized      = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

// Status maps err to an HTTP status. Anything that is not a domain error is a
// collaborator failure and becomes a 500.
func Status(err error) int {
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsNotFound treats paste and file absence alike.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrFileNotFound)
}
