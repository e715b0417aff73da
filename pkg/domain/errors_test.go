package domain

import (
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestStatusUnwrapsDomainErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", ErrNotFound, http.StatusNotFound},
		{"wrapped not found", errors.Wrap(ErrNotFound, "fetch"), http.StatusNotFound},
		{"key exhaustion", errors.Wrap(ErrKeyExhaustion, "gen key"), http.StatusServiceUnavailable},
		{"invalid key", ErrInvalidKey, http.StatusBadRequest},
		{"collaborator", errors.New("disk I/O error"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Status(tt.err); got != tt.want {
				t.Errorf("Status() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestToRespHidesCollaboratorDetail(t *testing.T) {
	resp := ToResp(errors.New("sqlite: database is locked"))
	if resp.Error.Code != "INTERNAL_ERROR" || resp.Error.Msg != "internal error" {
		t.Errorf("collaborator error leaked: %+v", resp.Error)
	}
	resp = ToResp(errors.Wrap(ErrFileNotFound, "claim"))
	if resp.Error.Code != "FILE_NOT_FOUND" {
		t.Errorf("code = %s, want FILE_NOT_FOUND", resp.Error.Code)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(errors.Wrap(ErrFileNotFound, "x")) {
		t.Error("wrapped file not found should match")
	}
	if IsNotFound(ErrInvalidKey) {
		t.Error("invalid key is not a not-found")
	}
}

func TestValidKey(t *testing.T) {
	for _, k := range []string{"abc123", "ZZZZZZ", "a1B2c3"} {
		if !ValidKey(k) {
			t.Errorf("ValidKey(%q) = false", k)
		}
	}
	for _, k := range []string{"", "abc12", "abc1234", "abc-12", "abc 12", "äbc123"} {
		if ValidKey(k) {
			t.Errorf("ValidKey(%q) = true", k)
		}
	}
}

func TestPasteExpiredAtBoundary(t *testing.T) {
	now := time.Now()
	p := &Paste{ExpiresAt: now}
	if !p.Expired(now) {
		t.Error("paste must be expired when now == expiresAt")
	}
	if p.Expired(now.Add(-time.Millisecond)) {
		t.Error("paste must be live before expiresAt")
	}
}
