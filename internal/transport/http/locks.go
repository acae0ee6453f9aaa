package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/soin8293/jd-tech-sub001/internal/domain"
)

// LockService is the minimal interface needed for edit-lock endpoints.
type LockService interface {
	Acquire(ctx context.Context, resourceID, ownerID, ownerLabel string, duration time.Duration) (bool, error)
	Renew(ctx context.Context, resourceID, ownerID string) error
	Release(ctx context.Context, resourceID, ownerID string) error
	ForceTakeover(ctx context.Context, resourceID, newOwnerID, ownerLabel string, duration time.Duration) error
	Status(ctx context.Context, resourceID string) (domain.EditLock, error)
}

// HandleLocks returns an HTTP handler for the /locks/{resource} tree:
// GET for status, POST for acquire, and POST {resource}/renew,
// {resource}/release and {resource}/takeover for the named actions.
// The caller is identified by the X-Client-ID header.
func HandleLocks(svc LockService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resourceID, action, ok := parseLockPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}

		if action == "" && r.Method == http.MethodGet {
			lock, err := svc.Status(r.Context(), resourceID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(lockResponseFrom(lock))
			return
		}

		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		ownerID := r.Header.Get(clientIDHeader)
		if ownerID == "" {
			writeError(w, http.StatusBadRequest, codeClientIDRequired, "X-Client-ID header is required")
			return
		}

		switch action {
		case "":
			handleAcquireLock(w, r, svc, resourceID, ownerID)
		case "renew":
			if err := svc.Renew(r.Context(), resourceID, ownerID); err != nil {
				writeLockError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "release":
			if err := svc.Release(r.Context(), resourceID, ownerID); err != nil {
				writeLockError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "takeover":
			handleTakeover(w, r, svc, resourceID, ownerID)
		default:
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
		}
	}
}

func handleAcquireLock(w http.ResponseWriter, r *http.Request, svc LockService, resourceID, ownerID string) {
	req, ok := decodeLockRequest(w, r)
	if !ok {
		return
	}

	acquired, err := svc.Acquire(r.Context(), resourceID, ownerID, req.OwnerLabel, req.duration())
	if err != nil {
		writeLockError(w, err)
		return
	}
	if !acquired {
		lock, err := svc.Status(r.Context(), resourceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(acquireResponse{
			Acquired: false,
			Lock:     lockResponseFrom(lock),
		})
		return
	}

	lock, err := svc.Status(r.Context(), resourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(acquireResponse{
		Acquired: true,
		Lock:     lockResponseFrom(lock),
	})
}

func handleTakeover(w http.ResponseWriter, r *http.Request, svc LockService, resourceID, ownerID string) {
	req, ok := decodeLockRequest(w, r)
	if !ok {
		return
	}

	if err := svc.ForceTakeover(r.Context(), resourceID, ownerID, req.OwnerLabel, req.duration()); err != nil {
		writeLockError(w, err)
		return
	}
	lock, err := svc.Status(r.Context(), resourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(lockResponseFrom(lock))
}

func decodeLockRequest(w http.ResponseWriter, r *http.Request) (lockRequest, bool) {
	var req lockRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return lockRequest{}, false
	}
	if !domain.ValidLockDuration(req.duration()) {
		writeError(w, http.StatusBadRequest, codeInvalidDuration, domain.ErrInvalidDuration.Error())
		return lockRequest{}, false
	}
	return req, true
}

func writeLockError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, codeInvalidDuration, err.Error())
	case errors.Is(err, domain.ErrInvalidID), errors.Is(err, domain.ErrOwnerRequired):
		writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, codeLockHeld, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}

func parseLockPath(path string) (resourceID, action string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "locks" || parts[1] == "" {
		return "", "", false
	}
	if len(parts) == 3 {
		return parts[1], parts[2], true
	}
	return parts[1], "", true
}

type lockRequest struct {
	DurationMinutes int    `json:"duration_minutes"`
	OwnerLabel      string `json:"owner_label"`
}

func (r lockRequest) duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

type lockResponse struct {
	ResourceID    string    `json:"resource_id"`
	Status        string    `json:"status"`
	OwnerID       string    `json:"owner_id,omitempty"`
	OwnerLabel    string    `json:"owner_label,omitempty"`
	AcquiredAt    time.Time `json:"acquired_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Renewals      int       `json:"renewals,omitempty"`
	PreviousOwner string    `json:"previous_owner,omitempty"`
}

type acquireResponse struct {
	Acquired bool         `json:"acquired"`
	Lock     lockResponse `json:"lock"`
}

func lockResponseFrom(lock domain.EditLock) lockResponse {
	return lockResponse{
		ResourceID:    lock.ResourceID,
		Status:        string(lock.Status),
		OwnerID:       lock.OwnerID,
		OwnerLabel:    lock.OwnerLabel,
		AcquiredAt:    lock.AcquiredAt,
		ExpiresAt:     lock.ExpiresAt,
		Renewals:      lock.Renewals,
		PreviousOwner: lock.PreviousOwner,
	}
}
