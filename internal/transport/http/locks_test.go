package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/soin8293/jd-tech-sub001/internal/domain"
)

func TestHandleLocks_Acquire(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	heldLock := domain.EditLock{
		ResourceID: "res-1",
		OwnerID:    "staff-1",
		OwnerLabel: "Front Desk",
		AcquiredAt: now,
		ExpiresAt:  now.Add(15 * time.Minute),
		Status:     domain.LockStatusHeld,
	}

	t.Run("acquired", func(t *testing.T) {
		t.Parallel()
		svc := &stubLockService{acquired: true, lock: heldLock}
		req := httptest.NewRequest(http.MethodPost, "/locks/res-1",
			bytes.NewBufferString(`{"duration_minutes":15,"owner_label":"Front Desk"}`))
		req.Header.Set(clientIDHeader, "staff-1")
		rec := httptest.NewRecorder()

		HandleLocks(svc).ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rec.Code)
		}
		var resp acquireResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if !resp.Acquired {
			t.Fatal("expected acquired true")
		}
		if resp.Lock.OwnerID != "staff-1" {
			t.Fatalf("expected owner staff-1, got %s", resp.Lock.OwnerID)
		}
	})

	t.Run("contended", func(t *testing.T) {
		t.Parallel()
		other := heldLock
		other.OwnerID = "staff-2"
		svc := &stubLockService{acquired: false, lock: other}
		req := httptest.NewRequest(http.MethodPost, "/locks/res-1",
			bytes.NewBufferString(`{"duration_minutes":15,"owner_label":"Front Desk"}`))
		req.Header.Set(clientIDHeader, "staff-1")
		rec := httptest.NewRecorder()

		HandleLocks(svc).ServeHTTP(rec, req)

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected status 409, got %d", rec.Code)
		}
		var resp acquireResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Acquired {
			t.Fatal("expected acquired false")
		}
		if resp.Lock.OwnerID != "staff-2" {
			t.Fatalf("expected current owner staff-2, got %s", resp.Lock.OwnerID)
		}
	})

	t.Run("invalid duration", func(t *testing.T) {
		t.Parallel()
		svc := &stubLockService{}
		req := httptest.NewRequest(http.MethodPost, "/locks/res-1",
			bytes.NewBufferString(`{"duration_minutes":7,"owner_label":"Front Desk"}`))
		req.Header.Set(clientIDHeader, "staff-1")
		rec := httptest.NewRecorder()

		HandleLocks(svc).ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), codeInvalidDuration) {
			t.Fatalf("expected invalid duration code, got %q", rec.Body.String())
		}
	})

	t.Run("missing client id", func(t *testing.T) {
		t.Parallel()
		svc := &stubLockService{}
		req := httptest.NewRequest(http.MethodPost, "/locks/res-1",
			bytes.NewBufferString(`{"duration_minutes":15}`))
		rec := httptest.NewRecorder()

		HandleLocks(svc).ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), codeClientIDRequired) {
			t.Fatalf("expected client id code, got %q", rec.Body.String())
		}
	})
}

func TestHandleLocks_Status(t *testing.T) {
	t.Parallel()

	svc := &stubLockService{lock: domain.EditLock{ResourceID: "res-1", Status: domain.LockStatusFree}}
	req := httptest.NewRequest(http.MethodGet, "/locks/res-1", nil)
	rec := httptest.NewRecorder()

	HandleLocks(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp lockResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(domain.LockStatusFree) {
		t.Fatalf("expected free lock, got %s", resp.Status)
	}
}

func TestHandleLocks_Renew(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		svc := &stubLockService{}
		req := httptest.NewRequest(http.MethodPost, "/locks/res-1/renew", nil)
		req.Header.Set(clientIDHeader, "staff-1")
		rec := httptest.NewRecorder()

		HandleLocks(svc).ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rec.Code)
		}
		if svc.renewed != 1 {
			t.Fatalf("expected one renew call, got %d", svc.renewed)
		}
	})

	t.Run("lost lock", func(t *testing.T) {
		t.Parallel()
		svc := &stubLockService{err: domain.ErrLockHeld}
		req := httptest.NewRequest(http.MethodPost, "/locks/res-1/renew", nil)
		req.Header.Set(clientIDHeader, "staff-1")
		rec := httptest.NewRecorder()

		HandleLocks(svc).ServeHTTP(rec, req)

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected status 409, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), codeLockHeld) {
			t.Fatalf("expected lock held code, got %q", rec.Body.String())
		}
	})
}

func TestHandleLocks_Release(t *testing.T) {
	t.Parallel()

	svc := &stubLockService{}
	req := httptest.NewRequest(http.MethodPost, "/locks/res-1/release", nil)
	req.Header.Set(clientIDHeader, "staff-1")
	rec := httptest.NewRecorder()

	HandleLocks(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if svc.releasedOwner != "staff-1" {
		t.Fatalf("expected release by staff-1, got %q", svc.releasedOwner)
	}
}

func TestHandleLocks_Takeover(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	svc := &stubLockService{lock: domain.EditLock{
		ResourceID:    "res-1",
		OwnerID:       "manager-1",
		Status:        domain.LockStatusHeld,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(30 * time.Minute),
		PreviousOwner: "staff-1",
	}}
	req := httptest.NewRequest(http.MethodPost, "/locks/res-1/takeover",
		bytes.NewBufferString(`{"duration_minutes":30,"owner_label":"Manager"}`))
	req.Header.Set(clientIDHeader, "manager-1")
	rec := httptest.NewRecorder()

	HandleLocks(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp lockResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PreviousOwner != "staff-1" {
		t.Fatalf("expected previous owner staff-1, got %s", resp.PreviousOwner)
	}
	if svc.takeovers != 1 {
		t.Fatalf("expected one takeover call, got %d", svc.takeovers)
	}
}

type stubLockService struct {
	acquired      bool
	lock          domain.EditLock
	err           error
	renewed       int
	takeovers     int
	releasedOwner string
}

func (s *stubLockService) Acquire(_ context.Context, _, _, _ string, _ time.Duration) (bool, error) {
	return s.acquired, s.err
}

func (s *stubLockService) Renew(_ context.Context, _, _ string) error {
	if s.err != nil {
		return s.err
	}
	s.renewed++
	return nil
}

func (s *stubLockService) Release(_ context.Context, _, ownerID string) error {
	if s.err != nil {
		return s.err
	}
	s.releasedOwner = ownerID
	return nil
}

func (s *stubLockService) ForceTakeover(_ context.Context, _, _, _ string, _ time.Duration) error {
	if s.err != nil {
		return s.err
	}
	s.takeovers++
	return nil
}

func (s *stubLockService) Status(_ context.Context, _ string) (domain.EditLock, error) {
	return s.lock, nil
}
