package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/soin8293/jd-tech-sub001/internal/app"
	"github.com/soin8293/jd-tech-sub001/internal/domain"
)

const clientIDHeader = "X-Client-ID"

// HoldService is the minimal interface needed for hold endpoints.
type HoldService interface {
	CreateHold(ctx context.Context, resourceID string, period domain.Period, ownerID string) (domain.ReservationHold, error)
	ReleaseHold(ctx context.Context, holdID string) error
	CommitHold(ctx context.Context, holdID, paymentRef string) (domain.Booking, error)
	CheckAvailability(ctx context.Context, resourceID string, period domain.Period) (bool, error)
	TimeRemaining(holdID string) time.Duration
	IsActive(holdID string) bool
}

// HandleCreateHold returns an HTTP handler for placing a hold on a
// room/period pair. The caller is identified by the X-Client-ID header.
func HandleCreateHold(svc HoldService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		ownerID := r.Header.Get(clientIDHeader)
		if ownerID == "" {
			writeError(w, http.StatusBadRequest, codeClientIDRequired, "X-Client-ID header is required")
			return
		}

		var req createHoldRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		period, err := req.period()
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidPeriod, err.Error())
			return
		}
		if req.ResourceID == "" {
			writeError(w, http.StatusBadRequest, codeInvalidID, "resource_id is required")
			return
		}

		hold, err := svc.CreateHold(r.Context(), req.ResourceID, period, ownerID)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidPeriod):
				writeError(w, http.StatusBadRequest, codeInvalidPeriod, err.Error())
			case errors.Is(err, domain.ErrInvalidID):
				writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
			case errors.Is(err, domain.ErrResourceUnavailable):
				writeError(w, http.StatusConflict, codeResourceUnavailable, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(holdResponse{
			ID:               hold.ID,
			ResourceID:       hold.ResourceID,
			Status:           string(hold.Status),
			PeriodStart:      hold.Period.Start,
			PeriodEnd:        hold.Period.End,
			ExpiresAt:        hold.ExpiresAt,
			RemainingSeconds: int(svc.TimeRemaining(hold.ID) / time.Second),
		})
	}
}

// HandleHoldByID returns an HTTP handler for GET /holds/{id},
// POST /holds/{id}/release and POST /holds/{id}/commit.
func HandleHoldByID(svc HoldService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		holdID, action, ok := parseHoldPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}

		switch action {
		case "":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
				return
			}
			remaining := svc.TimeRemaining(holdID)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(holdStatusResponse{
				ID:               holdID,
				Active:           svc.IsActive(holdID),
				RemainingSeconds: int(remaining / time.Second),
			})
		case "release":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
				return
			}
			if err := svc.ReleaseHold(r.Context(), holdID); err != nil {
				switch {
				case errors.Is(err, domain.ErrHoldNotFound):
					writeError(w, http.StatusNotFound, codeHoldNotFound, err.Error())
				case errors.Is(err, domain.ErrInvalidID):
					writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
				default:
					writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
				}
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "commit":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
				return
			}
			handleCommit(w, r, svc, holdID)
		default:
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
		}
	}
}

func handleCommit(w http.ResponseWriter, r *http.Request, svc HoldService, holdID string) {
	var req commitHoldRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}
	if req.PaymentRef == "" {
		writeError(w, http.StatusBadRequest, codePaymentRefRequired, "payment_ref is required")
		return
	}

	booking, err := svc.CommitHold(r.Context(), holdID, req.PaymentRef)
	if err != nil {
		var unknown *app.CommitUnknownError
		switch {
		case errors.Is(err, domain.ErrHoldNotFound):
			writeError(w, http.StatusNotFound, codeHoldNotFound, err.Error())
		case errors.Is(err, domain.ErrInvalidID):
			writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
		case errors.Is(err, domain.ErrHoldExpired):
			writeError(w, http.StatusConflict, codeHoldExpired, err.Error())
		case errors.Is(err, domain.ErrAlreadyCommitted):
			writeError(w, http.StatusConflict, codeAlreadyCommitted, err.Error())
		case errors.As(err, &unknown):
			// The payment reference must reach the caller so support can
			// settle the charge by hand.
			writeError(w, http.StatusBadGateway, codeCommitUnknown,
				"commit outcome unknown, keep payment ref "+unknown.PaymentRef)
		default:
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(bookingResponse{
		ID:          booking.ID,
		HoldID:      booking.HoldID,
		ResourceID:  booking.ResourceID,
		PaymentRef:  booking.PaymentRef,
		PeriodStart: booking.Period.Start,
		PeriodEnd:   booking.Period.End,
		CreatedAt:   booking.CreatedAt,
	})
}

// HandleAvailability returns an HTTP handler for availability queries.
func HandleAvailability(svc HoldService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		q := r.URL.Query()
		resourceID := q.Get("resource_id")
		if resourceID == "" {
			writeError(w, http.StatusBadRequest, codeInvalidID, "resource_id is required")
			return
		}
		period, err := parsePeriod(q.Get("start"), q.Get("end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidPeriod, err.Error())
			return
		}

		available, err := svc.CheckAvailability(r.Context(), resourceID, period)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidPeriod):
				writeError(w, http.StatusBadRequest, codeInvalidPeriod, err.Error())
			case errors.Is(err, domain.ErrInvalidID):
				writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(availabilityResponse{
			ResourceID: resourceID,
			Available:  available,
		})
	}
}

type createHoldRequest struct {
	ResourceID  string `json:"resource_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

type commitHoldRequest struct {
	PaymentRef string `json:"payment_ref"`
}

type bookingResponse struct {
	ID          string    `json:"id"`
	HoldID      string    `json:"hold_id"`
	ResourceID  string    `json:"resource_id"`
	PaymentRef  string    `json:"payment_ref"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r createHoldRequest) period() (domain.Period, error) {
	return parsePeriod(r.PeriodStart, r.PeriodEnd)
}

func parsePeriod(start, end string) (domain.Period, error) {
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return domain.Period{}, domain.ErrInvalidPeriod
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return domain.Period{}, domain.ErrInvalidPeriod
	}
	p := domain.Period{Start: s, End: e}
	if err := p.Validate(); err != nil {
		return domain.Period{}, err
	}
	return p, nil
}

func parseHoldPath(path string) (id, action string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "holds" || parts[1] == "" {
		return "", "", false
	}
	if len(parts) == 3 {
		return parts[1], parts[2], true
	}
	return parts[1], "", true
}

type holdResponse struct {
	ID               string    `json:"id"`
	ResourceID       string    `json:"resource_id"`
	Status           string    `json:"status"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int       `json:"remaining_seconds"`
}

type holdStatusResponse struct {
	ID               string `json:"id"`
	Active           bool   `json:"active"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

type availabilityResponse struct {
	ResourceID string `json:"resource_id"`
	Available  bool   `json:"available"`
}
