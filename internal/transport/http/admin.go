package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/soin8293/jd-tech-sub001/internal/clock"
	"github.com/soin8293/jd-tech-sub001/internal/domain"
)

// AdminService is the minimal interface needed for admin endpoints.
type AdminService interface {
	CreateResource(ctx context.Context, id, name string) error
	BlockPeriods(ctx context.Context, resourceID string, periods []domain.Period, reason, createdBy string, now time.Time) error
}

// HandleAdminResources returns an HTTP handler for registering rooms.
func HandleAdminResources(svc AdminService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		var req createResourceRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if req.ID == "" || req.Name == "" {
			writeError(w, http.StatusBadRequest, codeInvalidID, "id and name are required")
			return
		}

		if err := svc.CreateResource(r.Context(), req.ID, req.Name); err != nil {
			if errors.Is(err, domain.ErrInvalidID) {
				writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(createResourceRequest{ID: req.ID, Name: req.Name})
	}
}

// HandleAdminBlocks returns an HTTP handler for taking a room out of
// inventory over one or more date ranges (maintenance, renovations).
func HandleAdminBlocks(svc AdminService, clk clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resourceID, ok := parseAdminBlocksPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		createdBy := r.Header.Get(clientIDHeader)
		if createdBy == "" {
			writeError(w, http.StatusBadRequest, codeClientIDRequired, "X-Client-ID header is required")
			return
		}

		var req blockPeriodsRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if len(req.Periods) == 0 {
			writeError(w, http.StatusBadRequest, codeInvalidPeriod, "at least one period is required")
			return
		}

		periods := make([]domain.Period, 0, len(req.Periods))
		for _, p := range req.Periods {
			period, err := parsePeriod(p.Start, p.End)
			if err != nil {
				writeError(w, http.StatusBadRequest, codeInvalidPeriod, err.Error())
				return
			}
			periods = append(periods, period)
		}

		if err := svc.BlockPeriods(r.Context(), resourceID, periods, req.Reason, createdBy, clk.Now()); err != nil {
			switch {
			case errors.Is(err, domain.ErrInvalidID):
				writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
			case errors.Is(err, domain.ErrInvalidPeriod):
				writeError(w, http.StatusBadRequest, codeInvalidPeriod, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

type createResourceRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type blockPeriodsRequest struct {
	Reason  string        `json:"reason"`
	Periods []periodInput `json:"periods"`
}

type periodInput struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func parseAdminBlocksPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 {
		return "", false
	}
	if parts[0] != "admin" || parts[1] != "resources" || parts[3] != "blocks" {
		return "", false
	}
	if parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
