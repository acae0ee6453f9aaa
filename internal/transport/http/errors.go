package http

import (
	"encoding/json"
	"net/http"
)

const (
	codeMethodNotAllowed    = "method_not_allowed"
	codeNotFound            = "not_found"
	codeInvalidRequestBody  = "invalid_request_body"
	codeInvalidPeriod       = "invalid_period"
	codeInvalidID           = "invalid_id"
	codeClientIDRequired    = "client_id_required"
	codeInvalidDuration     = "invalid_duration"
	codeResourceUnavailable = "resource_unavailable"
	codeHoldNotFound        = "hold_not_found"
	codeHoldExpired         = "hold_expired"
	codeAlreadyCommitted    = "already_committed"
	codeLockHeld            = "lock_held"
	codePaymentRefRequired  = "payment_ref_required"
	codeCommitUnknown       = "commit_outcome_unknown"
	codeForbidden           = "forbidden"
	codeInternalError       = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}
