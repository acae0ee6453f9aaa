package http

import "net/http"

// NotFoundHandler answers routes outside the booking API with the same
// JSON error envelope the handlers use, so clients never see the
// stdlib's plain-text 404.
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	})
}
