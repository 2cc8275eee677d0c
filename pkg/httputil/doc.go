// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteSuccess(w, record)
//	httputil.WriteCreated(w, integration)
//
// Error responses always carry {"error": ..., "detail": ...}:
//
//	httputil.WriteBadRequest(w, "invalid days parameter")
//	httputil.WriteUnauthorized(w, "Invalid API key", "the supplied key is not recognised")
//	httputil.WriteForbidden(w, "Required permission: admin_all")
//	httputil.WriteInternalError(w)
//
// # Request Parsing
//
//	var req GrantRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	limit, err := httputil.ParseQueryInt(r, "limit", 100)
//	since, err := httputil.ParseQueryTime(r, "start_date")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(10*1024*1024),
//	)
package httputil
