package api

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"risk-gateway/internal/common/errors"
	"risk-gateway/internal/common/logger"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the taxonomy and writes {detail, code}. Auth
// failures never say which check failed and server errors never echo their
// cause.
func writeError(w http.ResponseWriter, r *http.Request, log logger.Logger, err error) {
	stdErr := errors.FromError(err)
	status := errors.HTTPStatus(stdErr.Code)

	detail := stdErr.Message
	if status == http.StatusBadRequest && stdErr.Details != "" {
		detail = stdErr.Message + ": " + stdErr.Details
	}

	body := ErrorResponse{"detail": detail, "code": string(stdErr.Code)}
	if status == http.StatusBadRequest {
		for k, v := range stdErr.Metadata {
			body[k] = v
		}
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	if stdErr.Retryable {
		w.Header().Set("Retry-After", "1")
	}

	fields := map[string]interface{}{
		"path":      r.URL.Path,
		"status":    status,
		"errorCode": string(stdErr.Code),
	}
	if status >= http.StatusInternalServerError {
		fields["error"] = stdErr.Details
		logger.FromContext(r.Context(), log).Error("Request failed", fields)
	} else {
		logger.FromContext(r.Context(), log).Info("Request rejected", fields)
	}

	writeJSON(w, status, body)
}

// decodeJSON reads a size-limited JSON body into v, rejecting unknown
// fields and trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	defer r.Body.Close() //nolint:errcheck // best-effort close
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errors.NewInvalidRequestError("content type must be application/json")
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case stderrors.As(err, &tooLarge):
			return errors.NewInvalidRequestError(fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
		case stderrors.Is(err, io.EOF):
			return errors.NewInvalidRequestError("body is empty")
		default:
			return errors.NewInvalidRequestError(err.Error())
		}
	}
	if dec.More() {
		return errors.NewInvalidRequestError("body must contain a single JSON object")
	}
	return nil
}

// bearerToken extracts the credential from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errors.NewUnauthenticatedError("missing authorization header")
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errors.NewUnauthenticatedError("malformed authorization header")
	}
	return strings.TrimSpace(token), nil
}
