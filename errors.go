package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	errNotFound            = errors.New("not found")
	errAmbiguousDomain     = errors.New("request does not specify domain unambiguously")
	errConcurrencyConflict = errors.New("concurrent modification, please retry")
	errContractViolation   = errors.New("contract violation")
	errScopeAborted        = errors.New("change tracking scope aborted")
	errRestrictedType      = errors.New("record type is managed by the service")
	errDomainLimit         = errors.New("domain limit reached")
	errUnauthorized        = errors.New("unauthorized")
	errZoneNotFound        = errors.New("zone not found at nameserver")
	errZoneExists          = errors.New("zone already exists at nameserver")
)

// validationError is a request that can never succeed as sent.
type validationError struct {
	Field string
	Msg   string
}

func (e *validationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func invalidf(field, format string, args ...any) error {
	return &validationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// syncError reports domains whose local state could not be pushed to the
// nameserver. The local change is already committed.
type syncError struct {
	Domains []string
	Err     error
}

func (e *syncError) Error() string {
	return fmt.Sprintf("sync %s: %v", strings.Join(e.Domains, ","), e.Err)
}

func (e *syncError) Unwrap() error {
	return e.Err
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func errorStatus(err error) (int, errorBody) {
	var (
		verr *validationError
		serr *syncError
	)

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorBody{Error: verr.Error(), Code: "invalid"}
	case errors.As(err, &serr):
		return http.StatusBadGateway, errorBody{
			Error: "change stored, nameserver update pending: " + serr.Error(),
			Code:  "sync-pending",
		}
	case errors.Is(err, errNotFound):
		return http.StatusNotFound, errorBody{Error: "not found", Code: "not-found"}
	case errors.Is(err, errAmbiguousDomain):
		return http.StatusConflict, errorBody{Error: errAmbiguousDomain.Error() + ".", Code: "domain-ambiguous"}
	case errors.Is(err, errConcurrencyConflict):
		return http.StatusTooManyRequests, errorBody{Error: errConcurrencyConflict.Error(), Code: "concurrency"}
	case errors.Is(err, errRestrictedType):
		return http.StatusForbidden, errorBody{Error: err.Error(), Code: "restricted-type"}
	case errors.Is(err, errDomainLimit):
		return http.StatusForbidden, errorBody{Error: errDomainLimit.Error(), Code: "domain-limit"}
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthorized"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, body := errorStatus(err)
	l := loggerFrom(r.Context())
	switch {
	case code >= 500:
		l.Error("request failed", "status", code, "err", err)
	case code == http.StatusTooManyRequests:
		w.Header().Set("Retry-After", "1")
		l.Warn("request conflicted", "err", err)
	default:
		l.Debug("request rejected", "status", code, "err", err)
	}
	writeJSON(w, code, body)
}
