/**
 * @description
 * HTTP handlers for the ledger service. Handlers parse the request, call the
 * application service with the authenticated principal, and translate domain
 * errors into status codes. They hold no business rules of their own.
 *
 * @dependencies
 * - github.com/google/uuid: path and query identifiers.
 * - internal/app, internal/domain: service operations, models and sentinel errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coopbank/ledger-service/internal/app"
	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service *app.Service
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *app.Service) *Handlers {
	return &Handlers{service: service}
}

// errorStatus maps a service error to an HTTP status and a client-safe message.
func errorStatus(err error) (int, string) {
	switch {
	case domain.IsValidationError(err):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, err.Error()
	case errors.Is(err, domain.ErrLimitExceeded):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, domain.ErrAlreadyFinalized),
		errors.Is(err, domain.ErrNotAwaitingApproval),
		errors.Is(err, domain.ErrAwaitingApproval),
		errors.Is(err, domain.ErrNotCancellable),
		errors.Is(err, domain.ErrAccountAlreadyOpened),
		errors.Is(err, domain.ErrAccountExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrGatewayRejected):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "Payment provider unavailable, try again later"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// fail logs and writes a service error. Server-side failures log at error, client
// mistakes at warn.
func (h *Handlers) fail(w http.ResponseWriter, endpoint string, principal domain.Principal, err error) {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Printf("level=error component=api endpoint=%s outcome=failed user_id=%s err=%v", endpoint, principal.UserID, err)
	} else {
		log.Printf("level=warn component=api endpoint=%s outcome=reject status=%d user_id=%s err=%v", endpoint, status, principal.UserID, err)
	}
	writeError(w, status, message)
}

// principal returns the authenticated caller, writing a 401 when absent.
func (h *Handlers) principal(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return domain.Principal{}, false
	}
	return principal, true
}

// decodeBody reads a JSON body into dst, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// uuidParam parses a chi URL parameter as a UUID.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	if raw == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s is required", name))
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s format", name))
		return uuid.Nil, false
	}
	return id, true
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// pageRequest reads ?page and ?limit; the service clamps them.
func pageRequest(w http.ResponseWriter, r *http.Request) (domain.PageRequest, bool) {
	page, err := parseOptionalPositiveInt(r.URL.Query().Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page")
		return domain.PageRequest{}, false
	}
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), domain.DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return domain.PageRequest{}, false
	}
	return domain.PageRequest{Page: page, Limit: limit}.Normalize(), true
}

// parseDate accepts RFC 3339 timestamps and plain calendar dates.
func parseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
