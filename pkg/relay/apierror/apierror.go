// Package apierror maps internal errors onto the wire error envelope
// returned by HTTP endpoints.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voxline/voxline/pkg/relay/pool"
	"github.com/voxline/voxline/pkg/relay/protocol"
	"github.com/voxline/voxline/pkg/relay/registry"
	"github.com/voxline/voxline/pkg/relay/store"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrAPI            ErrorType = "api_error"
)

type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e *Error) Error() string { return string(e.Type) + ": " + e.Message }

type Envelope struct {
	Error *Error `json:"error"`
}

// FromError classifies err into a canonical wire error and HTTP status.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, statusFromType(out.Type)
	}

	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &Error{
			Type:      ErrInvalidRequest,
			Message:   decodeErr.Message,
			Param:     decodeErr.Param,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return &Error{
			Type:      ErrNotFound,
			Message:   "session not found",
			RequestID: requestID,
		}, http.StatusNotFound
	case errors.Is(err, registry.ErrCapacityExceeded):
		return &Error{
			Type:      ErrOverloaded,
			Message:   "connection capacity exceeded",
			RequestID: requestID,
		}, http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrTimeout), errors.Is(err, pool.ErrNotPrepared):
		return &Error{
			Type:      ErrOverloaded,
			Message:   "no speech engine available",
			RequestID: requestID,
		}, http.StatusServiceUnavailable
	}

	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func statusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func WriteJSON(w http.ResponseWriter, status int, err *Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: err})
}
