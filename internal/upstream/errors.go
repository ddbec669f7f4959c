package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"gitlab.com/timkado/api/click-attribution/internal/apperrors"
)

// graphErrorEnvelope is the error body returned by the Graph and Conversions APIs.
type graphErrorEnvelope struct {
	Error *graphError `json:"error"`
}

type graphError struct {
	Message     string `json:"message"`
	Type        string `json:"type"`
	Code        int    `json:"code"`
	Subcode     int    `json:"error_subcode"`
	IsTransient bool   `json:"is_transient"`
	TraceID     string `json:"fbtrace_id"`
}

// Vendor codes that mean the access token can no longer be used.
var authCodes = map[int]struct{}{
	102: {}, // session key invalid
	190: {}, // access token expired or invalidated
}

// Vendor codes that mean "try again later": unknown, service, throttling and
// temporary unavailability.
var transientCodes = map[int]struct{}{
	1:     {},
	2:     {},
	4:     {},
	17:    {},
	32:    {},
	341:   {},
	613:   {},
	80004: {},
}

// classifyResponse turns a non-2xx response into a classified error.
func classifyResponse(operation string, status int, body []byte) *apperrors.UpstreamError {
	ue := &apperrors.UpstreamError{
		Operation:  operation,
		StatusCode: status,
	}

	var env graphErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		ue.Code = env.Error.Code
		ue.Subcode = env.Error.Subcode
		ue.Type = env.Error.Type
		ue.Message = env.Error.Message
		ue.TraceID = env.Error.TraceID
	} else {
		ue.Message = http.StatusText(status)
	}

	switch {
	case isAuth(status, ue.Code, ue.Message):
		ue.Kind = apperrors.KindAuth
	case status >= http.StatusInternalServerError,
		status == http.StatusTooManyRequests,
		env.Error != nil && env.Error.IsTransient:
		ue.Kind = apperrors.KindTransient
	default:
		if _, ok := transientCodes[ue.Code]; ok {
			ue.Kind = apperrors.KindTransient
		} else {
			ue.Kind = apperrors.KindPermanent
		}
	}
	return ue
}

func isAuth(status, code int, message string) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	if _, ok := authCodes[code]; ok {
		return true
	}
	return status >= 400 && strings.Contains(strings.ToLower(message), "expired")
}

// classifyTransport wraps a failure that happened before a response was read.
// Cancellation is not an upstream failure and is returned as is.
func classifyTransport(ctx context.Context, operation string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &apperrors.UpstreamError{
		Kind:      apperrors.KindTransient,
		Operation: operation,
		Message:   err.Error(),
		Err:       err,
	}
}
