package wecom

import (
	"errors"
	"fmt"
	"net/http"
)

// Platform error codes the gateway reacts to.
const (
	CodeInvalidToken  = 40014
	CodeMissingToken  = 41001
	CodeExpiredToken  = 42001
	CodeIPNotAllowed  = 60020
	codeTransportFail = -2
)

// APIError is a non-zero errcode or a non-2xx HTTP status from the platform.
type APIError struct {
	Code       int
	Message    string
	HTTPStatus int
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("wecom api error %d: %s", e.Code, e.Message)
	if e.HTTPStatus != 0 && e.HTTPStatus != http.StatusOK {
		msg += fmt.Sprintf(" (http %d)", e.HTTPStatus)
	}
	if e.Code == CodeIPNotAllowed {
		msg += "; add this server's egress IP to the app's trusted IP list"
	}
	return msg
}

// IsTokenRejected reports whether err means the access token was refused and
// a fresh one might succeed.
func IsTokenRejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.HTTPStatus == http.StatusUnauthorized {
		return true
	}
	switch apiErr.Code {
	case CodeInvalidToken, CodeMissingToken, CodeExpiredToken:
		return true
	}
	return false
}
