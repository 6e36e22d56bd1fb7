package server

import (
	"errors"
	"fmt"
)

// OAuth 2.0 error codes (RFC 6749 Section 4.1.2.1 and 5.2, RFC 7591 Section 3.2.2).
// These are duplicated in the root package's errors.go for its wire types.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
)

// genericServerErrorDescription is the only description callers see for internal faults
const genericServerErrorDescription = "The authorization server encountered an unexpected condition"

// Error is a protocol error returned by every Server operation.
// Code is one of the ErrorCode constants; Err keeps the internal cause for
// logs and errors.Is and is never shown to the client.
type Error struct {
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Redirectable reports whether an authorization endpoint error may be sent
// back to the client's redirect URI. Errors about the client or the redirect
// URI itself must be shown to the user agent instead (RFC 6749 Section 4.1.2.1).
func (e *Error) Redirectable() bool {
	switch e.Code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidRedirectURI, ErrorCodeServerError:
		return false
	default:
		return true
	}
}

func newError(code, description string, err error) *Error {
	return &Error{Code: code, Description: description, Err: err}
}

func invalidRequest(description string) *Error {
	return newError(ErrorCodeInvalidRequest, description, nil)
}

func invalidClient(err error) *Error {
	return newError(ErrorCodeInvalidClient, "Client authentication failed", err)
}

// invalidGrant uses one description for every cause so callers cannot tell
// an unknown code from a replayed or mismatched one.
func invalidGrant(err error) *Error {
	return newError(ErrorCodeInvalidGrant, "The provided authorization grant is invalid, expired, or revoked", err)
}

func unauthorizedClient(description string) *Error {
	return newError(ErrorCodeUnauthorizedClient, description, nil)
}

func invalidScope(err error) *Error {
	return newError(ErrorCodeInvalidScope, "The requested scope is invalid or exceeds the granted scope", err)
}

func serverError(err error) *Error {
	return newError(ErrorCodeServerError, genericServerErrorDescription, err)
}

// AsError returns err as *Error. Anything that is not already a protocol
// error becomes server_error with a generic description.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return serverError(err)
}
