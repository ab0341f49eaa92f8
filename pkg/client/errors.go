package client

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/ipwbridge/pkg/signer"
)

var (
	// ErrAuthenticationFailed matches every authentication failure: rejected
	// credentials, a malformed authenticate response, or a token rejected
	// again right after a refresh. Use errors.As with *AuthError for details.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrEmptyUploadBatch is returned by Upload when no files are given.
	ErrEmptyUploadBatch = errors.New("upload batch contains no files")

	// ErrInvalidArgument is returned for requests rejected before any network call.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidResponse is returned when a successful response is not valid JSON.
	ErrInvalidResponse = errors.New("response body is not valid JSON")

	// ErrMalformedPayload is returned when a model payload is not a JSON object.
	ErrMalformedPayload = signer.ErrMalformedPayload
)

// tokenRejectedMarker is the error text the API returns for unknown or
// revoked session tokens. There is no structured error code to match on.
const tokenRejectedMarker = "Token doesn't exist in the database"

// AuthError describes a failed authentication attempt.
type AuthError struct {
	Status int    // HTTP status, 0 when no response was received
	Body   string // response body, if any
	Reason string
	Err    error // underlying transport or decode error
}

func (e *AuthError) Error() string {
	msg := "authentication failed: " + e.Reason
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d: %s)", e.Status, e.Body)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrAuthenticationFailed) hold for every *AuthError.
func (e *AuthError) Is(target error) bool { return target == ErrAuthenticationFailed }

// RemoteError is a non-success response from an API endpoint.
type RemoteError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: server error %d: %s", e.Endpoint, e.Status, e.Body)
}
