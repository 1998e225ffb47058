// Package errs holds the sentinel errors shared by the signaling and recording layers
// and their stable wire codes.
package errs

import "errors"

var (
	ErrAuthenticationFailed = errors.New("authentication failed")

	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFull     = errors.New("session is full")
	ErrAlreadyJoined   = errors.New("client already in session")
	ErrNotHost         = errors.New("session is owned by another host")
	ErrNotInSession    = errors.New("not in a session")

	ErrPeerNotFound          = errors.New("peer not found")
	ErrRecipientNotInSession = errors.New("recipient not found in session")
	ErrMissingRecipient      = errors.New("missing recipient")

	ErrInvalidState     = errors.New("invalid state")
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")

	ErrPermissionDenied     = errors.New("permission denied")
	ErrDeviceNotFound       = errors.New("device not found")
	ErrInitializationFailed = errors.New("initialization failed")
	ErrEncodingNotSupported = errors.New("encoding not supported")
	ErrRecordingFailed      = errors.New("recording failed")

	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrBadPayload      = errors.New("bad payload")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrAuthenticationFailed, "AUTHENTICATION_FAILED"},
	{ErrSessionNotFound, "SESSION_NOT_FOUND"},
	{ErrSessionFull, "SESSION_FULL"},
	{ErrAlreadyJoined, "ALREADY_JOINED"},
	{ErrNotHost, "NOT_HOST"},
	{ErrNotInSession, "NOT_IN_SESSION"},
	{ErrPeerNotFound, "PEER_NOT_FOUND"},
	{ErrRecipientNotInSession, "RECIPIENT_NOT_IN_SESSION"},
	{ErrMissingRecipient, "MISSING_RECIPIENT"},
	{ErrInvalidState, "INVALID_STATE"},
	{ErrAlreadyRecording, "ALREADY_RECORDING"},
	{ErrNotRecording, "NOT_RECORDING"},
	{ErrPermissionDenied, "PERMISSION_DENIED"},
	{ErrDeviceNotFound, "DEVICE_NOT_FOUND"},
	{ErrInitializationFailed, "INITIALIZATION_FAILED"},
	{ErrEncodingNotSupported, "ENCODING_NOT_SUPPORTED"},
	{ErrRecordingFailed, "RECORDING_FAILED"},
	{ErrRateLimited, "RATE_LIMITED"},
	{ErrPayloadTooLarge, "PAYLOAD_TOO_LARGE"},
	{ErrBadPayload, "BAD_PAYLOAD"},
}

// Code returns the wire code of the first sentinel err wraps, or "INTERNAL".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// FromCode maps a wire code back to its sentinel, nil when unknown.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
