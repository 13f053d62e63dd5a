package handshake

// Error is returned when the remote peer sends an unacceptable handshake.
type Error struct {
	message string
}

func (e *Error) Error() string {
	return "handshake error: " + e.message
}

var (
	errInvalidProtocolLength = &Error{"invalid protocol length"}
	errInvalidProtocol       = &Error{"invalid protocol"}
	errInvalidInfoHash       = &Error{"invalid info hash"}
	errOwnConnection         = &Error{"dropped own connection"}
)

// IsOwnConnection reports whether err is caused by connecting to ourselves.
func IsOwnConnection(err error) bool {
	return err == errOwnConnection
}
