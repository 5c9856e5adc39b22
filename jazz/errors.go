package jazz

import (
	"errors"
	"fmt"
)

// errors.go provides the error kinds of the jazz package
//
// error type checking:
//   a connection error of any kind matches errors.Is(err, ErrConnection)
//   a decoding error matches errors.Is(err, ErrMessage)
//   the concrete type can be recovered with errors.As

var (
	// no coordinator host could be determined from the config or the environment
	ErrEnvironment = errors.New("no coordinator host available")
	// the connection settings are inconsistent
	ErrSettings = errors.New("invalid settings")
)

var (
	ErrConnection   = errors.New("connection error")
	ErrNotConnected = errors.New("connection is not up")
	ErrStoreClosed  = errors.New("store closed")
)

var (
	ErrMessage = errors.New("message error")
)

// an established connection broke
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (self *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %s", self.Endpoint, self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

func (self *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// the initial handshake never succeeded
type ConnectionFailedError struct {
	ConnectionError
}

func newConnectionFailedError(endpoint string, err error) *ConnectionFailedError {
	return &ConnectionFailedError{
		ConnectionError: ConnectionError{Endpoint: endpoint, Err: err},
	}
}

func (self *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection failed (%s): %s", self.Endpoint, self.Err)
}

// the peer closed an established connection
type ConnectionClosedError struct {
	ConnectionError
	Code int
}

func newConnectionClosedError(endpoint string, code int, err error) *ConnectionClosedError {
	return &ConnectionClosedError{
		ConnectionError: ConnectionError{Endpoint: endpoint, Err: err},
		Code:            code,
	}
}

func (self *ConnectionClosedError) Error() string {
	return fmt.Sprintf("connection closed (%s, %d): %s", self.Endpoint, self.Code, self.Err)
}

// an inbound frame was not a UTF-8 text frame holding a JSON object
type MessageDecodingError struct {
	MessageType int
	Err         error
}

func (self *MessageDecodingError) Error() string {
	if self.Err == nil {
		return fmt.Sprintf("message decoding error (type %d)", self.MessageType)
	}
	return fmt.Sprintf("message decoding error (type %d): %s", self.MessageType, self.Err)
}

func (self *MessageDecodingError) Unwrap() error {
	return self.Err
}

func (self *MessageDecodingError) Is(target error) bool {
	return target == ErrMessage
}
