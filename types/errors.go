package types

import (
	"errors"
	"fmt"
)

// Error codes carried in m.error frames.
const (
	ErrCodeAuthFailed      = "auth_failed"
	ErrCodeNameInUse       = "name_in_use"
	ErrCodeBadRequest      = "bad_request"
	ErrCodeUnknownType     = "unknown_type"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeNotFound        = "not_found"
	ErrCodeForbidden       = "forbidden"
	ErrCodeBanned          = "banned"
	ErrCodeTooLarge        = "too_large"
	ErrCodeTransferAborted = "transfer_aborted"
	ErrCodeTooManyUploads  = "too_many_uploads"
	ErrCodeStorage         = "storage"
	ErrCodeRoomNotEmpty    = "room_not_empty"
	ErrCodeInternal        = "internal"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrNotMember        = errors.New("not a member of this room")
	ErrNotOwner         = errors.New("only room owners may do this")
	ErrBanned           = errors.New("banned from this room")
	ErrWrongPassword    = errors.New("incorrect room password")
	ErrRoomNotEmpty     = errors.New("room still has members")
	ErrUserNotInRoom    = errors.New("user not in room")
	ErrFileNotFound     = errors.New("file not found")
	ErrNotFound         = errors.New("not found")
	ErrTransferNotFound = errors.New("unknown transfer")
	ErrNameInUse        = errors.New("username already connected")
	ErrTooLarge         = errors.New("file exceeds the size limit")
	ErrTooManyUploads   = errors.New("too many uploads in progress")
	ErrUnknownType      = errors.New("unknown frame type")
)

// BindError is returned when the listening socket cannot be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("could not bind %s: %s", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// AuthError is returned when the challenge-response or the TLS identity is rejected.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %s", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectError is returned by the client when the transport cannot be established.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("could not connect to %s: %s", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError marks a malformed or unknown frame. It is local to one connection.
type ProtocolError struct {
	Type string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("protocol error in %s: %s", e.Type, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RateLimitError is returned when a connection exceeds its message rate.
type RateLimitError struct {
	Strikes int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%d strikes)", e.Strikes)
}

// TransferError aborts or rejects a file transfer. Partial bytes are discarded. Err is the cause of a rejection
// and decides the error code when set.
type TransferError struct {
	TransferId string
	Reason     string
	Err        error
}

func (e *TransferError) Error() string {
	if e.Reason == "" && e.Err != nil {
		return fmt.Sprintf("transfer %s rejected: %s", e.TransferId, e.Err)
	}
	return fmt.Sprintf("transfer %s aborted: %s", e.TransferId, e.Reason)
}

func (e *TransferError) Unwrap() error { return e.Err }

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %s", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CryptoError marks a failed signature, HMAC or AEAD verification. The payload must be discarded.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s: %s", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// ErrorCode maps an error to the code sent in m.error frames.
func ErrorCode(err error) string {
	var (
		authErr     *AuthError
		protoErr    *ProtocolError
		rateErr     *RateLimitError
		transferErr *TransferError
		storageErr  *StorageError
		cryptoErr   *CryptoError
	)
	switch {
	case errors.Is(err, ErrUnknownType):
		return ErrCodeUnknownType
	case errors.As(err, &authErr):
		return ErrCodeAuthFailed
	case errors.As(err, &rateErr):
		return ErrCodeRateLimited
	case errors.As(err, &transferErr):
		if transferErr.Err != nil {
			return ErrorCode(transferErr.Err)
		}
		return ErrCodeTransferAborted
	case errors.As(err, &storageErr):
		return ErrCodeStorage
	case errors.As(err, &cryptoErr), errors.As(err, &protoErr):
		return ErrCodeBadRequest
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrFileNotFound), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUserNotInRoom), errors.Is(err, ErrTransferNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrNotMember), errors.Is(err, ErrNotOwner), errors.Is(err, ErrWrongPassword):
		return ErrCodeForbidden
	case errors.Is(err, ErrBanned):
		return ErrCodeBanned
	case errors.Is(err, ErrRoomNotEmpty):
		return ErrCodeRoomNotEmpty
	case errors.Is(err, ErrNameInUse):
		return ErrCodeNameInUse
	case errors.Is(err, ErrTooLarge):
		return ErrCodeTooLarge
	case errors.Is(err, ErrTooManyUploads):
		return ErrCodeTooManyUploads
	}
	return ErrCodeInternal
}
