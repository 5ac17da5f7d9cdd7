package symbiosome

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrOriginInvalid = errors.New("symbiosome: origins must be scheme://host[:port] with an http or https scheme")

	ErrInvalidCfg           = errors.New("symbiosome: invalid options")
	ErrClosed               = errors.New("symbiosome: engine was shut down")
	ErrDuplicateOrigin      = errors.New("symbiosome: origin is already registered")
	ErrSelfOrigin           = errors.New("symbiosome: operation is not valid for this instance's own origin")
	ErrNotFound             = errors.New("symbiosome: no registration for origin")
	ErrPortalNotFound       = errors.New("symbiosome: no portal for origin")
	ErrTransportUnavailable = errors.New("symbiosome: cross-origin transport unavailable")

	ErrNoTLSConfig   = errors.New("transport: TlsConfig is required")
	ErrFrameInvalid  = errors.New("transport: malformed frame")
	ErrTooLargeFrame = errors.New("transport: frame was too large could not send")
	ErrPortalClosed  = errors.New("transport: portal connection closed")
	ErrNotAccepting  = errors.New("transport: not in portal mode, inbound side disabled")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrWrongOrigin = QuicApplicationError{
		Code:   0x5,
		Prefix: "wrong origin",
	}
	QErrPortalRemoved = QuicApplicationError{
		Code:   0x6,
		Prefix: "portal removed",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
