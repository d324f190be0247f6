package dzplugin

import (
	"context"
	stderrors "errors"
	"io"

	"github.com/HMasataka/dzplugin/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinels for errors.Is. Every error returned by this package is an
// *errors.Error matching exactly one of them.
var (
	// ErrConnection is returned when the channel to the host cannot be set up
	ErrConnection = errors.Kind(errors.ErrorTypeConnection)

	// ErrAuth is returned for a malformed token or one the host rejected
	ErrAuth = errors.Kind(errors.ErrorTypeAuth)

	// ErrTransport ends a session whose stream broke
	ErrTransport = errors.Kind(errors.ErrorTypeTransport)

	// ErrProtocolMisuse ends a listener session whose handler returned a
	// replacement without being registered as middleware
	ErrProtocolMisuse = errors.Kind(errors.ErrorTypeProtocolMisuse)

	// ErrApplication is reported for a single failed event or invocation
	ErrApplication = errors.Kind(errors.ErrorTypeApplication)

	// ErrValidation is returned for invalid arguments
	ErrValidation = errors.Kind(errors.ErrorTypeValidation)
)

// callError classifies the error of a unary call or of opening a stream.
func callError(err error, code, message string) *errors.Error {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return errors.Wrap(err, errors.ErrorTypeAuth, "UNAUTHENTICATED", message)
	case codes.Unavailable:
		return errors.Wrap(err, errors.ErrorTypeConnection, "UNAVAILABLE", message)
	default:
		return errors.Wrap(err, errors.ErrorTypeTransport, code, message)
	}
}

// streamError classifies an error ending a session stream. It returns nil
// for a stream the host closed normally and for one whose context was
// cancelled by the session owner.
func streamError(ctx context.Context, err error) error {
	if err == nil || stderrors.Is(err, io.EOF) {
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return errors.Wrap(err, errors.ErrorTypeAuth, "UNAUTHENTICATED", "host rejected the credential")
	default:
		return errors.Wrap(err, errors.ErrorTypeTransport, "STREAM_BROKEN", "session stream broken")
	}
}
