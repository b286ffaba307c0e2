package protocol

import (
	"context"
	"crypto/x509"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"

	"github.com/customeros/popstack/internal/linestream"
	"github.com/customeros/popstack/internal/mailerror"
)

// NetworkFailure wraps a transport level error with the account error code
// that describes it. fallback is used when the error is not recognized.
func NetworkFailure(err error, fallback mailerror.Code) error {
	if err == nil {
		return nil
	}
	var mailErr *mailerror.Error
	if errors.As(err, &mailErr) {
		return err
	}
	return mailerror.Wrap(classify(err, fallback), err)
}

// IsNetworkFailure reports whether err should be handled by reconnecting.
func IsNetworkFailure(err error) bool {
	return err != nil && mailerror.IsNetworkError(mailerror.CodeOf(err))
}

func classify(err error, fallback mailerror.Code) mailerror.Code {
	if code := classifyTLS(err); code != mailerror.None {
		return code
	}

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, linestream.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return mailerror.ConnectionTimedOut
	case errors.Is(err, linestream.ErrLineTooLong):
		// the reply can no longer be framed, so the connection is lost
		return mailerror.ConnectionFailed
	case errors.Is(err, linestream.ErrDisconnected),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return mailerror.NoNetwork
	case errors.As(err, &dnsErr):
		return mailerror.HostNotFound
	case errors.As(err, &netErr) && netErr.Timeout():
		return mailerror.ConnectionTimedOut
	}
	return fallback
}

func classifyTLS(err error) mailerror.Code {
	var hostErr x509.HostnameError
	var authErr x509.UnknownAuthorityError
	var invalidErr x509.CertificateInvalidError
	switch {
	case errors.As(err, &hostErr):
		return mailerror.SslHostNameMismatched
	case errors.As(err, &authErr):
		return mailerror.SslCertificateNotTrusted
	case errors.As(err, &invalidErr):
		if invalidErr.Reason == x509.Expired {
			return mailerror.SslCertificateExpired
		}
		return mailerror.SslCertificateInvalid
	}
	return mailerror.None
}
