package dispatcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"syscall"
)

// Result codes for failures that happen before an HTTP status is available. The values match
// curl's exit statuses so scripts written against a curl-based client keep working.
const (
	CodeOK             = 0
	CodeFailed         = 1
	CodeResolveHost    = 6
	CodeConnect        = 7
	CodeTimeout        = 28
	CodeTLSHandshake   = 35
	CodePeerFailed     = 60
	CodeResponseTooBig = 63
	CodeCACert         = 77
)

// ExitCode maps the error returned by an outbound request to a result code. A nil error maps to
// CodeOK, an *HttpError to its HTTP status, and transport errors to the Code constants.
func ExitCode(err error) int {
	if err == nil {
		return CodeOK
	}

	var httpErr *HttpError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	var caErr *CAError
	if errors.As(err, &caErr) {
		return CodeCACert
	}
	if errors.Is(err, ErrResponseTooLarge) {
		return CodeResponseTooBig
	}
	if isCertificateError(err) {
		return CodePeerFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeResolveHost
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return CodeConnect
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return CodeConnect
	}
	// A peer that answers the ClientHello in plain HTTP fails the handshake. net/http reports it
	// as ErrSchemeMismatch instead of the underlying RecordHeaderError.
	if errors.Is(err, http.ErrSchemeMismatch) {
		return CodeTLSHandshake
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return CodeTLSHandshake
	}
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return CodeTLSHandshake
	}
	return CodeFailed
}

func isCertificateError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return true
	}
	var authorityErr x509.UnknownAuthorityError
	if errors.As(err, &authorityErr) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &invalidErr)
}
