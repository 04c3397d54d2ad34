package dispatcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sersebasti/tesla-command/internal/log"
)

// MaxResponseLength caps the number of response bytes read from the proxy.
const MaxResponseLength = 100000

// ErrResponseTooLarge indicates the proxy returned more than MaxResponseLength bytes.
var ErrResponseTooLarge = errors.New("response exceeds maximum length")

// HttpError is returned when the proxy answers with a non-2xx status. Message holds the response
// body, which usually contains the proxy's JSON error document.
type HttpError struct {
	Code    int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Code)
	}
	return e.Message
}

// Temporary returns true for statuses the proxy uses when the vehicle is asleep or unreachable.
func (e *HttpError) Temporary() bool {
	return e.Code == http.StatusServiceUnavailable ||
		e.Code == http.StatusGatewayTimeout ||
		e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusMisdirectedRequest
}

// CAError indicates the CA certificate file could not be used.
type CAError struct {
	Filename string
	Err      error
}

func (e *CAError) Error() string {
	return fmt.Sprintf("problem with CA certificate %s: %s", e.Filename, e.Err)
}

func (e *CAError) Unwrap() error {
	return e.Err
}

// loadCertPool returns a pool containing only the certificates in filename.
func loadCertPool(filename string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, &CAError{Filename: filename, Err: err}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, &CAError{Filename: filename, Err: errors.New("no PEM certificates found")}
	}
	return pool, nil
}

// newClient returns an HTTP client that trusts only the certificates in pool. Environment proxy
// settings are ignored since the endpoint is normally on the local host.
func newClient(pool *x509.CertPool) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    pool,
				MinVersion: tls.VersionTLS12,
			},
			ForceAttemptHTTP2: true,
		},
	}
}

func readWithContext(ctx context.Context, r io.Reader, p []byte) ([]byte, error) {
	bytesRead := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := r.Read(p[bytesRead:])
		bytesRead += n
		if err == io.EOF {
			return p[:bytesRead], nil
		}
		if err != nil {
			return p[:bytesRead], err
		}
		if bytesRead == len(p) {
			return p[:bytesRead], nil
		}
	}
}

type outboundRequest struct {
	url        string
	authHeader string
	userAgent  string
	requestID  string
	body       []byte
}

// post sends req and returns the response body. Non-2xx responses are returned as *HttpError.
func post(ctx context.Context, client *http.Client, req *outboundRequest) ([]byte, error) {
	log.Debug("Sending request %s to %s: %s", req.requestID, req.url, req.body)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, req.url, bytes.NewReader(req.body))
	if err != nil {
		return nil, err
	}

	request.Header.Set("User-Agent", req.userAgent)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", req.authHeader)
	request.Header.Set("Accept", "*/*")
	request.Header.Set("X-Request-Id", req.requestID)

	result, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer result.Body.Close()

	body := make([]byte, MaxResponseLength+1)
	body, err = readWithContext(ctx, result.Body, body)
	if err != nil {
		return nil, err
	}
	if len(body) == MaxResponseLength+1 {
		return nil, ErrResponseTooLarge
	}

	log.Debug("Server returned %d: %s: %s", result.StatusCode, http.StatusText(result.StatusCode), body)
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return nil, &HttpError{Code: result.StatusCode, Message: string(body)}
	}
	return body, nil
}
