/*
Package dispatcher sends vehicle commands to a vehicle-command HTTP proxy.

The proxy (for example, tesla-http-proxy) exposes Tesla's Fleet API REST endpoints over TLS on a
local port and signs commands on the client's behalf. A [Dispatcher] POSTs one command per call
to

	https://<host>:<port>/api/1/vehicles/<vin>/command/<command>

with the cached OAuth token as a bearer credential, trusting only the CA certificate named in
[Config]. Failures are reported inside the returned [command.Result] rather than retried.

# Examples

	d := dispatcher.New(dispatcher.Config{
		Host:   "localhost",
		Port:   4443,
		VIN:    vin,
		CAFile: "tesla-proxy-config/cert.pem",
	}, tokenSource)
	result, err := d.Dispatch(ctx, command.Request{Name: "charge_start"})
	if err != nil {
		// Nothing was sent: token unavailable or invalid command value.
	}
*/
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sersebasti/tesla-command/internal/log"
	"github.com/sersebasti/tesla-command/pkg/command"
	"github.com/sersebasti/tesla-command/pkg/token"
)

var (
	ErrMissingVIN  = errors.New("missing vin")
	ErrMissingHost = errors.New("missing proxy host")
)

// TokenSource supplies the OAuth access token used to authorize commands.
type TokenSource interface {
	// AccessToken returns a non-empty token or an error wrapping token.ErrNotFound.
	AccessToken() (string, error)
}

// Config describes the proxy endpoint and the vehicle that commands are addressed to.
type Config struct {
	Host      string
	Port      int
	VIN       string
	CAFile    string        // PEM file with the certificate(s) used to verify the proxy.
	Timeout   time.Duration // Per-command timeout. Zero means no timeout.
	UserAgent string        // Defaults to tesla-command/<version>.
}

// Validate checks that c identifies an endpoint and a vehicle.
func (c *Config) Validate() error {
	if c.VIN == "" {
		return ErrMissingVIN
	}
	if c.Host == "" {
		return ErrMissingHost
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid proxy port %d", c.Port)
	}
	return nil
}

// BaseURL returns the scheme and authority of the proxy.
func (c *Config) BaseURL() string {
	return "https://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Dispatcher sends commands to a single vehicle through the proxy. It is not safe for concurrent
// use.
type Dispatcher struct {
	// Client is used for outbound requests. If nil, a client that trusts only Config.CAFile is
	// created on first use.
	Client *http.Client

	config      Config
	tokens      TokenSource
	accessToken string
	userAgent   string
	now         func() time.Time
}

// New returns a Dispatcher. The CA file and token are not read until the first command is
// dispatched.
func New(config Config, tokens TokenSource) *Dispatcher {
	return &Dispatcher{
		config:    config,
		tokens:    tokens,
		userAgent: buildUserAgent(config.UserAgent),
		now:       time.Now,
	}
}

// Token returns the access token, loading it from the TokenSource on first use.
func (d *Dispatcher) Token() (string, error) {
	if d.accessToken != "" {
		return d.accessToken, nil
	}
	accessToken, err := d.tokens.AccessToken()
	if err != nil {
		if !errors.Is(err, token.ErrNotFound) {
			err = fmt.Errorf("%w: %w", token.ErrNotFound, err)
		}
		return "", err
	}
	if accessToken == "" {
		return "", token.ErrNotFound
	}
	log.Debug("Loaded access token %s", log.Mask(accessToken))
	d.inspect(accessToken)
	d.accessToken = accessToken
	return accessToken, nil
}

// inspect logs diagnostics about JWT access tokens. Tokens are never refreshed here; an expired
// token is sent anyway and the proxy's answer is reported.
func (d *Dispatcher) inspect(accessToken string) {
	claims, err := token.ParseClaims(accessToken)
	if err != nil {
		log.Debug("Not inspecting access token: %s", err)
		return
	}
	if claims.Expired(d.now()) {
		log.Warning("Access token expired at %s; the proxy will likely reject it", claims.ExpiresAt.Format(time.RFC3339))
	} else if !claims.ExpiresAt.IsZero() {
		log.Debug("Access token for subject '%s' expires at %s", claims.Subject, claims.ExpiresAt.Format(time.RFC3339))
	}
}

// URL returns the endpoint that req is sent to.
func (d *Dispatcher) URL(req command.Request) string {
	return d.config.BaseURL() + "/" + req.Endpoint(d.config.VIN)
}

func (d *Dispatcher) client() (*http.Client, error) {
	if d.Client != nil {
		return d.Client, nil
	}
	pool, err := loadCertPool(d.config.CAFile)
	if err != nil {
		return nil, err
	}
	d.Client = newClient(pool)
	return d.Client, nil
}

// Dispatch sends req to the vehicle.
//
// A non-nil error means nothing was sent. Checks run in this order: an access token must be
// available (the error wraps token.ErrNotFound), the request value must be valid (the error wraps
// command.ErrInvalidValue or command.ErrValueOutOfRange), and the configuration must name a
// vehicle and an endpoint. Otherwise the outcome, including
// network and HTTP failures, is described by the returned Result. Its Code is 0 on success, the
// HTTP status for non-2xx responses and a [ExitCode] value for transport errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req command.Request) (*command.Result, error) {
	accessToken, err := d.Token()
	if err != nil {
		return nil, err
	}
	body, err := req.Body()
	if err != nil {
		return nil, err
	}
	if err := d.config.Validate(); err != nil {
		return nil, err
	}

	if d.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
	}

	outbound := outboundRequest{
		url:        d.URL(req),
		authHeader: "Bearer " + accessToken,
		userAgent:  d.userAgent,
		requestID:  uuid.NewString(),
		body:       body,
	}
	log.Info("Sending command '%s' to %s (request %s)", req.Name, d.config.VIN, outbound.requestID)

	client, err := d.client()
	if err == nil {
		var rsp []byte
		if rsp, err = post(ctx, client, &outbound); err == nil {
			log.Info("Command '%s' succeeded", req.Name)
			return command.NewResult(req, command.Lines(rsp), CodeOK), nil
		}
	}
	return d.failure(req, err), nil
}

func (d *Dispatcher) failure(req command.Request, err error) *command.Result {
	code := ExitCode(err)
	var httpErr *HttpError
	if errors.As(err, &httpErr) {
		log.Error("Command '%s' failed with HTTP status %d", req.Name, httpErr.Code)
		if httpErr.Temporary() {
			log.Warning("The vehicle may be asleep or offline; try sending wake_up first")
		}
		return command.NewResult(req, command.Lines([]byte(httpErr.Message)), code)
	}
	log.Error("Command '%s' failed (code %d): %s", req.Name, code, err)
	return command.NewResult(req, []string{err.Error()}, code)
}
