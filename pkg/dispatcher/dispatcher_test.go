package dispatcher_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sersebasti/tesla-command/internal/log"
	"github.com/sersebasti/tesla-command/mocks"
	"github.com/sersebasti/tesla-command/pkg/command"
	"github.com/sersebasti/tesla-command/pkg/dispatcher"
	"github.com/sersebasti/tesla-command/pkg/token"
)

const (
	vin         = "TESLA000000000001"
	accessToken = "x.eyJzdWIiOiJ0ZXN0In0.y"
)

func strPtr(s string) *string {
	return &s
}

var _ = Describe("Dispatcher", func() {
	var (
		ctrl      *gomock.Controller
		tokens    *mocks.TokenSource
		transport *httpmock.MockTransport
		d         *dispatcher.Dispatcher
		config    dispatcher.Config
	)

	commandURL := func(name string) string {
		return fmt.Sprintf("https://localhost:4443/api/1/vehicles/%s/command/%s", vin, name)
	}

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		tokens = mocks.NewTokenSource(ctrl)
		transport = httpmock.NewMockTransport()
		config = dispatcher.Config{
			Host:   "localhost",
			Port:   4443,
			VIN:    vin,
			CAFile: "/nonexistent/cert.pem",
		}
		d = dispatcher.New(config, tokens)
		d.Client = &http.Client{Transport: transport}
		DeferCleanup(func() {
			ctrl.Finish()
		})
	})

	Context("request construction", func() {
		var (
			received    *http.Request
			receivedRaw []byte
		)

		BeforeEach(func() {
			received, receivedRaw = nil, nil
			tokens.EXPECT().AccessToken().Return(accessToken, nil)
			transport.RegisterNoResponder(func(r *http.Request) (*http.Response, error) {
				received = r
				var err error
				receivedRaw, err = io.ReadAll(r.Body)
				Expect(err).ToNot(HaveOccurred())
				return httpmock.NewStringResponse(http.StatusOK, `{"response":{"result":true,"reason":""}}`), nil
			})
		})

		It("posts an empty object for commands without parameters", func() {
			result, err := d.Dispatch(context.Background(), command.Request{Name: "get_vehicle_data"})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Succeeded()).To(BeTrue())
			Expect(received.Method).To(Equal(http.MethodPost))
			Expect(received.URL.String()).To(Equal(commandURL("get_vehicle_data")))
			Expect(string(receivedRaw)).To(Equal(`{}`))
		})

		It("posts charging_amps for set_charging_amps", func() {
			_, err := d.Dispatch(context.Background(), command.Request{Name: command.SetChargingAmps, Value: strPtr("5")})
			Expect(err).ToNot(HaveOccurred())
			Expect(string(receivedRaw)).To(Equal(`{"charging_amps":5}`))
		})

		It("ignores the value of other commands", func() {
			_, err := d.Dispatch(context.Background(), command.Request{Name: "charge_start", Value: strPtr("5")})
			Expect(err).ToNot(HaveOccurred())
			Expect(string(receivedRaw)).To(Equal(`{}`))
		})

		It("sets the authorization and content headers", func() {
			_, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
			Expect(err).ToNot(HaveOccurred())
			Expect(received.Header.Get("Authorization")).To(Equal("Bearer " + accessToken))
			Expect(received.Header.Get("Content-Type")).To(Equal("application/json"))
			Expect(received.Header.Get("User-Agent")).To(HavePrefix("tesla-command/"))
			Expect(received.Header.Get("X-Request-Id")).To(HaveLen(36))
		})

		It("keeps the command name inside one path segment", func() {
			_, err := d.Dispatch(context.Background(), command.Request{Name: "../../users/keys?x=1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(received.URL.EscapedPath()).To(Equal(fmt.Sprintf("/api/1/vehicles/%s/command/..%%2F..%%2Fusers%%2Fkeys%%3Fx=1", vin)))
			Expect(received.URL.RawQuery).To(BeEmpty())
		})
	})

	Context("results", func() {
		BeforeEach(func() {
			tokens.EXPECT().AccessToken().Return(accessToken, nil)
		})

		It("reports success with code 0 and the response lines", func() {
			transport.RegisterResponder(http.MethodPost, commandURL("charge_start"),
				httpmock.NewStringResponder(http.StatusOK, "{\"response\":{\"result\":true}}\n"))

			result, err := d.Dispatch(context.Background(), command.Request{Name: "charge_start"})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Status).To(Equal(command.StatusSuccess))
			Expect(result.Code).To(Equal(0))
			Expect(result.CommandSent).To(Equal("charge_start"))
			Expect(result.Value).To(BeNil())
			Expect(result.Output).To(Equal([]string{`{"response":{"result":true}}`}))
		})

		It("reports HTTP errors with the status as code", func() {
			transport.RegisterResponder(http.MethodPost, commandURL("charge_stop"),
				httpmock.NewStringResponder(http.StatusUnauthorized, `{"response":null,"error":"invalid bearer token"}`))

			result, err := d.Dispatch(context.Background(), command.Request{Name: "charge_stop"})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Status).To(Equal(command.StatusError))
			Expect(result.Code).To(Equal(http.StatusUnauthorized))
			Expect(result.Output).To(Equal([]string{`{"response":null,"error":"invalid bearer token"}`}))
		})

		It("reports transport errors without retrying", func() {
			transport.RegisterResponder(http.MethodPost, commandURL("wake_up"),
				httpmock.NewErrorResponder(errors.New("boom")))

			result, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Status).To(Equal(command.StatusError))
			Expect(result.Code).To(Equal(dispatcher.CodeFailed))
			Expect(result.Output).To(HaveLen(1))
			Expect(result.Output[0]).To(ContainSubstring("boom"))
			Expect(transport.GetTotalCallCount()).To(Equal(1))
		})

		It("rejects oversized responses", func() {
			transport.RegisterResponder(http.MethodPost, commandURL("wake_up"),
				httpmock.NewBytesResponder(http.StatusOK, bytes.Repeat([]byte("a"), dispatcher.MaxResponseLength+1)))

			result, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Code).To(Equal(dispatcher.CodeResponseTooBig))
		})

		It("loads the token only once", func() {
			transport.RegisterResponder(http.MethodPost, commandURL("wake_up"),
				httpmock.NewStringResponder(http.StatusOK, `{}`))

			for i := 0; i < 3; i++ {
				result, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
				Expect(err).ToNot(HaveOccurred())
				Expect(result.Succeeded()).To(BeTrue())
			}
			Expect(transport.GetTotalCallCount()).To(Equal(3))
		})
	})

	Context("early failures", func() {
		It("returns token.ErrNotFound without sending anything", func() {
			tokens.EXPECT().AccessToken().Return("", errors.New("permission denied"))

			result, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
			Expect(result).To(BeNil())
			Expect(err).To(MatchError(token.ErrNotFound))
			Expect(transport.GetTotalCallCount()).To(Equal(0))
		})

		It("treats an empty token as missing", func() {
			tokens.EXPECT().AccessToken().Return("", nil)

			_, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
			Expect(err).To(MatchError(token.ErrNotFound))
		})

		It("rejects non-numeric charging amps before sending", func() {
			tokens.EXPECT().AccessToken().Return(accessToken, nil)

			_, err := d.Dispatch(context.Background(), command.Request{Name: command.SetChargingAmps, Value: strPtr("five")})
			Expect(err).To(MatchError(command.ErrInvalidValue))
			Expect(transport.GetTotalCallCount()).To(Equal(0))
		})

		It("requires a VIN", func() {
			tokens.EXPECT().AccessToken().Return(accessToken, nil)
			config.VIN = ""
			d = dispatcher.New(config, tokens)
			d.Client = &http.Client{Transport: transport}

			_, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
			Expect(err).To(MatchError(dispatcher.ErrMissingVIN))
			Expect(transport.GetTotalCallCount()).To(Equal(0))
		})

		It("reports a missing token before a missing VIN", func() {
			tokens.EXPECT().AccessToken().Return("", token.ErrNotFound)
			config.VIN = ""
			d = dispatcher.New(config, tokens)
			d.Client = &http.Client{Transport: transport}

			_, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
			Expect(err).To(MatchError(token.ErrNotFound))
		})

		It("reports an invalid value before a missing VIN", func() {
			tokens.EXPECT().AccessToken().Return(accessToken, nil)
			config.VIN = ""
			d = dispatcher.New(config, tokens)
			d.Client = &http.Client{Transport: transport}

			_, err := d.Dispatch(context.Background(), command.Request{Name: command.SetChargingAmps, Value: strPtr("five")})
			Expect(err).To(MatchError(command.ErrInvalidValue))
		})

		It("reports an unreadable CA file as a result", func() {
			tokens.EXPECT().AccessToken().Return(accessToken, nil)
			d = dispatcher.New(config, tokens)

			result, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Code).To(Equal(dispatcher.CodeCACert))
			Expect(result.Output[0]).To(ContainSubstring("/nonexistent/cert.pem"))
		})
	})

	Context("token inspection", func() {
		var logs *bytes.Buffer

		BeforeEach(func() {
			logs = &bytes.Buffer{}
			prev := log.SetOutput(logs)
			log.SetLevel(log.LevelWarning)
			DeferCleanup(func() {
				log.SetOutput(prev)
			})
			transport.RegisterResponder(http.MethodPost, commandURL("wake_up"),
				httpmock.NewStringResponder(http.StatusOK, `{}`))
		})

		jwtWithExpiry := func(expiry time.Time) string {
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
				Subject:   "subject",
				ExpiresAt: jwt.NewNumericDate(expiry),
			}).SignedString([]byte("secret"))
			Expect(err).ToNot(HaveOccurred())
			return signed
		}

		It("warns about expired tokens but still sends the command", func() {
			tokens.EXPECT().AccessToken().Return(jwtWithExpiry(time.Now().Add(-time.Hour)), nil)

			result, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Succeeded()).To(BeTrue())
			Expect(logs.String()).To(ContainSubstring("Access token expired"))
		})

		It("does not warn about valid tokens", func() {
			tokens.EXPECT().AccessToken().Return(jwtWithExpiry(time.Now().Add(time.Hour)), nil)

			_, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
			Expect(err).ToNot(HaveOccurred())
			Expect(logs.String()).ToNot(ContainSubstring("expired"))
		})
	})

	Context("transport errors", func() {
		BeforeEach(func() {
			tokens.EXPECT().AccessToken().Return(accessToken, nil)
		})

		It("maps a plain HTTP peer to the TLS handshake code", func() {
			transport.RegisterResponder(http.MethodPost, commandURL("wake_up"),
				httpmock.NewErrorResponder(http.ErrSchemeMismatch))

			result, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Code).To(Equal(dispatcher.CodeTLSHandshake))
			Expect(result.Output[0]).To(ContainSubstring("HTTP response to HTTPS client"))
		})

		It("maps unresolvable hosts to the resolve code", func() {
			transport.RegisterResponder(http.MethodPost, commandURL("wake_up"),
				httpmock.NewErrorResponder(&net.DNSError{Err: "no such host", Name: "localhost", IsNotFound: true}))

			result, err := d.Dispatch(context.Background(), command.Request{Name: "wake_up"})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Code).To(Equal(dispatcher.CodeResolveHost))
		})
	})
})
