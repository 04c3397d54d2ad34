// Package command defines the command requests sent to a vehicle and the JSON documents used to
// report their outcome.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

const (
	// SetChargingAmps is the only command whose value is interpreted.
	SetChargingAmps = "set_charging_amps"

	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	ErrMissingCommand   = errors.New("missing command")
	ErrTooManyArguments = errors.New("too many arguments")
	ErrInvalidValue     = errors.New("invalid value")
	ErrValueOutOfRange  = errors.New("value out of range")
)

const maxChargingAmps = 1 << 16

// Request is a command name and its optional value, as given on the command line.
type Request struct {
	Name  string
	Value *string // nil if no value was provided
}

// ParseArgs builds a Request from positional arguments of the form COMMAND [VALUE].
func ParseArgs(args []string) (Request, error) {
	switch len(args) {
	case 0:
		return Request{}, ErrMissingCommand
	case 1, 2:
	default:
		return Request{}, fmt.Errorf("%w: expected COMMAND [VALUE], got %d arguments", ErrTooManyArguments, len(args))
	}
	if args[0] == "" {
		return Request{}, ErrMissingCommand
	}
	req := Request{Name: args[0]}
	if len(args) == 2 {
		value := args[1]
		req.Value = &value
	}
	return req, nil
}

// Endpoint returns the REST path of the command for vehicle vin. The command name is not
// validated, but it is escaped so that it always occupies exactly one path segment.
func (r Request) Endpoint(vin string) string {
	return fmt.Sprintf("api/1/vehicles/%s/command/%s", url.PathEscape(vin), url.PathEscape(r.Name))
}

// Body returns the JSON payload of the request. Only SetChargingAmps with a value carries a
// parameter; every other request sends an empty object.
func (r Request) Body() ([]byte, error) {
	if r.Name != SetChargingAmps || r.Value == nil {
		return []byte("{}"), nil
	}
	amps, err := strconv.Atoi(strings.TrimSpace(*r.Value))
	if err != nil {
		return nil, fmt.Errorf("%w for %s: '%s' is not an integer", ErrInvalidValue, r.Name, *r.Value)
	}
	if amps < 0 || amps > maxChargingAmps {
		return nil, fmt.Errorf("%w for %s: %d", ErrValueOutOfRange, r.Name, amps)
	}
	return json.Marshal(struct {
		ChargingAmps int `json:"charging_amps"`
	}{amps})
}

// Result reports the outcome of a command that reached the network.
type Result struct {
	Status      string   `json:"status"`
	CommandSent string   `json:"command_sent"`
	Value       *string  `json:"value"`
	Output      []string `json:"output"`
	Code        int      `json:"code"`
}

// NewResult creates a Result for req. Status is derived from code.
func NewResult(req Request, output []string, code int) *Result {
	if output == nil {
		output = []string{}
	}
	status := StatusError
	if code == 0 {
		status = StatusSuccess
	}
	return &Result{
		Status:      status,
		CommandSent: req.Name,
		Value:       req.Value,
		Output:      output,
		Code:        code,
	}
}

// Succeeded reports whether the command completed successfully.
func (r *Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Failure reports an error that prevented the command from being sent.
type Failure struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func NewFailure(message string) *Failure {
	return &Failure{Status: StatusError, Message: message}
}

// Lines splits a response body into lines, dropping the trailing line terminator.
func Lines(body []byte) []string {
	text := strings.TrimRight(string(body), "\r\n")
	if text == "" {
		return []string{}
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// Write prints v as indented JSON followed by a newline.
func Write(w io.Writer, v interface{}) error {
	encoded, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')
	_, err = w.Write(encoded)
	return err
}
