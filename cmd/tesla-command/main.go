package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"

	"github.com/sersebasti/tesla-command/internal/log"
	"github.com/sersebasti/tesla-command/pkg/cli"
	"github.com/sersebasti/tesla-command/pkg/command"
	"github.com/sersebasti/tesla-command/pkg/dispatcher"
	"github.com/sersebasti/tesla-command/pkg/token"
)

const usage = `
Sends COMMAND to the vehicle through a vehicle-command HTTP proxy and prints the
result as JSON on stdout. VALUE is only used by set_charging_amps, which must be
an integer number of amps.

Exit status is 0 if the printed result has status "success" and 1 otherwise. The
"code" field of the result is 0 on success, the HTTP status if the proxy rejected
the command, or a curl-compatible code if the proxy could not be reached.`

func printUsage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...] COMMAND [VALUE]\n", fs.Name())
	fmt.Fprintf(out, "       %s [OPTION...] -batch FILE\n", fs.Name())
	fmt.Fprintln(out, usage)
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Available OPTIONs:")
	fs.PrintDefaults()
}

func writeResult(w io.Writer, v interface{}) {
	if err := command.Write(w, v); err != nil {
		log.Error("Failed to write result: %s", err)
	}
}

// fail prints a Failure document and returns the process exit status.
func fail(w io.Writer, message string) int {
	writeResult(w, command.NewFailure(message))
	return 1
}

// failureMessage maps errors that prevent a command from being sent to the message reported to
// the caller. Details go to the log.
func failureMessage(err error) string {
	if errors.Is(err, token.ErrNotFound) {
		log.Error("Error loading token: %s", err)
		return token.ErrNotFound.Error()
	}
	return err.Error()
}

func dispatch(ctx context.Context, d *dispatcher.Dispatcher, req command.Request, w io.Writer) int {
	result, err := d.Dispatch(ctx, req)
	if err != nil {
		return fail(w, failureMessage(err))
	}
	writeResult(w, result)
	if !result.Succeeded() {
		return 1
	}
	return 0
}

// runBatch dispatches one command per line of r. Blank lines and lines starting with # are
// skipped. The token is loaded before the first command so that a missing token stops the batch.
func runBatch(ctx context.Context, d *dispatcher.Dispatcher, r io.Reader, w io.Writer) int {
	if _, err := d.Token(); err != nil {
		return fail(w, failureMessage(err))
	}

	status := 0
	scanner := bufio.NewScanner(r)
	for lineNumber := 1; scanner.Scan(); lineNumber++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args, err := shlex.Split(line)
		if err != nil {
			status = fail(w, fmt.Sprintf("line %d: invalid command: %s", lineNumber, err))
			continue
		}
		req, err := command.ParseArgs(args)
		if err != nil {
			status = fail(w, fmt.Sprintf("line %d: %s", lineNumber, err))
			continue
		}
		if dispatch(ctx, d, req, w) != 0 {
			status = 1
		}
	}
	if err := scanner.Err(); err != nil {
		return fail(w, fmt.Sprintf("error reading commands: %s", err))
	}
	return status
}

func openBatch(filename string, stdin io.Reader) (io.ReadCloser, error) {
	if filename == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(filename)
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(filepath.Base(args[0]), flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(fs) }
	log.SetOutput(stderr)

	var batchFilename string
	config := cli.NewConfig()
	config.RegisterFlags(fs)
	fs.StringVar(&batchFilename, "batch", "", "Read commands from `file`, one COMMAND [VALUE] per line (- for stdin)")

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return fail(stdout, err.Error())
	}

	var req command.Request
	if batchFilename == "" {
		var err error
		if req, err = command.ParseArgs(fs.Args()); err != nil {
			return fail(stdout, failureMessage(err))
		}
	} else if fs.NArg() > 0 {
		return fail(stdout, "unexpected arguments with -batch")
	}

	if err := config.ReadFromEnvironment(); err != nil {
		return fail(stdout, err.Error())
	}

	ctx := context.Background()
	d := dispatcher.New(config.Dispatcher(), config)

	if batchFilename != "" {
		batch, err := openBatch(batchFilename, stdin)
		if err != nil {
			return fail(stdout, fmt.Sprintf("error opening batch file: %s", err))
		}
		defer batch.Close()
		return runBatch(ctx, d, batch, stdout)
	}
	return dispatch(ctx, d, req, stdout)
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	status = run(os.Args, os.Stdin, os.Stdout, os.Stderr)
}
