// Utility for storing OAuth access tokens in the system keyring

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sersebasti/tesla-command/pkg/cli"
	"github.com/sersebasti/tesla-command/pkg/token"
)

func usage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintf(w, "usage: %s [-token-name token_name] [-delete] [file]\n", fs.Name())
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Reads a token document (the JSON returned by the OAuth token endpoint) from")
	fmt.Fprintln(w, "stdin or file and saves its access_token under token_name in the system")
	fmt.Fprintf(w, "keyring. The token_name defaults to $%s.\n", cli.EnvTeslaTokenName)
	fmt.Fprintln(w, "")
	fs.PrintDefaults()
}

func run(args []string, stdin io.Reader, stderr io.Writer) int {
	fs := flag.NewFlagSet(filepath.Base(args[0]), flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(fs) }

	config := cli.NewConfig()
	config.RegisterFlags(fs)
	var remove bool
	fs.BoolVar(&remove, "delete", false, "Remove the token from the keyring instead of saving it")
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if err := config.ReadFromEnvironment(); err != nil {
		fmt.Fprintf(stderr, "Error reading configuration: %s\n", err)
		return 1
	}

	if config.KeyringTokenName == "" {
		fmt.Fprintf(stderr, "Must provide system keyring name to save OAuth token under using -token-name or $%s\n", cli.EnvTeslaTokenName)
		return 1
	}

	if remove {
		if err := config.DeleteToken(); err != nil {
			fmt.Fprintf(stderr, "Error removing token from keyring: %s\n", err)
			return 1
		}
		return 0
	}

	var data []byte
	var err error
	switch fs.NArg() {
	case 0:
		data, err = io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "Error reading token from stdin: %s\n", err)
			return 1
		}
	case 1:
		data, err = os.ReadFile(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(stderr, "Error reading token from file: %s\n", err)
			return 1
		}
	default:
		fmt.Fprintln(stderr, "Too many command-line arguments")
		return 1
	}

	record, err := token.Parse(data)
	if err != nil {
		fmt.Fprintf(stderr, "Error parsing token: %s\n", err)
		return 1
	}
	if claims, err := token.ParseClaims(record.AccessToken); err == nil && !claims.ExpiresAt.IsZero() {
		fmt.Fprintf(stderr, "Token for subject '%s' expires at %s\n", claims.Subject, claims.ExpiresAt.Local())
	}

	if err := config.SaveTokenToKeyring(record.AccessToken); err != nil {
		fmt.Fprintf(stderr, "Error saving token to keyring: %s\n", err)
		return 1
	}
	return 0
}

func main() {
	returnCode := 1
	defer func() {
		os.Exit(returnCode)
	}()

	returnCode = run(os.Args, os.Stdin, os.Stderr)
}
