// Package main provides the biogate binary, an operator tool that drives the
// authentication gate and the key registry on the local host.
//
// The application flow for every command:
//  1. Load an optional .env file.
//  2. Load defaults and apply environment variables, then validate.
//  3. Open the data directory and the SQLite store.
//  4. Build the wrapper, key registry, authenticator, gate and service.
//  5. Run the command, then flush metrics and close the store.
//
// Exit codes: 0 ok, 1 failure, 2 configuration error, 3 unrecoverable key,
// 4 platform unsupported.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/haukened/biogate/internal/domain"
)

const (
	exitOK            = 0
	exitFailure       = 1
	exitConfig        = 2
	exitUnrecoverable = 3
	exitUnsupported   = 4
)

var (
	errConfig           = errors.New("configuration error")
	errUnrecoverableKey = errors.New("key is unrecoverable, the data must be encrypted again")
)

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errConfig):
		return exitConfig
	case errors.Is(err, errUnrecoverableKey):
		return exitUnrecoverable
	case errors.Is(err, domain.ErrPlatformUnsupported):
		return exitUnsupported
	default:
		return exitFailure
	}
}

func main() {
	root := newRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "biogate:", err)
	}
	os.Exit(exitCode(err))
}
