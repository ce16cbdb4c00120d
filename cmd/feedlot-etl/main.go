// Command feedlot-etl runs the spreadsheet pipeline from the command line.
// Results are printed to stdout as indented JSON; logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/feedlot-etl/internal/etl"
)

const (
	exitError = 1
	exitStage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return
	}

	msg, code := describe(err)
	fmt.Fprintln(os.Stderr, msg)
	stop()
	os.Exit(code)
}

// describe renders err for the terminal and picks the exit status. Errors
// raised outside a stage (bad flags, unreadable mapping file, database
// unavailable) get the catalogued message after the raw error.
func describe(err error) (string, int) {
	var se *stageError
	if errors.As(err, &se) {
		return "error: " + se.Error(), exitStage
	}
	return fmt.Sprintf("error: %v\n%s", err, etl.FormatUserError(err)), exitError
}
