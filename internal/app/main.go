package app

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func failf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

// silentExit ends the command with code without printing anything more.
func silentExit(code int) error {
	return &exitError{code: code}
}

func Main(args []string) int {
	return runMain(args, os.Stdout, os.Stderr)
}

// runMain returns 0 on success, 1 on runtime failure and 2 on usage errors.
func runMain(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetOut(stdout)
	root.SetErr(stderr)
	if len(args) > 0 {
		args = args[1:]
	}
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, ee.err.Error())
		}
		return ee.code
	}
	fmt.Fprintln(stderr, err.Error())
	return 2
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "tidelog",
		Short:         "Offline-first trip logging: location capture and a durable submission queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to config file (default ./tidelog.yaml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log.level (debug|info|warn|error)")

	root.AddCommand(
		newRunCmd(g),
		newCaptureCmd(g),
		newSubmitCmd(g),
		newQueueCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return root
}
