// Command codeagent is the interactive front end of the code agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"codeagent/internal/kernel"
	"codeagent/pkg/config"
	"codeagent/pkg/logx"
	"codeagent/pkg/version"
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// app holds what every command shares. Tests replace the streams, the
// password reader and the kernel overrides.
type app struct {
	configPath string
	noLogFile  bool

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	readPassword func(prompt string) (string, error)
	overrides    kernel.Overrides
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	a := &app{in: in, out: out, errOut: errOut}
	a.readPassword = a.terminalPassword
	return a
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "codeagent",
		Short: "Human-in-the-loop code agent backed by a live Python interpreter",
		Long: `codeagent turns a task description into Python code, runs it in a live
interpreter, and repairs failures until the output is clean. Complex tasks
are broken into suggested steps for you to pick from.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if a.noLogFile {
				return nil
			}
			if _, err := logx.InitializeLogFile("codeagent"); err != nil {
				return fmt.Errorf("failed to initialize log file: %w", err)
			}
			return nil
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath(), "path to the YAML config file")
	root.PersistentFlags().BoolVar(&a.noLogFile, "no-log-file", false, "do not mirror logs to the log directory")

	root.AddCommand(
		a.runCommand(),
		a.resumeCommand(),
		a.sessionsCommand(),
		a.statsCommand(),
		a.secretsCommand(),
		a.versionCommand(),
	)
	return root
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), version.String())
		},
	}
}

// execute runs the CLI and returns the process exit code.
func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)

	if closeErr := logx.CloseLogFile(); closeErr != nil {
		fmt.Fprintf(a.errOut, "Warning: failed to close log file: %v\n", closeErr)
	}

	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(a.errOut, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(a.errOut, "Error: %v\n", err)
	return 1
}

func main() {
	os.Exit(newApp(os.Stdin, os.Stdout, os.Stderr).execute(context.Background(), os.Args[1:]))
}
