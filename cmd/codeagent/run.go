package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codeagent/internal/kernel"
	"codeagent/internal/supervisor"
	"codeagent/pkg/coder"
	"codeagent/pkg/session"
)

// exitInterrupted is the conventional exit code after Ctrl-C.
const exitInterrupted = 130

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a new interactive session",
		Long: `Start a new session with a fresh interpreter and open the task menu.
The interpreter is shut down when you exit, on error, or on Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) error {
				return k.Sessions.Run(ctx, func(s *session.Session) error {
					return newREPL(a.in, a.out).run(ctx, s)
				})
			})
		},
	}
}

func (a *app) resumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume SESSION_ID",
		Short: "Reattach to a stored session",
		Long: `Reattach to a session saved in a persistent store, typically one waiting
for you to pick a suggested step, with a newly launched interpreter.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withKernel(cmd.Context(), func(ctx context.Context, k *kernel.Kernel) (err error) {
				s, err := k.Sessions.Open(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to open session %s: %w", args[0], err)
				}
				defer func() {
					if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
						err = cerr
					}
				}()
				return newREPL(a.in, a.out).run(ctx, s)
			})
		},
	}
}

// withKernel brings up the kernel and supervisor around body and tears them
// down on every path. Ctrl-C and a supervisor shutdown both cancel the
// context passed to body.
func (a *app) withKernel(parent context.Context, body func(context.Context, *kernel.Kernel) error) (err error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := a.unlockSecrets(); err != nil {
		return fmt.Errorf("failed to unlock secrets: %w", err)
	}

	sigCtx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	overrides := a.overrides
	overrides.Observer = coder.Observers{&progressPrinter{out: a.out}, a.overrides.Observer}
	k, err := kernel.NewKernel(sigCtx, cfg, overrides)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := k.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	if err := k.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	exitCodes := make(chan int, 1)
	sup := supervisor.NewSupervisor(k)
	sup.SetShutdownHandler(supervisor.NewGracefulShutdownHandler(sup.Logger, func() error {
		cancel()
		return nil
	}, exitCodes))
	sup.Start(ctx)
	defer func() {
		cancel()
		if werr := sup.Wait(time.Second); werr != nil {
			sup.Logger.Warn("%v", werr)
		}
	}()

	bodyErr := body(ctx, k)

	select {
	case code := <-exitCodes:
		return &exitError{code: code, err: errors.New("stopped after repeated failed turns")}
	default:
	}
	if sigCtx.Err() != nil && errors.Is(bodyErr, context.Canceled) {
		fmt.Fprintln(a.out, "\nInterrupted.")
		return &exitError{code: exitInterrupted}
	}
	return bodyErr
}
