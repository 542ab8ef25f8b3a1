package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/martinemde/boomerang/agentloop"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Start a new task",
		Long: `Start a new root task with the given prompt. When no prompt is given
and stdin is not a terminal, the prompt is read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := a.readPrompt(args)
			if err != nil {
				return err
			}
			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.close()
			return s.drive(cmd.Context(), a, func(ctx context.Context) (*agentloop.Task, error) {
				return s.ctrl.StartTask(ctx, prompt, nil)
			})
		},
	}
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a task from history, rebuilding its parent tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.close()
			return s.drive(cmd.Context(), a, func(ctx context.Context) (*agentloop.Task, error) {
				return s.ctrl.ShowTask(ctx, args[0])
			})
		},
	}
}

func (a *app) readPrompt(args []string) (string, error) {
	if prompt := strings.TrimSpace(strings.Join(args, " ")); prompt != "" {
		return prompt, nil
	}
	if f, ok := a.stdin.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		data, err := io.ReadAll(a.stdin)
		if err != nil {
			return "", fmt.Errorf("reading prompt from stdin: %w", err)
		}
		if prompt := strings.TrimSpace(string(data)); prompt != "" {
			return prompt, nil
		}
	}
	return "", errors.New("a prompt is required")
}

// drive starts the task, renders it until every task loop has finished
// and handles interrupts: the first cancels the active task, the second
// exits.
func (s *session) drive(ctx context.Context, a *app, start func(context.Context) (*agentloop.Task, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rendered := make(chan struct{})
	go func() {
		s.term.run()
		close(rendered)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var cancelling sync.Mutex
	t, err := start(ctx)
	if err != nil {
		s.shutdown(a, rendered)
		return err
	}
	a.logger.Info("task started", "task_id", t.ID, "mode", t.Mode())

	finished := make(chan struct{})
	go func() {
		s.waitIdle(&cancelling)
		close(finished)
	}()

	interrupted := false
loop:
	for {
		select {
		case <-finished:
			break loop
		case <-ctx.Done():
			break loop
		case <-sigCh:
			if interrupted {
				fmt.Fprintln(a.stderr, "\ninterrupted again, exiting")
				break loop
			}
			interrupted = true
			fmt.Fprintln(a.stderr, "\ncancelling task (interrupt again to exit)")
			go func() {
				cancelling.Lock()
				defer cancelling.Unlock()
				if err := s.ctrl.CancelTask(ctx); err != nil {
					a.logger.Warn("cancel task", "error", err)
				}
			}()
		}
	}
	s.shutdown(a, rendered)
	return nil
}

// waitIdle returns once the active task's loop has exited and no other
// task took its place.
func (s *session) waitIdle(cancelling *sync.Mutex) {
	for {
		cancelling.Lock()
		cur := s.ctrl.Stack().Current()
		cancelling.Unlock()
		if cur == nil {
			break
		}
		<-cur.Done()
		cancelling.Lock()
		next := s.ctrl.Stack().Current()
		cancelling.Unlock()
		if next == cur {
			break
		}
	}
	s.ctrl.Wait()
}

func (s *session) shutdown(a *app, rendered <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.ctrl.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown timed out", "error", err)
	}
	s.term.ui.Close()
	select {
	case <-rendered:
	case <-time.After(time.Second):
	}
}
