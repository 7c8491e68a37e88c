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

	"github.com/spf13/cobra"

	"github.com/rovshanmuradov/eventstream/internal/feeds"
)

func askCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Stream one chat answer to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), root, strings.Join(args, " "), os.Stdout)
		},
	}
}

// answerPrinter writes the part of the answer text not printed yet.
type answerPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	printed int
	id      string
}

func (p *answerPrinter) update(s feeds.ChatState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.RequestID != p.id {
		p.id = s.RequestID
		p.printed = 0
	}
	if len(s.Text) > p.printed {
		fmt.Fprint(p.out, s.Text[p.printed:])
		p.printed = len(s.Text)
	}
}

func runAsk(ctx context.Context, root *rootOptions, query string, out io.Writer) error {
	a, err := newApp(root, nil)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	chat := feeds.NewChat(a.env)
	printer := &answerPrinter{out: out}

	done := make(chan feeds.ChatState, 1)
	stop := chat.OnChange(func() {
		s := chat.State()
		printer.update(s)
		if s.Phase == feeds.ChatDone || s.Phase == feeds.ChatFailed {
			select {
			case done <- s:
			default:
			}
		}
	})
	defer stop()
	defer chat.Clear()

	if _, err := chat.Ask(query); err != nil {
		return err
	}

	select {
	case s := <-done:
		fmt.Fprintln(out)
		if s.Phase == feeds.ChatFailed {
			if s.RetryAfter > 0 {
				return fmt.Errorf("chat failed: %s (retry after %s)", s.Err, s.RetryAfter)
			}
			return errors.New("chat failed: " + s.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
