package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bhandras/chatsync/internal/chat"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// commandTimeout bounds a single interactive command.
const commandTimeout = 30 * time.Second

func newChatCommand(opts *globalOptions) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the support conversation interactively",
		Long: `Prints the conversation, streams new messages and sends every line you
type. Commands: /retry <id>, /discard <id>, /refresh, /older, /quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), opts, conversation, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id (default: the last one used)")
	return cmd
}

// isTerminal reports whether r is an interactive terminal.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runChat(ctx context.Context, opts *globalOptions, conversation string, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()
	s.connect()

	p := newPrinter(out)
	r, err := s.newReconciler(ctx, p)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Close(closeCtx)
	}()

	if err := r.Open(ctx, conversation); err != nil {
		p.println("! " + err.Error())
	}

	interactive := isTerminal(in)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if interactive {
			p.mu.Lock()
			fmt.Fprint(out, "> ")
			p.mu.Unlock()
		}

		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		quit, err := handleLine(ctx, r, line)
		if err != nil {
			p.println("! " + err.Error())
		}
		if quit {
			return nil
		}
	}
}

// handleLine runs one input line: a slash command or a message to send.
func handleLine(ctx context.Context, r *chat.Reconciler, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if !strings.HasPrefix(line, "/") {
		_, err := r.Send(ctx, line)
		return false, err
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/refresh":
		return false, r.Refresh(ctx)
	case "/older":
		return false, r.LoadOlder(ctx)
	case "/retry":
		if arg == "" {
			return false, errors.New("usage: /retry <id>")
		}
		return false, r.Retry(ctx, arg)
	case "/discard":
		if arg == "" {
			return false, errors.New("usage: /discard <id>")
		}
		return false, r.Discard(ctx, arg)
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}
