package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bhandras/chatsync/internal/chat"
	"github.com/bhandras/chatsync/internal/wire"
	"github.com/spf13/cobra"
)

func newSendCommand(opts *globalOptions) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "send TEXT...",
		Short: "Send one message and wait for the server to confirm it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			return runSend(ctx, opts, conversation, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id (default: the last one used)")
	return cmd
}

func runSend(ctx context.Context, opts *globalOptions, conversation, text string, out io.Writer) error {
	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()
	s.connect()

	r, err := s.newReconciler(ctx, chat.ListenerFuncs{
		Toast: func(text string) { fmt.Fprintln(out, "! "+text) },
	})
	if err != nil {
		return err
	}
	defer func() { _ = r.Close(context.Background()) }()

	if err := r.Open(ctx, conversation); err != nil {
		return err
	}

	msg, err := r.SendAndWait(ctx, text)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "sent %s to conversation %s\n", msg.ID, msg.ConversationID)
	return nil
}

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		conversation string
		page         int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print one page of the conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			return runHistory(ctx, opts, conversation, page, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id (default: the last one used)")
	cmd.Flags().IntVar(&page, "page", 1, "page number, 1 is the newest")
	return cmd
}

func runHistory(ctx context.Context, opts *globalOptions, conversation string, page int, out io.Writer) error {
	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.conversationID(ctx, conversation)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: pass --conversation or send a message first", chat.ErrNoConversation)
	}

	result, err := s.api.FetchConversation(ctx, id, page, s.cfg.PageSize)
	if err != nil {
		return err
	}
	for _, m := range result.Messages {
		fmt.Fprintln(out, formatMessage(historyMessage(m)))
	}
	if result.HasMore {
		fmt.Fprintf(out, "(more: --page %d)\n", result.Page+1)
	}
	return nil
}

// historyMessage converts a fetched message for printing.
func historyMessage(m wire.ChatMessage) chat.Message {
	return chat.Message{
		ID:                m.ID,
		Content:           m.Content,
		CreatedAt:         m.CreatedAt,
		SenderRole:        m.SenderRole,
		SystemMessageType: m.SystemMessageType,
		ConversationID:    m.ConversationID,
		Status:            chat.StatusConfirmed,
	}
}
