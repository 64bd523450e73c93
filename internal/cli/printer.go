package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/bhandras/chatsync/internal/chat"
)

// printer renders reconciler updates as lines of text. It prints each
// message once, and again only when its delivery status changes.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]chat.Status
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: make(map[string]chat.Status)}
}

// messageKey identifies a message across its temp-to-server id rewrite.
func messageKey(m chat.Message) string {
	if m.CorrelationID != "" {
		return "corr:" + m.CorrelationID
	}
	return "id:" + m.ID
}

func formatMessage(m chat.Message) string {
	who := m.SenderRole
	switch {
	case m.SystemMessageType != "":
		who = "system"
	case m.CorrelationID != "":
		who = "you"
	case who == "":
		who = "support"
	}

	stamp := "--:--"
	if !m.CreatedAt.IsZero() {
		stamp = m.CreatedAt.Local().Format("15:04")
	}

	line := fmt.Sprintf("[%s] %s: %s", stamp, who, m.Content)
	switch m.Status {
	case chat.StatusPending:
		line += " (sending)"
	case chat.StatusFailed:
		line += fmt.Sprintf(" (failed; /retry %s or /discard %s)", m.ID, m.ID)
	}
	return line
}

// OnMessages implements chat.Listener.
func (p *printer) OnMessages(messages []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range messages {
		key := messageKey(m)
		if status, ok := p.seen[key]; ok && status == m.Status {
			continue
		}
		p.seen[key] = m.Status
		if m.Status == chat.StatusConfirmed && m.CorrelationID != "" {
			// Our own message was already printed while sending.
			fmt.Fprintf(p.out, "  delivered: %s\n", m.ID)
			continue
		}
		fmt.Fprintln(p.out, formatMessage(m))
	}
}

// OnToast implements chat.Listener.
func (p *printer) OnToast(text string) {
	p.println("! " + text)
}

// OnAlert implements chat.Listener.
func (p *printer) OnAlert(text string) {
	p.println("!! " + text)
}

// OnConnectionChanged implements chat.Listener.
func (p *printer) OnConnectionChanged(connected bool) {
	if connected {
		p.println("* live")
		return
	}
	p.println("* offline, polling for updates")
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

var _ chat.Listener = (*printer)(nil)
