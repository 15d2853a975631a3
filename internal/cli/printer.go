package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/kubilitics/handoff/internal/api"
	"github.com/kubilitics/handoff/internal/protocol"
	"github.com/kubilitics/handoff/internal/reconciler"
)

// printer renders snapshot changes as transcript lines. Messages are printed
// once, when accepted. A server copy replacing a printed echo is skipped.
type printer struct {
	mu  sync.Mutex
	out io.Writer

	conversationID string
	printed        map[string]bool
	// local echoes already printed, keyed by id, so the server copy that
	// replaces one is not printed twice
	local          map[string]string
	handoff        protocol.HandoffState
	operator       string
	peerOnline     bool
	connected      bool
	stats          api.SupportStats
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, printed: make(map[string]bool), local: make(map[string]string)}
}

func (p *printer) snapshot(snap reconciler.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.ConversationID != p.conversationID {
		p.conversationID = snap.ConversationID
		p.printed = make(map[string]bool)
		p.local = make(map[string]string)
		p.handoff, p.operator = protocol.HandoffAI, ""
	}

	st := snap.State
	if st.Connected != p.connected {
		p.connected = st.Connected
		if st.Connected {
			fmt.Fprintln(p.out, "* connected")
		} else {
			fmt.Fprintln(p.out, "* disconnected, retrying")
		}
	}
	if st.HandoffState != p.handoff || st.Operator != p.operator {
		p.handoff, p.operator = st.HandoffState, st.Operator
		if st.Operator != "" {
			fmt.Fprintf(p.out, "* hand-off: %s (%s)\n", st.HandoffState, st.Operator)
		} else {
			fmt.Fprintf(p.out, "* hand-off: %s\n", st.HandoffState)
		}
	}
	if st.PeerOnline != p.peerOnline {
		p.peerOnline = st.PeerOnline
		if st.PeerOnline {
			fmt.Fprintln(p.out, "* peer online")
		} else {
			fmt.Fprintln(p.out, "* peer offline")
		}
	}

	present := make(map[string]bool, len(snap.Messages))
	for _, m := range snap.Messages {
		present[m.ID] = true
	}
	for _, m := range snap.Messages {
		if m.Pending || p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		if m.Local {
			p.local[m.ID] = echoKey(m)
		} else if p.replacesEcho(m, present) {
			continue
		}
		fmt.Fprintln(p.out, formatMessage(m))
	}
}

// replacesEcho reports whether m is the server copy of a printed echo that
// has since left the list.
func (p *printer) replacesEcho(m reconciler.Message, present map[string]bool) bool {
	key := echoKey(m)
	for id, k := range p.local {
		if k == key && !present[id] {
			delete(p.local, id)
			return true
		}
	}
	return false
}

func echoKey(m reconciler.Message) string {
	return m.Role + "\x00" + m.Content
}

func formatMessage(m reconciler.Message) string {
	who := m.Role
	if m.Operator != "" {
		who = m.Operator
	}
	content := m.Content
	switch {
	case m.IsWithdrawn:
		content = "(withdrawn)"
	case m.IsEdited:
		content += " (edited)"
	}
	for _, img := range m.Images {
		content += " [image " + img.URL + "]"
	}
	return fmt.Sprintf("[%s] %s: %s", m.ID, who, content)
}

func (p *printer) statsUpdate(s api.SupportStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == p.stats {
		return
	}
	p.stats = s
	fmt.Fprintf(p.out, "* inbox: %s\n", formatStats(s))
}

func formatStats(s api.SupportStats) string {
	line := fmt.Sprintf("%d pending, %d with operators, %d unread, %d hot", s.PendingCount, s.HumanCount, s.TotalUnread, s.HighHeatCount)
	if s.NeedsAttention() {
		line += " (needs attention)"
	}
	return line
}

func (p *printer) error(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "error: %v\n", err)
}

func (p *printer) info(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

// repl feeds non-empty input lines to handle until input ends, handle
// returns false, or ctx is done.
// interactive reports whether in is a terminal.
func interactive(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// prompt writes the input marker. It is only used on a terminal.
func (p *printer) prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, "> ")
}

// repl feeds trimmed non-empty lines to handle until it returns false, in
// hits EOF or ctx is done. prompt may be nil.
func repl(ctx context.Context, in io.Reader, prompt func(), handle func(line string) bool) error {
	if prompt == nil {
		prompt = func() {}
	}
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				prompt()
				continue
			}
			if !handle(line) {
				return nil
			}
			prompt()
		}
	}
}

func (a *app) promptFor(out *printer) func() {
	if !interactive(a.stdin) {
		return nil
	}
	return out.prompt
}

// splitCommand parses "/name rest" lines. ok is false for plain text.
func splitCommand(line string) (name, rest string, ok bool) {
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	name, rest, _ = strings.Cut(line[1:], " ")
	return name, strings.TrimSpace(rest), true
}
