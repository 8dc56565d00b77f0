package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/state"
)

const (
	contextWindow   = 48 * time.Hour
	contextMaxLines = 20
)

// TextContextProvider is an optional extension of ContextProvider for
// sources keyed by what the message says (project name mentions) rather
// than who said it.
type TextContextProvider interface {
	ContextForText(text string) string
}

// Combine renders queued messages as one agent instruction. A single message
// passes through as-is; multiple messages become numbered request sections so
// the agent treats them as one batch with distinct asks.
func (d *Dispatcher) Combine(msgs []ledger.Message) string {
	var b strings.Builder

	if d.resuming != "" {
		fmt.Fprintf(&b, "A previous task was interrupted and is being resumed: %s\n\n", d.resuming)
		d.resuming = ""
	}

	if len(msgs) == 1 {
		b.WriteString(msgs[0].Text)
		writeAttachments(&b, msgs[0].Files)
	} else {
		for i, m := range msgs {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "[요청 %d]\n%s", i+1, m.Text)
			writeAttachments(&b, m.Files)
		}
	}

	if len(msgs) > 0 {
		if ctx := d.conversationContext(msgs[0].ChatID, msgs); ctx != "" {
			b.WriteString("\n\n--- Recent conversation ---\n")
			b.WriteString(ctx)
		}
		var raw strings.Builder
		for _, m := range msgs {
			raw.WriteString(m.Text)
			raw.WriteByte('\n')
		}
		for _, p := range d.providers {
			if extra := p.ContextFor(msgs[0].ChatID); extra != "" {
				b.WriteString("\n\n")
				b.WriteString(extra)
			}
			if tp, ok := p.(TextContextProvider); ok {
				if extra := tp.ContextForText(raw.String()); extra != "" {
					b.WriteString("\n\n")
					b.WriteString(extra)
				}
			}
		}
	}
	return b.String()
}

// resumeInstruction renders the reply to a waiting question, restoring the
// original task and the question the user is answering.
func (d *Dispatcher) resumeInstruction(title, question string, reply ledger.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resuming task: %s\n", title)
	if question != "" {
		fmt.Fprintf(&b, "You previously asked:\n%s\n\n", question)
	}
	fmt.Fprintf(&b, "The user replied:\n%s", reply.Text)
	writeAttachments(&b, reply.Files)

	for _, p := range d.providers {
		if extra := p.ContextFor(reply.ChatID); extra != "" {
			b.WriteString("\n\n")
			b.WriteString(extra)
		}
	}
	return b.String()
}

// conversationContext returns recent ledger traffic for the conversation,
// excluding the messages being dispatched, oldest first.
func (d *Dispatcher) conversationContext(chatID string, exclude []ledger.Message) string {
	skip := make(map[string]bool, len(exclude))
	for _, m := range exclude {
		skip[m.MessageID] = true
	}
	cutoff := time.Now().Add(-contextWindow)

	var lines []string
	for _, m := range d.led.Snapshot().Messages {
		if m.ChatID != chatID || skip[m.MessageID] || m.Text == "" {
			continue
		}
		ts, err := state.Parse(m.Timestamp)
		if err != nil || ts.Before(cutoff) {
			continue
		}
		who := "user"
		if m.Type == "bot" {
			who = "assistant"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", m.Timestamp, who, oneLine(m.Text)))
	}
	if len(lines) > contextMaxLines {
		lines = lines[len(lines)-contextMaxLines:]
	}
	return strings.Join(lines, "\n")
}

func writeAttachments(b *strings.Builder, files []ledger.FileRef) {
	for _, f := range files {
		fmt.Fprintf(b, "\n(attachment: %s, %s)", f.Name, f.Type)
	}
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	const max = 120
	if len([]rune(s)) > max {
		s = string([]rune(s)[:max]) + "..."
	}
	return s
}
