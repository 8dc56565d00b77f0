// Package tui is the local terminal channel: lines typed at a readline
// prompt enter the ledger exactly like chat messages, and outbound replies
// print to the same terminal. Useful without any platform credentials.
package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/state"
)

// ChatID is the fixed conversation id for the local terminal.
const ChatID = "local"

type Channel struct {
	led *ledger.Ledger
	rl  *readline.Instance
	seq atomic.Int64
}

func New(led *ledger.Ledger) (*Channel, error) {
	rl, err := readline.New("squid> ")
	if err != nil {
		return nil, fmt.Errorf("tui: init readline: %w", err)
	}
	return &Channel{led: led, rl: rl}, nil
}

func (c *Channel) Name() string { return ledger.ChannelTUI }

// SendMessage prints the reply to the terminal. The returned id is synthetic
// and monotonic within the process; terminal input has no native reply
// linkage, so it only serves as an audit handle.
func (c *Channel) SendMessage(chatID, text string) (string, error) {
	fmt.Fprintf(c.rl.Stdout(), "\n%s\n", text)
	return fmt.Sprintf("tui_out_%d", c.seq.Add(1)), nil
}

// SendFiles lists the file paths; the terminal user can open them locally.
func (c *Channel) SendFiles(chatID, text string, filePaths []string) error {
	fmt.Fprintf(c.rl.Stdout(), "\n%s\n", text)
	for _, p := range filePaths {
		fmt.Fprintf(c.rl.Stdout(), "  file: %s\n", p)
	}
	return nil
}

// Listen reads lines until EOF or ctx is done. Each non-empty line becomes a
// user message in the ledger.
func (c *Channel) Listen(ctx context.Context) error {
	defer c.rl.Close()
	logger.InfoC("tui", "terminal channel ready")

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := c.rl.Readline()
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF || err != nil {
				return
			}
			lines <- line
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			msg := ledger.Message{
				MessageID: fmt.Sprintf("tui_%d_%d", time.Now().Unix(), c.seq.Add(1)),
				Channel:   ledger.ChannelTUI,
				ChatID:    ChatID,
				Type:      "user",
				Text:      line,
				Timestamp: state.Now(),
				UserName:  "terminal",
			}
			if _, err := c.led.Append(msg); err != nil {
				logger.WarnCF("tui", "append failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
