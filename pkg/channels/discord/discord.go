// Package discord adapts Discord to the channel capability interface over
// the gateway websocket.
package discord

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bwmarrin/discordgo"

	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/state"
)

type Channel struct {
	session *discordgo.Session
	led     *ledger.Ledger
}

func New(token string, led *ledger.Ledger) (*Channel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	return &Channel{session: session, led: led}, nil
}

func (c *Channel) Name() string { return ledger.ChannelDiscord }

func (c *Channel) SendMessage(chatID, text string) (string, error) {
	msg, err := c.session.ChannelMessageSend(chatID, text)
	if err != nil {
		return "", fmt.Errorf("discord: send: %w", err)
	}
	return msg.ID, nil
}

func (c *Channel) SendFiles(chatID, text string, filePaths []string) error {
	files := make([]*discordgo.File, 0, len(filePaths))
	handles := make([]*os.File, 0, len(filePaths))
	defer func() {
		for _, f := range handles {
			f.Close()
		}
	}()
	for _, path := range filePaths {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("discord: open %s: %w", path, err)
		}
		handles = append(handles, f)
		files = append(files, &discordgo.File{Name: filepath.Base(path), Reader: f})
	}
	_, err := c.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: text,
		Files:   files,
	})
	if err != nil {
		return fmt.Errorf("discord: send files: %w", err)
	}
	return nil
}

// Listen opens the gateway connection and appends incoming messages to the
// ledger until ctx is done.
func (c *Channel) Listen(ctx context.Context) error {
	c.session.AddHandler(c.onMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	logger.InfoC("discord", "gateway connected")

	<-ctx.Done()
	if err := c.session.Close(); err != nil {
		logger.WarnCF("discord", "close failed", map[string]interface{}{"error": err.Error()})
	}
	return ctx.Err()
}

func (c *Channel) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	msg := ledger.Message{
		MessageID: m.ID,
		Channel:   ledger.ChannelDiscord,
		ChatID:    m.ChannelID,
		Type:      "user",
		Text:      m.Content,
		Timestamp: state.Now(),
		UserName:  m.Author.Username,
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		msg.ReplyToMessageID = m.MessageReference.MessageID
	}
	for _, a := range m.Attachments {
		msg.Files = append(msg.Files, ledger.FileRef{
			Path: a.URL,
			Name: a.Filename,
			Size: int64(a.Size),
			Type: a.ContentType,
		})
	}

	if _, err := c.led.Append(msg); err != nil {
		logger.WarnCF("discord", "append failed", map[string]interface{}{
			"message_id": msg.MessageID, "error": err.Error(),
		})
	}
}
