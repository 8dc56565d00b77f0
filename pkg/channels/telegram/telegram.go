// Package telegram adapts Telegram to the channel capability interface
// using long polling. The listener owns the telegram cursor
// (last_update_id) in the ledger; nothing else may advance it.
package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/state"
)

const cursorKey = "last_update_id"

type Channel struct {
	bot *telego.Bot
	led *ledger.Ledger

	pollInterval time.Duration
}

func New(token string, led *ledger.Ledger, pollInterval time.Duration) (*Channel, error) {
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Channel{bot: bot, led: led, pollInterval: pollInterval}, nil
}

func (c *Channel) Name() string { return ledger.ChannelTelegram }

// SendMessage sends text and returns the native message id of the sent
// message, which later user replies are matched against.
func (c *Channel) SendMessage(chatID, text string) (string, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	msg, err := c.bot.SendMessage(context.Background(), &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: id},
		Text:   text,
	})
	if err != nil {
		return "", fmt.Errorf("telegram: send: %w", err)
	}
	return strconv.Itoa(msg.MessageID), nil
}

// SendFiles sends each path as a document, with text as the first caption.
func (c *Channel) SendFiles(chatID, text string, filePaths []string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	for i, path := range filePaths {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("telegram: open %s: %w", path, err)
		}
		caption := ""
		if i == 0 {
			caption = text
		}
		_, err = c.bot.SendDocument(context.Background(), &telego.SendDocumentParams{
			ChatID:   telego.ChatID{ID: id},
			Document: telego.InputFile{File: f},
			Caption:  caption,
		})
		f.Close()
		if err != nil {
			return fmt.Errorf("telegram: send document %s: %w", path, err)
		}
	}
	return nil
}

// Listen polls getUpdates until ctx is done, appending every received
// message to the ledger and advancing the cursor monotonically. Appends are
// idempotent, so overlapping polls are harmless.
func (c *Channel) Listen(ctx context.Context) error {
	logger.InfoC("telegram", "listener started")
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				logger.WarnCF("telegram", "poll failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// PollOnce fetches pending updates once. Exposed so the dispatcher can do a
// final sweep for mid-job messages.
func (c *Channel) PollOnce(ctx context.Context) error {
	return c.pollOnce(ctx)
}

func (c *Channel) pollOnce(ctx context.Context) error {
	offset := 0
	if cur := c.led.Cursor(ledger.ChannelTelegram, cursorKey); cur != "" {
		if v, err := strconv.Atoi(cur); err == nil {
			offset = v + 1
		}
	}

	updates, err := c.bot.GetUpdates(ctx, &telego.GetUpdatesParams{Offset: offset})
	if err != nil {
		return fmt.Errorf("getUpdates: %w", err)
	}

	last := offset - 1
	for _, u := range updates {
		if u.UpdateID > last {
			last = u.UpdateID
		}
		if u.Message == nil {
			continue
		}
		msg := toLedgerMessage(u.Message)
		if _, err := c.led.Append(msg); err != nil {
			logger.WarnCF("telegram", "append failed", map[string]interface{}{
				"message_id": msg.MessageID, "error": err.Error(),
			})
		}
	}

	if len(updates) > 0 {
		if err := c.led.SetCursor(ledger.ChannelTelegram, cursorKey, strconv.Itoa(last)); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}
	return nil
}

func toLedgerMessage(m *telego.Message) ledger.Message {
	out := ledger.Message{
		MessageID: strconv.Itoa(m.MessageID),
		Channel:   ledger.ChannelTelegram,
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		Type:      "user",
		Text:      m.Text,
		Timestamp: time.Unix(m.Date, 0).Format(state.TimeLayout),
	}
	if m.From != nil {
		out.UserName = m.From.FirstName
	}
	if m.ReplyToMessage != nil {
		out.ReplyToMessageID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	if m.Caption != "" && out.Text == "" {
		out.Text = m.Caption
	}
	if m.Document != nil {
		out.Files = append(out.Files, ledger.FileRef{
			Path: m.Document.FileID,
			Name: m.Document.FileName,
			Size: m.Document.FileSize,
			Type: "document",
		})
	}
	if len(m.Photo) > 0 {
		best := m.Photo[len(m.Photo)-1]
		out.Files = append(out.Files, ledger.FileRef{
			Path: best.FileID,
			Name: filepath.Base(best.FileID) + ".jpg",
			Size: int64(best.FileSize),
			Type: "photo",
		})
	}
	return out
}
