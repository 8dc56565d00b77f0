// Package ledger records every inbound and outbound chat message across
// channels in messages.json. Appends are idempotent by message id because
// multiple listeners and polling cycles may observe the same event.
package ledger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/state"
)

const Section = "messages"

// Channel names as persisted. "system" covers synthetic/internal messages.
const (
	ChannelTelegram = "telegram"
	ChannelSlack    = "slack"
	ChannelDiscord  = "discord"
	ChannelTUI      = "tui"
	ChannelSystem   = "system"
)

// FileRef describes one attachment on a message.
type FileRef struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"` // photo, document, video, audio, voice
}

// Message is one chat event. MessageID is channel-scoped; outbound synthetic
// messages use a derived "bot_<id>" string id.
type Message struct {
	MessageID        string    `json:"message_id"`
	Channel          string    `json:"channel"`
	ChatID           string    `json:"chat_id"`
	Type             string    `json:"type"` // user | bot
	Text             string    `json:"text"`
	Files            []FileRef `json:"files,omitempty"`
	Timestamp        string    `json:"timestamp"`
	Processed        bool      `json:"processed"`
	RetryCount       int       `json:"retry_count,omitempty"`
	UserName         string    `json:"user_name,omitempty"`
	ReplyToMessageID string    `json:"reply_to_message_id,omitempty"`
	// Bot messages: ids of the user messages this replies to, and the
	// channel-native id of the sent message (for later reply matching).
	ReplyTo       []string `json:"reply_to,omitempty"`
	SentMessageID string   `json:"sent_message_id,omitempty"`
	// Seen is stamped when the dispatcher has taken the message, so a
	// parallel standby poller never returns it twice.
	Seen   bool   `json:"seen,omitempty"`
	SeenAt string `json:"seen_at,omitempty"`
	// Expired marks a force-completed message (unprocessed past the expiry
	// window). Distinct from normal completion for auditing.
	Expired bool `json:"expired,omitempty"`
}

// Document is the messages.json layout. LastUpdateID mirrors the telegram
// cursor at the top level for backward compatibility with older tooling.
type Document struct {
	Messages     []Message                    `json:"messages"`
	Cursors      map[string]map[string]string `json:"cursors,omitempty"`
	LastUpdateID int64                        `json:"last_update_id"`
}

// Ledger wraps the state store with message-queue semantics.
type Ledger struct {
	store         *state.Store
	retentionDays int
	expiryHours   int
}

func New(store *state.Store, retentionDays, expiryHours int) *Ledger {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if expiryHours <= 0 {
		expiryHours = 24
	}
	return &Ledger{store: store, retentionDays: retentionDays, expiryHours: expiryHours}
}

// Append inserts a message unless its id is already present. Returns whether
// the message was actually added.
func (l *Ledger) Append(msg Message) (bool, error) {
	if msg.MessageID == "" {
		return false, fmt.Errorf("append: empty message_id")
	}
	if msg.Timestamp == "" {
		msg.Timestamp = state.Now()
	}
	if msg.Type == "" {
		msg.Type = "user"
	}

	added := false
	var doc Document
	err := l.store.Modify(Section, &doc, func() error {
		for _, m := range doc.Messages {
			if m.MessageID == msg.MessageID {
				return state.ErrNoChange
			}
		}
		doc.Messages = append(doc.Messages, msg)
		added = true
		return nil
	})
	return added, err
}

// MarkProcessed flips processed=true for all given ids.
func (l *Ledger) MarkProcessed(ids []string) error {
	return l.flip(ids, func(m *Message) { m.Processed = true })
}

// MarkSeen stamps seen/seen_at on the given ids.
func (l *Ledger) MarkSeen(ids []string) error {
	now := state.Now()
	return l.flip(ids, func(m *Message) {
		m.Seen = true
		m.SeenAt = now
	})
}

// IncrementRetry bumps retry_count on the given ids and returns the highest
// count among them, so the caller can decide when to give up.
func (l *Ledger) IncrementRetry(ids []string) (int, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	max := 0
	var doc Document
	err := l.store.Modify(Section, &doc, func() error {
		touched := false
		for i := range doc.Messages {
			m := &doc.Messages[i]
			if !want[m.MessageID] {
				continue
			}
			m.RetryCount++
			touched = true
			if m.RetryCount > max {
				max = m.RetryCount
			}
		}
		if !touched {
			return state.ErrNoChange
		}
		return nil
	})
	return max, err
}

// ClearSeen drops the seen stamp so a buffered message becomes visible to
// the picker again after the job that parked it finishes.
func (l *Ledger) ClearSeen(ids []string) error {
	return l.flip(ids, func(m *Message) {
		m.Seen = false
		m.SeenAt = ""
	})
}

// MarkAllProcessed marks every unprocessed message processed. Used by stop
// handling: their context is preserved in the interrupt marker, and an
// unprocessed message must never be silently replayed after an explicit stop.
func (l *Ledger) MarkAllProcessed() (int, error) {
	count := 0
	var doc Document
	err := l.store.Modify(Section, &doc, func() error {
		for i := range doc.Messages {
			if !doc.Messages[i].Processed {
				doc.Messages[i].Processed = true
				count++
			}
		}
		if count == 0 {
			return state.ErrNoChange
		}
		return nil
	})
	return count, err
}

func (l *Ledger) flip(ids []string, fn func(*Message)) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var doc Document
	return l.store.Modify(Section, &doc, func() error {
		touched := false
		for i := range doc.Messages {
			if want[doc.Messages[i].MessageID] {
				fn(&doc.Messages[i])
				touched = true
			}
		}
		if !touched {
			return state.ErrNoChange
		}
		return nil
	})
}

// RecordBotReply appends the bot's outbound message so conversation context
// survives restarts. sentID is the channel-native id of the sent message;
// replies to it are matched back through it.
func (l *Ledger) RecordBotReply(chatID, text string, replyTo []string, files []FileRef, channel, sentID string) error {
	if channel == "" {
		channel = ChannelSystem
	}
	id := "bot_" + state.Now()
	if len(replyTo) > 0 {
		id = "bot_" + replyTo[0]
	}
	msg := Message{
		MessageID:     id,
		Channel:       channel,
		ChatID:        chatID,
		Type:          "bot",
		Text:          text,
		Files:         files,
		Timestamp:     state.Now(),
		Processed:     true,
		ReplyTo:       replyTo,
		SentMessageID: sentID,
	}
	_, err := l.Append(msg)
	return err
}

// Cursor returns the stored cursor value for channel/key, empty if unset.
func (l *Ledger) Cursor(channel, key string) string {
	var doc Document
	l.store.Load(Section, &doc)
	if doc.Cursors == nil {
		if channel == ChannelTelegram && key == "last_update_id" && doc.LastUpdateID > 0 {
			return strconv.FormatInt(doc.LastUpdateID, 10)
		}
		return ""
	}
	return doc.Cursors[channel][key]
}

// SetCursor records a channel's last-seen offset. The telegram
// last_update_id is additionally mirrored to the legacy top-level field.
// Only that channel's listener may call this for its own channel.
func (l *Ledger) SetCursor(channel, key, value string) error {
	var doc Document
	return l.store.Modify(Section, &doc, func() error {
		if doc.Cursors == nil {
			doc.Cursors = map[string]map[string]string{}
		}
		if doc.Cursors[channel] == nil {
			doc.Cursors[channel] = map[string]string{}
		}
		doc.Cursors[channel][key] = value
		if channel == ChannelTelegram && key == "last_update_id" {
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				doc.LastUpdateID = v
			}
		}
		return nil
	})
}

// Unprocessed returns user messages that are neither processed nor seen.
func (l *Ledger) Unprocessed() []Message {
	var doc Document
	l.store.Load(Section, &doc)
	var out []Message
	for _, m := range doc.Messages {
		if m.Type == "user" && !m.Processed && !m.Seen {
			out = append(out, m)
		}
	}
	return out
}

// Pending returns user messages not yet processed, seen or not.
func (l *Ledger) Pending() []Message {
	var doc Document
	l.store.Load(Section, &doc)
	var out []Message
	for _, m := range doc.Messages {
		if m.Type == "user" && !m.Processed {
			out = append(out, m)
		}
	}
	return out
}

// Snapshot returns the whole document for read-only consumers.
func (l *Ledger) Snapshot() Document {
	var doc Document
	l.store.Load(Section, &doc)
	return doc
}

// CleanupOld removes processed messages older than the retention window.
// Unparsable timestamps are treated as "now" so nothing is purged early.
// Single transaction; safe to run concurrently with appends.
func (l *Ledger) CleanupOld() (int, error) {
	cutoff := time.Now().AddDate(0, 0, -l.retentionDays)
	removed := 0

	var doc Document
	err := l.store.Modify(Section, &doc, func() error {
		kept := doc.Messages[:0]
		for _, m := range doc.Messages {
			if !m.Processed {
				kept = append(kept, m)
				continue
			}
			ts, err := state.Parse(m.Timestamp)
			if err != nil {
				ts = time.Now()
			}
			if ts.After(cutoff) {
				kept = append(kept, m)
			} else {
				removed++
			}
		}
		if removed == 0 {
			return state.ErrNoChange
		}
		doc.Messages = kept
		return nil
	})
	if removed > 0 {
		logger.InfoCF("ledger", "retention sweep", map[string]interface{}{"removed": removed})
	}
	return removed, err
}

// ExpireStale force-completes messages unprocessed past the expiry window so
// a poison message can never block the queue forever. Expired messages are
// flagged distinctly — they were not completed.
func (l *Ledger) ExpireStale() (int, error) {
	cutoff := time.Now().Add(-time.Duration(l.expiryHours) * time.Hour)
	expired := 0

	var doc Document
	err := l.store.Modify(Section, &doc, func() error {
		for i := range doc.Messages {
			m := &doc.Messages[i]
			if m.Processed || m.Type != "user" {
				continue
			}
			ts, err := state.Parse(m.Timestamp)
			if err != nil {
				continue // unparsable means "now" — never expire
			}
			if ts.Before(cutoff) {
				m.Processed = true
				m.Expired = true
				expired++
				logger.WarnCF("ledger", "message expired, force-marked processed", map[string]interface{}{
					"message_id": m.MessageID, "age_hours": int(time.Since(ts).Hours()),
				})
			}
		}
		if expired == 0 {
			return state.ErrNoChange
		}
		return nil
	})
	return expired, err
}
