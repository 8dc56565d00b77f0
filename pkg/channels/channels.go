// Package channels defines the capability interface each chat platform
// adapter implements and a manager that fans outbound messages across every
// registered platform. Listeners live in the platform subpackages and feed
// the message ledger directly.
package channels

import (
	"context"
	"sync"

	"github.com/heysquid/heysquid/pkg/logger"
)

// Sender is the outbound capability of one platform. SendMessage returns the
// channel-native id of the sent message; replies to that id are matched back
// to waiting cards through it.
type Sender interface {
	Name() string
	SendMessage(chatID, text string) (string, error)
	SendFiles(chatID, text string, filePaths []string) error
}

// Listener is the inbound side: it runs until ctx is done, appending
// received messages to the ledger and advancing its own cursor.
type Listener interface {
	Name() string
	Listen(ctx context.Context) error
}

// Manager is the registry of active senders.
type Manager struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewManager() *Manager {
	return &Manager{senders: map[string]Sender{}}
}

func (m *Manager) Register(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[s.Name()] = s
	logger.InfoCF("channels", "sender registered", map[string]interface{}{"channel": s.Name()})
}

// Get returns the sender for a channel name.
func (m *Manager) Get(name string) (Sender, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.senders[name]
	return s, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.senders))
	for name := range m.senders {
		out = append(out, name)
	}
	return out
}

// Broadcast sends text through every registered sender. Per-channel failures
// are logged, not fatal; the result maps channel name to success.
func (m *Manager) Broadcast(chatID, text string) map[string]bool {
	m.mu.RLock()
	senders := make([]Sender, 0, len(m.senders))
	for _, s := range m.senders {
		senders = append(senders, s)
	}
	m.mu.RUnlock()

	results := map[string]bool{}
	for _, s := range senders {
		_, err := s.SendMessage(chatID, text)
		if err != nil {
			logger.WarnCF("channels", "broadcast send failed", map[string]interface{}{
				"channel": s.Name(), "error": err.Error(),
			})
		}
		results[s.Name()] = err == nil
	}
	return results
}

// BroadcastFiles sends files through every registered sender.
func (m *Manager) BroadcastFiles(chatID, text string, filePaths []string) map[string]bool {
	m.mu.RLock()
	senders := make([]Sender, 0, len(m.senders))
	for _, s := range m.senders {
		senders = append(senders, s)
	}
	m.mu.RUnlock()

	results := map[string]bool{}
	for _, s := range senders {
		err := s.SendFiles(chatID, text, filePaths)
		if err != nil {
			logger.WarnCF("channels", "broadcast files failed", map[string]interface{}{
				"channel": s.Name(), "error": err.Error(),
			})
		}
		results[s.Name()] = err == nil
	}
	return results
}

// Send sends through one named channel, returning the native sent id.
func (m *Manager) Send(channel, chatID, text string) (string, error) {
	s, ok := m.Get(channel)
	if !ok {
		return "", ErrNoChannel
	}
	return s.SendMessage(chatID, text)
}
