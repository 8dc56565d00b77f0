package worklock

import (
	"github.com/heysquid/heysquid/pkg/state"
)

// BufferSection is new_instructions.json: messages that arrived while a job
// was already running. They are parked here instead of interleaving into the
// active job, then folded in when the job completes.
const BufferSection = "new_instructions"

// BufferedInstruction is one parked message.
type BufferedInstruction struct {
	MessageID   string `json:"message_id"`
	Instruction string `json:"instruction"`
	Timestamp   string `json:"timestamp"`
	ChatID      string `json:"chat_id"`
	UserName    string `json:"user_name,omitempty"`
	DetectedAt  string `json:"detected_at"`
}

type bufferDoc struct {
	Instructions []BufferedInstruction `json:"instructions"`
}

// Buffer is the persisted side-channel for mid-job messages.
type Buffer struct {
	store *state.Store
}

func NewBuffer(store *state.Store) *Buffer {
	return &Buffer{store: store}
}

// Save appends entries not already buffered (idempotent by message id).
func (b *Buffer) Save(entries []BufferedInstruction) error {
	if len(entries) == 0 {
		return nil
	}
	var doc bufferDoc
	return b.store.Modify(BufferSection, &doc, func() error {
		existing := map[string]bool{}
		for _, inst := range doc.Instructions {
			existing[inst.MessageID] = true
		}
		added := false
		for _, e := range entries {
			if existing[e.MessageID] {
				continue
			}
			if e.DetectedAt == "" {
				e.DetectedAt = state.Now()
			}
			doc.Instructions = append(doc.Instructions, e)
			added = true
		}
		if !added {
			return state.ErrNoChange
		}
		return nil
	})
}

// Load returns the buffered instructions, empty on missing/corrupt file.
func (b *Buffer) Load() []BufferedInstruction {
	var doc bufferDoc
	b.store.Load(BufferSection, &doc)
	return doc.Instructions
}

// Clear removes the buffer file.
func (b *Buffer) Clear() error {
	return b.store.Remove(BufferSection)
}
