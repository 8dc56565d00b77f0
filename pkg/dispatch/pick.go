package dispatch

import (
	"sort"

	"github.com/heysquid/heysquid/pkg/kanban"
	"github.com/heysquid/heysquid/pkg/ledger"
)

// PickKind classifies what the picker decided.
type PickKind int

const (
	// PickReply resumes a waiting card with a user reply.
	PickReply PickKind = iota
	// PickNew starts a fresh job from queued messages.
	PickNew
)

// Pick is the picker's decision. The picker itself performs no side effects;
// the cycle that acts on a Pick owns locking, seen-marking and board moves.
type Pick struct {
	Kind     PickKind
	Messages []ledger.Message
	// Card is the waiting card being resumed, only for PickReply.
	Card *kanban.Card
}

// PickNext chooses the next job, in priority order: an explicit reply to a
// waiting question, then the sole-waiting heuristic, then the oldest queued
// messages as one combined job. Returns nil when nothing is queued.
func (d *Dispatcher) PickNext() *Pick {
	pending := d.led.Unprocessed()
	if len(pending) == 0 {
		return nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Timestamp != pending[j].Timestamp {
			return pending[i].Timestamp < pending[j].Timestamp
		}
		return pending[i].MessageID < pending[j].MessageID
	})

	waiting := d.board.WaitingCards()

	// Explicit reply linkage: the platform reply id matches a question we
	// sent while putting a card into waiting.
	sentToCard := map[string]*kanban.Card{}
	for i := range waiting {
		for _, sid := range waiting[i].WaitingSentIDs {
			sentToCard[sid] = &waiting[i]
		}
	}
	for _, m := range pending {
		if m.ReplyToMessageID == "" {
			continue
		}
		if c, ok := sentToCard[m.ReplyToMessageID]; ok {
			return &Pick{Kind: PickReply, Messages: []ledger.Message{m}, Card: c}
		}
	}

	if card, msg := matchSoleWaiting(pending, waiting); card != nil {
		return &Pick{Kind: PickReply, Messages: []ledger.Message{*msg}, Card: card}
	}

	// The oldest message wins; only messages from the same conversation fold
	// into its batch. The rest stay queued for later cycles.
	oldest := pending[0]
	batch := make([]ledger.Message, 0, len(pending))
	for _, m := range pending {
		if m.ChatID == oldest.ChatID && m.Channel == oldest.Channel {
			batch = append(batch, m)
		}
	}
	return &Pick{Kind: PickNew, Messages: batch}
}

// matchSoleWaiting treats a plain message as the answer when exactly one card
// is waiting, exactly one plain message is pending, and the message comes
// from that card's conversation. Any other combination is ambiguous and only
// explicit replies match.
func matchSoleWaiting(pending []ledger.Message, waiting []kanban.Card) (*kanban.Card, *ledger.Message) {
	if len(waiting) != 1 {
		return nil, nil
	}
	var candidate *ledger.Message
	for i := range pending {
		if pending[i].ReplyToMessageID != "" {
			continue
		}
		if candidate != nil {
			return nil, nil
		}
		candidate = &pending[i]
	}
	if candidate == nil {
		return nil, nil
	}
	c := waiting[0]
	if c.ChatID != "" && candidate.ChatID != c.ChatID {
		return nil, nil
	}
	return &c, candidate
}
