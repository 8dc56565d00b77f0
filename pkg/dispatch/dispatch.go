// Package dispatch is the orchestration core: each cycle it inspects the
// working lock, parks mid-job arrivals, and either resumes a waiting card
// with a user reply or starts the oldest queued messages as one combined job
// through the external agent.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/heysquid/heysquid/pkg/bus"
	"github.com/heysquid/heysquid/pkg/channels"
	"github.com/heysquid/heysquid/pkg/config"
	"github.com/heysquid/heysquid/pkg/kanban"
	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/recovery"
	"github.com/heysquid/heysquid/pkg/worklock"
)

// AskPrefix on agent output means the agent needs user input: the rest of
// the output is sent as a question and the card parks in waiting.
const AskPrefix = "[ASK]"

// Runner executes one job with the external agent. onActivity fires on every
// observable unit of agent output so the working-lock heartbeat tracks real
// progress.
type Runner interface {
	Run(ctx context.Context, instruction string, onActivity func()) (string, error)
}

// ContextProvider contributes extra instruction context for a conversation,
// e.g. workspace notes or prior task summaries.
type ContextProvider interface {
	ContextFor(chatID string) string
}

type Dispatcher struct {
	cfg       *config.Config
	led       *ledger.Ledger
	board     *kanban.Board
	lock      *worklock.Lock
	buf       *worklock.Buffer
	ch        *channels.Manager
	runner    Runner
	rec       *recovery.Recovery
	providers []ContextProvider
	events    *bus.EventBus

	// resuming carries the summary of a reclaimed stale job into the next
	// combined instruction, then clears.
	resuming string
}

func New(cfg *config.Config, led *ledger.Ledger, board *kanban.Board, lock *worklock.Lock,
	buf *worklock.Buffer, ch *channels.Manager, runner Runner, rec *recovery.Recovery) *Dispatcher {
	return &Dispatcher{
		cfg: cfg, led: led, board: board, lock: lock,
		buf: buf, ch: ch, runner: runner, rec: rec,
	}
}

// AddContextProvider registers an additional instruction-context source.
func (d *Dispatcher) AddContextProvider(p ContextProvider) {
	d.providers = append(d.providers, p)
}

// SetEventBus attaches the observability fan-out. Optional.
func (d *Dispatcher) SetEventBus(b *bus.EventBus) { d.events = b }

func (d *Dispatcher) emit(eventType string, data interface{}) {
	if d.events != nil {
		d.events.Emit(eventType, "dispatch", data)
	}
}

// Run executes startup recovery then polls in a cycle until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.StartupNotices()

	interval := time.Duration(d.cfg.PollIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.RunCycle(ctx); err != nil {
				logger.ErrorCF("dispatch", "cycle failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// StartupNotices consumes the one-shot crash and interrupt markers and tells
// the user what happened before this start.
func (d *Dispatcher) StartupNotices() {
	if crash := d.rec.CheckCrash(); crash != nil {
		text := fmt.Sprintf("The previous task was interrupted by a crash: %s\nOriginal request(s):\n- %s\nIt stays queued and will be retried.",
			crash.Summary, strings.Join(crash.Originals, "\n- "))
		d.notify(crash.ChatID, text)
	}
	if in := d.rec.CheckInterrupted(); in != nil {
		text := fmt.Sprintf("The previous task was stopped (%s): %s", in.Reason, in.Summary)
		d.notify(in.ChatID, text)
	}
}

// RunCycle is one dispatcher step. With an active fresh lock it only parks
// new arrivals; with a stale lock it reclaims the slot first.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	if status := d.lock.Check(); status != nil {
		if !status.Stale {
			return d.parkArrivals(status)
		}
		d.reclaimStale(status)
	}

	pick := d.PickNext()
	if pick == nil {
		d.standbyCheck()
		return nil
	}

	switch pick.Kind {
	case PickReply:
		return d.resumeWaiting(ctx, pick)
	default:
		return d.startNew(ctx, pick)
	}
}

// parkArrivals buffers messages that arrived mid-job so they neither
// interleave into the running job nor get re-offered every poll.
func (d *Dispatcher) parkArrivals(status *worklock.Status) error {
	msgs := d.led.Unprocessed()
	if len(msgs) == 0 {
		return nil
	}

	entries := make([]worklock.BufferedInstruction, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, worklock.BufferedInstruction{
			MessageID:   m.MessageID,
			Instruction: m.Text,
			Timestamp:   m.Timestamp,
			ChatID:      m.ChatID,
			UserName:    m.UserName,
		})
		ids = append(ids, m.MessageID)
	}
	if err := d.buf.Save(entries); err != nil {
		return fmt.Errorf("park arrivals: %w", err)
	}
	if err := d.led.MarkSeen(ids); err != nil {
		return fmt.Errorf("mark parked seen: %w", err)
	}
	logger.InfoCF("dispatch", "messages parked behind running job", map[string]interface{}{
		"count": len(ids), "running": status.InstructionSummary,
	})
	return nil
}

// reclaimStale frees a lock whose heartbeat went silent. The dead job's
// messages are still unprocessed and will be picked again this cycle.
func (d *Dispatcher) reclaimStale(status *worklock.Status) {
	d.notify(status.ChatID, fmt.Sprintf(
		"The running task went silent (started %s): %s\nReclaiming the slot; queued work resumes.",
		status.StartedAt, status.InstructionSummary))
	d.lock.Release(false)
	d.led.ClearSeen([]string(status.MessageIDs))
	d.resuming = status.InstructionSummary
}

func (d *Dispatcher) startNew(ctx context.Context, pick *Pick) error {
	msgs := pick.Messages
	ids := messageIDs(msgs)
	chatID, channel := msgs[0].ChatID, msgs[0].Channel

	if open := d.board.MergeableCards(chatID); len(open) >= 2 {
		shortIDs := make([]string, 0, len(open))
		for _, c := range open {
			shortIDs = append(shortIDs, c.ShortID)
		}
		logger.InfoCF("dispatch", "multiple open cards for sender", map[string]interface{}{
			"chat_id": chatID, "cards": strings.Join(shortIDs, ","),
		})
		d.notify(chatID, fmt.Sprintf(
			"You have %d open tasks (%s). If some belong together, say so and they will be merged.",
			len(open), strings.Join(shortIDs, ", ")))
	}

	if err := d.lock.Create(ids, msgs[0].Text, chatID); err != nil {
		if errors.Is(err, worklock.ErrBusy) {
			return nil // another process won the slot
		}
		return err
	}

	// The board flips only once the slot is actually ours.
	if _, err := d.board.AddTask(msgs[0].Text, kanban.ColInProgress, ids, chatID, nil); err != nil {
		d.lock.Release(false)
		return fmt.Errorf("add card: %w", err)
	}
	if _, err := d.board.UpdateByMessageIDs(ids, kanban.ColInProgress, "", ""); err != nil {
		d.lock.Release(false)
		return fmt.Errorf("move card: %w", err)
	}

	instruction := d.Combine(msgs)
	if err := d.led.MarkSeen(ids); err != nil {
		logger.WarnCF("dispatch", "mark seen failed", map[string]interface{}{"error": err.Error()})
	}

	logger.InfoCF("dispatch", "job started", map[string]interface{}{
		"message_ids": strings.Join(ids, ","), "chat_id": chatID,
	})
	d.emit(bus.EventJobStarted, map[string]interface{}{
		"message_ids": ids, "chat_id": chatID, "summary": oneLine(msgs[0].Text),
	})
	return d.execute(ctx, ids, chatID, channel, instruction)
}

func (d *Dispatcher) resumeWaiting(ctx context.Context, pick *Pick) error {
	card := pick.Card
	reply := pick.Messages[0]
	ids := append(append([]string{}, card.SourceMessageIDs...), reply.MessageID)

	if err := d.lock.Create(ids, reply.Text, reply.ChatID); err != nil {
		if errors.Is(err, worklock.ErrBusy) {
			return nil // the card keeps its waiting state for the next cycle
		}
		return err
	}

	question := d.waitingQuestion(card)
	if _, err := d.board.UpdateByMessageIDs(card.SourceMessageIDs, kanban.ColInProgress, "", kanban.ColWaiting); err != nil {
		d.lock.Release(false)
		return fmt.Errorf("resume card: %w", err)
	}
	if _, err := d.board.AppendMessage(card.ChatID, reply.MessageID, oneLine(reply.Text)); err != nil {
		logger.WarnCF("dispatch", "append reply to card failed", map[string]interface{}{"error": err.Error()})
	}

	instruction := d.resumeInstruction(card.Title, question, reply)
	if err := d.led.MarkSeen([]string{reply.MessageID}); err != nil {
		logger.WarnCF("dispatch", "mark seen failed", map[string]interface{}{"error": err.Error()})
	}

	logger.InfoCF("dispatch", "waiting card resumed", map[string]interface{}{
		"card": card.ShortID, "reply": reply.MessageID,
	})
	d.emit(bus.EventJobStarted, map[string]interface{}{
		"message_ids": ids, "chat_id": reply.ChatID, "resumed_card": card.ShortID,
	})
	return d.execute(ctx, ids, reply.ChatID, reply.Channel, instruction)
}

// waitingQuestion recovers the question text sent when the card parked, by
// matching the card's recorded sent id against bot messages in the ledger.
func (d *Dispatcher) waitingQuestion(card *kanban.Card) string {
	want := map[string]bool{}
	for _, id := range card.WaitingSentIDs {
		want[id] = true
	}
	if len(want) == 0 {
		return ""
	}
	for _, m := range d.led.Snapshot().Messages {
		if m.Type == "bot" && m.SentMessageID != "" && want[m.SentMessageID] {
			return m.Text
		}
	}
	return ""
}

// execute runs the agent and routes the outcome: an ask parks the card in
// waiting, success completes it, failure retries up to the limit.
func (d *Dispatcher) execute(ctx context.Context, ids []string, chatID, channel, instruction string) error {
	result, err := d.runner.Run(ctx, instruction, d.lock.Touch)
	if err != nil {
		return d.handleFailure(ids, chatID, channel, err)
	}

	if rest, ok := cutAsk(result); ok {
		if err := d.AskAndWait(ids, chatID, channel, rest); err != nil {
			return d.handleFailure(ids, chatID, channel, err)
		}
		return nil
	}
	return d.MarkDone(ids, chatID, channel, result)
}

func (d *Dispatcher) handleFailure(ids []string, chatID, channel string, runErr error) error {
	logger.ErrorCF("dispatch", "agent run failed", map[string]interface{}{"error": runErr.Error()})
	d.lock.Release(false)

	count, err := d.led.IncrementRetry(ids)
	if err != nil {
		return err
	}
	if count >= d.cfg.MaxRetries {
		d.led.MarkProcessed(ids)
		d.board.UpdateByMessageIDs(ids, kanban.ColDone, "failed: "+runErr.Error(), "")
		d.sendReply(channel, chatID, fmt.Sprintf("Task failed after %d attempts: %v", count, runErr), ids)
		d.emit(bus.EventJobFailed, map[string]interface{}{
			"message_ids": ids, "error": runErr.Error(), "attempts": count,
		})
		return nil
	}
	// Back to the queue for another attempt.
	d.led.ClearSeen(ids)
	d.board.UpdateByMessageIDs(ids, kanban.ColTodo, "", kanban.ColInProgress)
	logger.WarnCF("dispatch", "job requeued for retry", map[string]interface{}{
		"attempt": count, "max": d.cfg.MaxRetries,
	})
	return nil
}

// AskAndWait sends the agent's question, parks the card in waiting keyed by
// the sent message id, and frees the working slot so other queued work can
// run while the user thinks. A failed send changes nothing: the job stays
// active and retryable. The source messages stay unprocessed (seen only)
// until the resumed job completes, so retention cannot purge a paused task.
func (d *Dispatcher) AskAndWait(ids []string, chatID, channel, question string) error {
	sentID, err := d.ch.Send(channel, chatID, question)
	if err != nil {
		return fmt.Errorf("ask: send question: %w", err)
	}
	if rerr := d.led.RecordBotReply(chatID, question, ids, nil, channel, sentID); rerr != nil {
		logger.WarnCF("dispatch", "record question failed", map[string]interface{}{"error": rerr.Error()})
	}

	moved, err := d.board.UpdateByMessageIDs(ids, kanban.ColWaiting, "", "")
	if err != nil {
		return fmt.Errorf("ask: move card: %w", err)
	}
	if len(moved) > 0 && sentID != "" {
		if err := d.board.SetWaiting(moved[0], []string{sentID}, "Waiting: "+oneLine(question)); err != nil {
			logger.WarnCF("dispatch", "record waiting ids failed", map[string]interface{}{"error": err.Error()})
		}
	}

	d.lock.Release(true)
	d.emit(bus.EventJobWaiting, map[string]interface{}{
		"message_ids": ids, "question": oneLine(question),
	})
	d.foldBuffer()
	return nil
}

// MarkDone completes a job: the result is delivered first and then persisted
// (carrying the audit prefix when delivery failed), messages flip processed,
// the slot frees and parked arrivals fold back in.
func (d *Dispatcher) MarkDone(ids []string, chatID, channel, result string) error {
	_, recorded := d.sendReply(channel, chatID, result, ids)
	if err := d.led.MarkProcessed(ids); err != nil {
		return fmt.Errorf("done: mark processed: %w", err)
	}
	if _, err := d.board.UpdateByMessageIDs(ids, kanban.ColDone, oneLine(recorded), ""); err != nil {
		return fmt.Errorf("done: move card: %w", err)
	}
	d.lock.Release(false)
	d.emit(bus.EventJobDone, map[string]interface{}{
		"message_ids": ids, "result": oneLine(recorded),
	})
	d.foldBuffer()
	return nil
}

// foldBuffer returns parked messages to the visible queue after a job ends.
func (d *Dispatcher) foldBuffer() {
	entries := d.buf.Load()
	if len(entries) == 0 {
		return
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.MessageID)
	}
	if err := d.led.ClearSeen(ids); err != nil {
		logger.WarnCF("dispatch", "unpark failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := d.buf.Clear(); err != nil {
		logger.WarnCF("dispatch", "clear buffer failed", map[string]interface{}{"error": err.Error()})
	}
	logger.InfoCF("dispatch", "parked messages returned to queue", map[string]interface{}{"count": len(ids)})
}

// Interrupt stops the current job on user request: the interrupt marker is
// written for the next startup, every queued message is closed out so
// nothing replays silently, and the slot is freed.
func (d *Dispatcher) Interrupt(reason string) error {
	info := d.lock.Read()
	if info == nil {
		return fmt.Errorf("dispatch: no task is running")
	}
	err := d.rec.WriteInterrupt(recovery.Interrupt{
		Reason:     reason,
		MessageIDs: []string(info.MessageIDs),
		Summary:    info.InstructionSummary,
		ChatID:     info.ChatID,
	})
	if err != nil {
		return err
	}
	if n, err := d.led.MarkAllProcessed(); err != nil {
		return err
	} else if n > 0 {
		logger.InfoCF("dispatch", "queue closed out on stop", map[string]interface{}{"count": n})
	}
	d.board.UpdateByMessageIDs([]string(info.MessageIDs), kanban.ColDone, "interrupted: "+reason, "")
	d.lock.Release(false)
	return nil
}

// standbyCheck logs open work that exists without any queued messages, so an
// empty queue with stranded cards is visible.
func (d *Dispatcher) standbyCheck() {
	open := d.board.ActiveCards()
	todo, waiting := len(open[kanban.ColTodo]), len(open[kanban.ColWaiting])
	if todo+waiting > 0 {
		logger.DebugCF("dispatch", "standby with open cards", map[string]interface{}{
			"todo": todo, "waiting": waiting,
		})
	}
}

// sendReply delivers text on the channel the conversation came from and
// records the bot message in the ledger. A failed send is still recorded,
// with an audit prefix, so the history shows what was meant to go out. The
// second return is the recorded text, for callers that persist it elsewhere.
func (d *Dispatcher) sendReply(channel, chatID, text string, replyTo []string) (string, string) {
	sentID, err := d.ch.Send(channel, chatID, text)
	if err != nil {
		logger.ErrorCF("dispatch", "send failed", map[string]interface{}{
			"channel": channel, "error": err.Error(),
		})
		text = "[전송 실패] " + text
		sentID = ""
	}
	if rerr := d.led.RecordBotReply(chatID, text, replyTo, nil, channel, sentID); rerr != nil {
		logger.WarnCF("dispatch", "record bot reply failed", map[string]interface{}{"error": rerr.Error()})
	}
	return sentID, text
}

// notify broadcasts operational notices across every registered channel.
func (d *Dispatcher) notify(chatID, text string) {
	if d.ch == nil {
		return
	}
	d.ch.Broadcast(chatID, text)
}

func cutAsk(result string) (string, bool) {
	trimmed := strings.TrimSpace(result)
	if !strings.HasPrefix(trimmed, AskPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, AskPrefix)), true
}

func messageIDs(msgs []ledger.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.MessageID)
	}
	return out
}
