package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/heysquid/heysquid/pkg/channels"
	"github.com/heysquid/heysquid/pkg/config"
	"github.com/heysquid/heysquid/pkg/kanban"
	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/recovery"
	"github.com/heysquid/heysquid/pkg/state"
	"github.com/heysquid/heysquid/pkg/worklock"
)

type fakeSender struct {
	sent []string
	next int
	fail bool
}

func (f *fakeSender) Name() string { return ledger.ChannelTelegram }

func (f *fakeSender) SendMessage(chatID, text string) (string, error) {
	if f.fail {
		return "", errors.New("network down")
	}
	f.sent = append(f.sent, text)
	f.next++
	return fmt.Sprintf("sent_%d", f.next), nil
}

func (f *fakeSender) SendFiles(chatID, text string, filePaths []string) error { return nil }

type fakeRunner struct {
	outputs []string
	errs    []error
	got     []string
}

func (r *fakeRunner) Run(ctx context.Context, instruction string, onActivity func()) (string, error) {
	onActivity()
	i := len(r.got)
	r.got = append(r.got, instruction)
	var out string
	var err error
	if i < len(r.outputs) {
		out = r.outputs[i]
	}
	if i < len(r.errs) {
		err = r.errs[i]
	}
	return out, err
}

type fixture struct {
	d      *Dispatcher
	led    *ledger.Ledger
	board  *kanban.Board
	lock   *worklock.Lock
	sender *fakeSender
	runner *fakeRunner
	dir    string
}

func newFixture(t *testing.T, dir string) *fixture {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	s, err := state.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.MaxRetries = 2

	led := ledger.New(s, 30, 24)
	board := kanban.New(s, 50, 200)
	lock := worklock.New(dir, 30*time.Minute)
	buf := worklock.NewBuffer(s)
	rec := recovery.New(s, lock, led)

	sender := &fakeSender{}
	mgr := channels.NewManager()
	mgr.Register(sender)

	runner := &fakeRunner{}
	d := New(cfg, led, board, lock, buf, mgr, runner, rec)
	return &fixture{d: d, led: led, board: board, lock: lock, sender: sender, runner: runner, dir: dir}
}

func userMsg(id, text string) ledger.Message {
	return ledger.Message{
		MessageID: id,
		Channel:   ledger.ChannelTelegram,
		ChatID:    "100",
		Type:      "user",
		Text:      text,
	}
}

func TestStartNewCombinesQueuedMessages(t *testing.T) {
	f := newFixture(t, "")
	f.runner.outputs = []string{"all done"}

	f.led.Append(userMsg("1", "fix the login bug"))
	f.led.Append(userMsg("2", "and update the docs"))

	if err := f.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(f.runner.got) != 1 {
		t.Fatalf("runner calls = %d", len(f.runner.got))
	}
	inst := f.runner.got[0]
	if !strings.Contains(inst, "[요청 1]") || !strings.Contains(inst, "[요청 2]") {
		t.Errorf("combined instruction missing request sections:\n%s", inst)
	}
	if strings.Index(inst, "fix the login bug") > strings.Index(inst, "and update the docs") {
		t.Error("requests must keep arrival order")
	}

	if got := f.led.Pending(); len(got) != 0 {
		t.Errorf("pending after done = %d", len(got))
	}
	if f.lock.Read() != nil {
		t.Error("lock must be released after completion")
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0] != "all done" {
		t.Errorf("sent = %v", f.sender.sent)
	}
	done := f.board.Snapshot().Tasks
	if len(done) != 1 || done[0].Column != kanban.ColDone {
		t.Errorf("board = %+v", done)
	}
}

func TestSingleMessagePassesThrough(t *testing.T) {
	f := newFixture(t, "")
	f.runner.outputs = []string{"ok"}
	f.led.Append(userMsg("1", "just one thing"))

	f.d.RunCycle(context.Background())

	if strings.Contains(f.runner.got[0], "[요청") {
		t.Error("single message must not get a request header")
	}
	if !strings.HasPrefix(f.runner.got[0], "just one thing") {
		t.Errorf("instruction = %q", f.runner.got[0])
	}
}

func TestAskAndWaitRoundTripAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	f := newFixture(t, dir)
	f.runner.outputs = []string{"[ASK] which environment, staging or prod?"}
	f.led.Append(userMsg("1", "deploy the service"))
	if err := f.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	waiting := f.board.WaitingCards()
	if len(waiting) != 1 {
		t.Fatalf("waiting cards = %d", len(waiting))
	}
	if len(waiting[0].WaitingSentIDs) != 1 {
		t.Fatalf("waiting sent ids = %v", waiting[0].WaitingSentIDs)
	}
	sentID := waiting[0].WaitingSentIDs[0]
	if f.lock.Read() != nil {
		t.Error("slot must be free while waiting")
	}
	if got := f.led.Unprocessed(); len(got) != 0 {
		t.Error("asked messages must stay invisible to the picker")
	}
	// Not processed while merely paused, so retention cannot purge them.
	if got := f.led.Pending(); len(got) != 1 {
		t.Errorf("paused source messages = %d, want 1 retained", len(got))
	}

	// Restart: fresh dispatcher over the same state directory.
	f2 := newFixture(t, dir)
	f2.runner.outputs = []string{"deployed to staging"}
	reply := userMsg("2", "staging please")
	reply.ReplyToMessageID = sentID
	f2.led.Append(reply)

	if err := f2.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	inst := f2.runner.got[0]
	if !strings.Contains(inst, "which environment") || !strings.Contains(inst, "staging please") {
		t.Errorf("resume instruction missing question or reply:\n%s", inst)
	}
	cards := f2.board.Snapshot().Tasks
	if len(cards) != 1 || cards[0].Column != kanban.ColDone {
		t.Errorf("card after resume = %+v", cards)
	}
	if len(cards[0].SourceMessageIDs) != 2 {
		t.Errorf("reply id must join the card: %v", cards[0].SourceMessageIDs)
	}
	if got := f2.led.Pending(); len(got) != 0 {
		t.Errorf("completion must process the paused sources, pending = %d", len(got))
	}
}

func TestSoleWaitingHeuristic(t *testing.T) {
	f := newFixture(t, "")

	card, _ := f.board.AddTask("deploy", kanban.ColInProgress, []string{"1"}, "100", nil)
	f.board.SetWaiting(card.ID, []string{"zzz"}, "Waiting: which env?")

	// Plain message from the same conversation, no reply linkage.
	f.led.Append(userMsg("2", "prod"))

	pick := f.d.PickNext()
	if pick == nil || pick.Kind != PickReply {
		t.Fatalf("pick = %+v, want sole-waiting reply", pick)
	}
	if pick.Card.ID != card.ID || pick.Messages[0].MessageID != "2" {
		t.Errorf("pick = card %s msg %s", pick.Card.ID, pick.Messages[0].MessageID)
	}

	// A second plain message makes it ambiguous which one is the answer.
	f.led.Append(userMsg("3", "also do this"))
	pick = f.d.PickNext()
	if pick == nil || pick.Kind != PickNew {
		t.Errorf("with two pending messages the heuristic must not fire, got %+v", pick)
	}
	f.led.MarkProcessed([]string{"3"})

	// A second waiting card makes the plain message ambiguous too.
	other, _ := f.board.AddTask("other", kanban.ColInProgress, []string{"9"}, "100", nil)
	f.board.SetWaiting(other.ID, []string{"yyy"}, "Waiting: also?")

	pick = f.d.PickNext()
	if pick == nil || pick.Kind != PickNew {
		t.Errorf("with two waiting cards a plain message must start new work, got %+v", pick)
	}
}

func TestAskSendFailureLeavesJobRetryable(t *testing.T) {
	f := newFixture(t, "")
	f.sender.fail = true
	f.runner.outputs = []string{"[ASK] which environment?"}

	f.led.Append(userMsg("1", "deploy the service"))
	if err := f.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := f.led.Unprocessed(); len(got) != 1 {
		t.Errorf("failed question send must leave the message pending, got %d", len(got))
	}
	if waiting := f.board.WaitingCards(); len(waiting) != 0 {
		t.Errorf("failed question send must not park the card, got %d waiting", len(waiting))
	}
	if f.lock.Read() != nil {
		t.Error("slot must be freed for the retry")
	}
	cards := f.board.Snapshot().Tasks
	if len(cards) != 1 || cards[0].Column != kanban.ColTodo {
		t.Errorf("card must return to todo for the retry: %+v", cards)
	}
}

func TestPickNewBatchesOneConversation(t *testing.T) {
	f := newFixture(t, "")
	f.runner.outputs = []string{"first done", "second done"}

	f.led.Append(userMsg("1", "fix the login bug"))
	other := userMsg("2", "restart the importer")
	other.ChatID = "200"
	f.led.Append(other)
	f.led.Append(userMsg("3", "and update the docs"))

	if err := f.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	inst := f.runner.got[0]
	if !strings.Contains(inst, "fix the login bug") || !strings.Contains(inst, "and update the docs") {
		t.Errorf("oldest conversation's messages must combine:\n%s", inst)
	}
	if strings.Contains(inst, "restart the importer") {
		t.Error("another conversation's message must not fold into the batch")
	}

	// The other conversation gets its own job on the next cycle.
	if err := f.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.runner.got) != 2 || !strings.Contains(f.runner.got[1], "restart the importer") {
		t.Errorf("second conversation must run separately: %v", f.runner.got)
	}
	if got := f.led.Pending(); len(got) != 0 {
		t.Errorf("pending after both jobs = %d", len(got))
	}
}

func TestBusySlotLeavesWaitingCardIntact(t *testing.T) {
	f := newFixture(t, "")
	card, _ := f.board.AddTask("deploy", kanban.ColInProgress, []string{"1"}, "100", nil)
	f.board.SetWaiting(card.ID, []string{"sent_q"}, "Waiting: which env?")
	reply := userMsg("2", "staging")
	reply.ReplyToMessageID = "sent_q"
	f.led.Append(reply)

	pick := f.d.PickNext()
	if pick == nil || pick.Kind != PickReply {
		t.Fatalf("pick = %+v", pick)
	}
	// Another process wins the slot between pick and resume.
	if err := f.lock.Create([]string{"other"}, "other job", "300"); err != nil {
		t.Fatal(err)
	}
	if err := f.d.resumeWaiting(context.Background(), pick); err != nil {
		t.Fatal(err)
	}

	if len(f.runner.got) != 0 {
		t.Error("no job may run while the slot is held")
	}
	waiting := f.board.WaitingCards()
	if len(waiting) != 1 || len(waiting[0].WaitingSentIDs) != 1 || waiting[0].WaitingSentIDs[0] != "sent_q" {
		t.Errorf("waiting card must keep its reply linkage: %+v", waiting)
	}
}

func TestSoleWaitingSkipsOtherConversations(t *testing.T) {
	f := newFixture(t, "")
	card, _ := f.board.AddTask("deploy", kanban.ColInProgress, []string{"1"}, "100", nil)
	f.board.SetWaiting(card.ID, []string{"zzz"}, "Waiting")

	msg := userMsg("2", "unrelated")
	msg.ChatID = "999"
	f.led.Append(msg)

	pick := f.d.PickNext()
	if pick == nil || pick.Kind != PickNew {
		t.Errorf("message from another conversation must not answer the waiting card: %+v", pick)
	}
}

func TestParkAndFold(t *testing.T) {
	f := newFixture(t, "")

	// A job is already running.
	if err := f.lock.Create([]string{"job"}, "long running", "100"); err != nil {
		t.Fatal(err)
	}
	f.led.Append(userMsg("5", "one more thing"))

	if err := f.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.runner.got) != 0 {
		t.Fatal("no new job may start while the slot is held")
	}
	if got := f.led.Unprocessed(); len(got) != 0 {
		t.Error("parked message must be invisible to the picker")
	}

	// The running job completes.
	f.lock.Release(false)
	if err := f.d.MarkDone([]string{"job"}, "100", ledger.ChannelTelegram, "first job done"); err != nil {
		t.Fatal(err)
	}

	got := f.led.Unprocessed()
	if len(got) != 1 || got[0].MessageID != "5" {
		t.Fatalf("folded queue = %+v", got)
	}

	f.runner.outputs = []string{"second done"}
	if err := f.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.runner.got) != 1 || !strings.Contains(f.runner.got[0], "one more thing") {
		t.Errorf("parked message must run after fold: %v", f.runner.got)
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	f := newFixture(t, "")

	// Hand-write a lock whose heartbeat is long past the timeout.
	old := time.Now().Add(-2 * time.Hour).Format(state.TimeLayout)
	info := worklock.Info{
		MessageIDs:         worklock.IDList{"1"},
		InstructionSummary: "stalled work",
		StartedAt:          old,
		LastActivity:       old,
		Count:              1,
		ChatID:             "100",
	}
	data, _ := json.Marshal(info)
	os.WriteFile(f.lock.Path(), data, 0o644)

	f.led.Append(userMsg("1", "stalled work"))
	f.led.MarkSeen([]string{"1"})

	f.runner.outputs = []string{"recovered"}
	if err := f.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(f.runner.got) != 1 {
		t.Fatal("stale slot must be reclaimed and the job restarted")
	}
	if !strings.Contains(f.runner.got[0], "interrupted and is being resumed") {
		t.Errorf("restarted instruction must carry the resume preamble:\n%s", f.runner.got[0])
	}
	if f.lock.Read() != nil {
		t.Error("lock must be free after the reclaimed job finished")
	}
	// The reclaim notice went out before the job result.
	if len(f.sender.sent) != 2 || !strings.Contains(f.sender.sent[0], "went silent") {
		t.Errorf("sent = %v", f.sender.sent)
	}
}

func TestRetryThenGiveUp(t *testing.T) {
	f := newFixture(t, "")
	f.runner.errs = []error{errors.New("boom"), errors.New("boom again")}

	f.led.Append(userMsg("1", "flaky work"))

	// First failure: requeued.
	if err := f.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.led.Unprocessed(); len(got) != 1 || got[0].RetryCount != 1 {
		t.Fatalf("after first failure: %+v", got)
	}
	if f.lock.Read() != nil {
		t.Error("lock must be released on failure")
	}

	// Second failure hits MaxRetries=2: closed out.
	if err := f.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.led.Pending(); len(got) != 0 {
		t.Errorf("exhausted message must be closed: %+v", got)
	}
	last := f.sender.sent[len(f.sender.sent)-1]
	if !strings.Contains(last, "failed after 2 attempts") {
		t.Errorf("failure notice = %q", last)
	}
	cards := f.board.Snapshot().Tasks
	if len(cards) != 1 || cards[0].Column != kanban.ColDone || !strings.HasPrefix(cards[0].Result, "failed:") {
		t.Errorf("card = %+v", cards)
	}
}

func TestSendFailureStillRecorded(t *testing.T) {
	f := newFixture(t, "")
	f.sender.fail = true
	f.runner.outputs = []string{"important result"}

	f.led.Append(userMsg("1", "do the thing"))
	if err := f.d.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	var bot *ledger.Message
	for _, m := range f.led.Snapshot().Messages {
		if m.Type == "bot" {
			b := m
			bot = &b
		}
	}
	if bot == nil {
		t.Fatal("bot reply must be recorded even when delivery fails")
	}
	if !strings.HasPrefix(bot.Text, "[전송 실패] ") {
		t.Errorf("failed delivery must carry the audit prefix: %q", bot.Text)
	}
	cards := f.board.Snapshot().Tasks
	if len(cards) != 1 || !strings.HasPrefix(cards[0].Result, "[전송 실패] ") {
		t.Errorf("persisted card result must carry the audit prefix: %+v", cards)
	}
}

func TestInterruptClosesQueue(t *testing.T) {
	f := newFixture(t, "")

	f.led.Append(userMsg("1", "long job"))
	f.board.AddTask("long job", kanban.ColInProgress, []string{"1"}, "100", nil)
	f.lock.Create([]string{"1"}, "long job", "100")

	if err := f.d.Interrupt("user stop"); err != nil {
		t.Fatal(err)
	}

	if f.lock.Read() != nil {
		t.Error("interrupt must free the slot")
	}
	if got := f.led.Pending(); len(got) != 0 {
		t.Error("interrupt must close out the queue")
	}
	cards := f.board.Snapshot().Tasks
	if cards[0].Column != kanban.ColDone || !strings.HasPrefix(cards[0].Result, "interrupted:") {
		t.Errorf("card = %+v", cards[0])
	}

	// The marker surfaces exactly once on the next startup.
	f2 := newFixture(t, f.dir)
	f2.d.StartupNotices()
	if len(f2.sender.sent) != 1 || !strings.Contains(f2.sender.sent[0], "stopped") {
		t.Errorf("startup notice = %v", f2.sender.sent)
	}
	f2.sender.sent = nil
	f2.d.StartupNotices()
	if len(f2.sender.sent) != 0 {
		t.Error("interrupt notice must fire once")
	}
}

func TestInterruptWithoutRunningJob(t *testing.T) {
	f := newFixture(t, "")
	if err := f.d.Interrupt("stop"); err == nil {
		t.Error("interrupt with no running job must error")
	}
}
