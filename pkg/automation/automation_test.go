package automation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/heysquid/heysquid/pkg/kanban"
	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/state"
)

func newScheduler(t *testing.T) (*Scheduler, *ledger.Ledger, *kanban.Board) {
	t.Helper()
	s, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	led := ledger.New(s, 30, 24)
	board := kanban.New(s, 50, 200)
	return NewScheduler(led, board, nil), led, board
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, time.Local)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestDailySchedule(t *testing.T) {
	sch, _, _ := newScheduler(t)
	ran := 0
	if err := sch.RegisterAction("sweep", "", "daily 09:00", func(context.Context) error {
		ran++
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	sch.Tick(context.Background(), at(t, "2026-08-30 08:59"))
	if ran != 0 {
		t.Error("must not fire before the scheduled minute")
	}
	sch.Tick(context.Background(), at(t, "2026-08-30 09:00"))
	if ran != 1 {
		t.Error("must fire at the scheduled minute")
	}
	sch.Tick(context.Background(), at(t, "2026-08-30 09:00"))
	if ran != 1 {
		t.Error("must not fire twice in the same minute")
	}
	sch.Tick(context.Background(), at(t, "2026-08-31 09:00"))
	if ran != 2 {
		t.Error("must fire again the next day")
	}
}

func TestIntervalSchedule(t *testing.T) {
	sch, _, _ := newScheduler(t)
	ran := 0
	sch.RegisterAction("often", "", "every 15m", func(context.Context) error {
		ran++
		return nil
	})

	base := at(t, "2026-08-30 10:00")
	sch.Tick(context.Background(), base)
	if ran != 1 {
		t.Error("interval job fires on first tick")
	}
	sch.Tick(context.Background(), base.Add(10*time.Minute))
	if ran != 1 {
		t.Error("too early")
	}
	sch.Tick(context.Background(), base.Add(15*time.Minute))
	if ran != 2 {
		t.Error("due after the interval")
	}
}

func TestCronSchedule(t *testing.T) {
	sch, _, _ := newScheduler(t)
	ran := 0
	if err := sch.RegisterAction("half-hourly", "", "*/30 * * * *", func(context.Context) error {
		ran++
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	sch.Tick(context.Background(), at(t, "2026-08-30 10:30"))
	if ran != 1 {
		t.Errorf("cron job must fire on a matching minute, ran=%d", ran)
	}
	sch.Tick(context.Background(), at(t, "2026-08-30 10:31"))
	if ran != 1 {
		t.Error("non-matching minute must not fire")
	}
}

func TestRejectsBadSchedules(t *testing.T) {
	sch, _, _ := newScheduler(t)
	for _, bad := range []string{"daily 25:00", "every fast", "not a schedule"} {
		if err := sch.RegisterAction("x", "", bad, func(context.Context) error { return nil }); err == nil {
			t.Errorf("schedule %q must be rejected", bad)
		}
	}
}

func TestInstructionJobEntersQueue(t *testing.T) {
	sch, led, board := newScheduler(t)
	sch.RegisterInstruction("morning-report", "daily 08:00", "summarize yesterday", "100")

	sch.Tick(context.Background(), at(t, "2026-08-30 08:00"))

	queued := led.Unprocessed()
	if len(queued) != 1 {
		t.Fatalf("queued = %d", len(queued))
	}
	if queued[0].Text != "summarize yesterday" || queued[0].Channel != ledger.ChannelSystem {
		t.Errorf("message = %+v", queued[0])
	}
	if !strings.HasPrefix(queued[0].MessageID, "auto_morning-report_") {
		t.Errorf("id = %q", queued[0].MessageID)
	}

	cards := board.Snapshot().Tasks
	if len(cards) != 1 || cards[0].Column != kanban.ColAutomation {
		t.Errorf("cards = %+v", cards)
	}
}

func TestOverrides(t *testing.T) {
	sch, _, _ := newScheduler(t)
	sch.RegisterAction("sweep", "", "daily 09:00", func(context.Context) error { return nil })

	path := filepath.Join(t.TempDir(), "automations.yaml")
	content := `automations:
  - name: sweep
    schedule: daily 23:30
    enabled: false
  - name: standup
    schedule: every 1h
    instruction: post the standup summary
    chat_id: "100"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := sch.LoadOverrides(path); err != nil {
		t.Fatal(err)
	}

	jobs := sch.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	byName := map[string]map[string]interface{}{}
	for _, j := range jobs {
		byName[j["name"].(string)] = j
	}
	if byName["sweep"]["schedule"] != "daily 23:30" || byName["sweep"]["enabled"] != false {
		t.Errorf("sweep = %+v", byName["sweep"])
	}
	if byName["standup"]["kind"] != "instruction" || byName["standup"]["schedule"] != "every 1h" {
		t.Errorf("standup = %+v", byName["standup"])
	}
}

func TestLoadOverridesMissingFile(t *testing.T) {
	sch, _, _ := newScheduler(t)
	if err := sch.LoadOverrides(filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
		t.Errorf("missing file must be fine: %v", err)
	}
}
