// Package automation runs scheduled work: built-in maintenance sweeps
// (retention, expiry, archival) and user-defined instructions that enter the
// queue like any chat message. Schedules are "daily HH:MM", "every <dur>",
// or a five-field cron expression.
package automation

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"

	"github.com/heysquid/heysquid/pkg/bus"
	"github.com/heysquid/heysquid/pkg/kanban"
	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/state"
)

// Action is a built-in maintenance function.
type Action func(ctx context.Context) error

// Job is one scheduled entry. Exactly one of action or Instruction is set:
// actions run in-process, instructions are enqueued for the dispatcher.
type Job struct {
	Name        string
	Description string
	Schedule    string
	Enabled     bool
	Instruction string
	ChatID      string

	action  Action
	lastRun time.Time
}

// Override is one YAML entry tuning or adding a job.
type Override struct {
	Name        string `yaml:"name"`
	Schedule    string `yaml:"schedule"`
	Enabled     *bool  `yaml:"enabled"`
	Instruction string `yaml:"instruction"`
	ChatID      string `yaml:"chat_id"`
	Description string `yaml:"description"`
}

type overrideFile struct {
	Automations []Override `yaml:"automations"`
}

type Scheduler struct {
	mu     sync.Mutex
	jobs   []*Job
	led    *ledger.Ledger
	board  *kanban.Board
	events *bus.EventBus
	cron   *gronx.Gronx
}

func NewScheduler(led *ledger.Ledger, board *kanban.Board, events *bus.EventBus) *Scheduler {
	return &Scheduler{led: led, board: board, events: events, cron: gronx.New()}
}

// RegisterAction adds a built-in maintenance job.
func (s *Scheduler) RegisterAction(name, description, schedule string, action Action) error {
	if err := s.validate(schedule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &Job{
		Name: name, Description: description, Schedule: schedule,
		Enabled: true, action: action,
	})
	return nil
}

// RegisterInstruction adds a scheduled user instruction delivered through the
// normal queue.
func (s *Scheduler) RegisterInstruction(name, schedule, instruction, chatID string) error {
	if err := s.validate(schedule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &Job{
		Name: name, Schedule: schedule, Enabled: true,
		Instruction: instruction, ChatID: chatID,
	})
	return nil
}

// LoadOverrides applies the YAML file: matching names are tuned in place,
// unknown names with an instruction become new jobs. A missing file is fine.
func (s *Scheduler) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("automation: read overrides: %w", err)
	}
	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("automation: parse overrides: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ov := range file.Automations {
		job := s.find(ov.Name)
		if job == nil {
			if ov.Instruction == "" {
				logger.WarnCF("automation", "override for unknown job ignored", map[string]interface{}{
					"name": ov.Name,
				})
				continue
			}
			job = &Job{Name: ov.Name, Enabled: true, Schedule: "daily 09:00"}
			s.jobs = append(s.jobs, job)
		}
		if ov.Schedule != "" {
			if err := s.validate(ov.Schedule); err != nil {
				logger.WarnCF("automation", "bad override schedule", map[string]interface{}{
					"name": ov.Name, "schedule": ov.Schedule, "error": err.Error(),
				})
			} else {
				job.Schedule = ov.Schedule
			}
		}
		if ov.Enabled != nil {
			job.Enabled = *ov.Enabled
		}
		if ov.Instruction != "" {
			job.Instruction = ov.Instruction
		}
		if ov.ChatID != "" {
			job.ChatID = ov.ChatID
		}
		if ov.Description != "" {
			job.Description = ov.Description
		}
	}
	logger.InfoCF("automation", "overrides applied", map[string]interface{}{"path": path})
	return nil
}

// Run ticks once a minute until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick runs every job due at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Enabled && s.isDue(j, now) {
			j.lastRun = now
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.runJob(ctx, j)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *Job) {
	logger.InfoCF("automation", "job triggered", map[string]interface{}{"name": j.Name})
	if s.events != nil {
		s.events.Emit(bus.EventAutomationRun, "automation", map[string]interface{}{"name": j.Name})
	}

	if j.action != nil {
		if err := j.action(ctx); err != nil {
			logger.ErrorCF("automation", "job failed", map[string]interface{}{
				"name": j.Name, "error": err.Error(),
			})
		}
		return
	}
	if err := s.enqueue(j); err != nil {
		logger.ErrorCF("automation", "enqueue failed", map[string]interface{}{
			"name": j.Name, "error": err.Error(),
		})
	}
}

// enqueue turns an instruction job into a queued message plus an
// automation-column card, so scheduled work is visible on the board before
// the dispatcher picks it.
func (s *Scheduler) enqueue(j *Job) error {
	id := fmt.Sprintf("auto_%s_%d", j.Name, time.Now().Unix())
	added, err := s.led.Append(ledger.Message{
		MessageID: id,
		Channel:   ledger.ChannelSystem,
		ChatID:    j.ChatID,
		Type:      "user",
		Text:      j.Instruction,
		Timestamp: state.Now(),
		UserName:  "automation",
	})
	if err != nil || !added {
		return err
	}
	if s.board != nil {
		if _, err := s.board.AddTask(j.Name+": "+j.Instruction, kanban.ColAutomation, []string{id}, j.ChatID, []string{"automation"}); err != nil {
			return err
		}
	}
	return nil
}

// Jobs returns a status snapshot for the dashboard.
func (s *Scheduler) Jobs() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(s.jobs))
	for _, j := range s.jobs {
		last := ""
		if !j.lastRun.IsZero() {
			last = j.lastRun.Format(state.TimeLayout)
		}
		out = append(out, map[string]interface{}{
			"name":        j.Name,
			"description": j.Description,
			"schedule":    j.Schedule,
			"enabled":     j.Enabled,
			"last_run":    last,
			"kind":        jobKind(j),
		})
	}
	return out
}

func jobKind(j *Job) string {
	if j.action != nil {
		return "builtin"
	}
	return "instruction"
}

func (s *Scheduler) find(name string) *Job {
	for _, j := range s.jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

func (s *Scheduler) validate(schedule string) error {
	switch {
	case strings.HasPrefix(schedule, "daily "):
		hhmm := strings.TrimPrefix(schedule, "daily ")
		if _, err := time.Parse("15:04", hhmm); err != nil {
			return fmt.Errorf("automation: bad daily time %q: %w", hhmm, err)
		}
		return nil
	case strings.HasPrefix(schedule, "every "):
		if _, err := time.ParseDuration(strings.TrimPrefix(schedule, "every ")); err != nil {
			return fmt.Errorf("automation: bad interval %q: %w", schedule, err)
		}
		return nil
	default:
		if !s.cron.IsValid(schedule) {
			return fmt.Errorf("automation: invalid schedule %q", schedule)
		}
		return nil
	}
}

// isDue evaluates a job's schedule at the given minute. Caller holds the lock.
func (s *Scheduler) isDue(j *Job, now time.Time) bool {
	sameMinute := !j.lastRun.IsZero() && j.lastRun.Truncate(time.Minute).Equal(now.Truncate(time.Minute))
	switch {
	case strings.HasPrefix(j.Schedule, "daily "):
		return now.Format("15:04") == strings.TrimPrefix(j.Schedule, "daily ") && !sameMinute
	case strings.HasPrefix(j.Schedule, "every "):
		d, err := time.ParseDuration(strings.TrimPrefix(j.Schedule, "every "))
		if err != nil {
			return false
		}
		return j.lastRun.IsZero() || now.Sub(j.lastRun) >= d
	default:
		due, err := s.cron.IsDue(j.Schedule, now)
		if err != nil {
			return false
		}
		return due && !sameMinute
	}
}
