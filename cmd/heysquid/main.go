// heysquid is a personal assistant daemon: chat messages from several
// platforms enter one durable queue, run one at a time through an external
// coding agent, and report back on the channel they came from.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heysquid/heysquid/pkg/agent"
	"github.com/heysquid/heysquid/pkg/api"
	"github.com/heysquid/heysquid/pkg/automation"
	"github.com/heysquid/heysquid/pkg/bus"
	"github.com/heysquid/heysquid/pkg/channels"
	"github.com/heysquid/heysquid/pkg/channels/discord"
	slackchannel "github.com/heysquid/heysquid/pkg/channels/slack"
	"github.com/heysquid/heysquid/pkg/channels/telegram"
	"github.com/heysquid/heysquid/pkg/channels/tui"
	"github.com/heysquid/heysquid/pkg/config"
	"github.com/heysquid/heysquid/pkg/dispatch"
	"github.com/heysquid/heysquid/pkg/kanban"
	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/memory"
	"github.com/heysquid/heysquid/pkg/recovery"
	"github.com/heysquid/heysquid/pkg/state"
	"github.com/heysquid/heysquid/pkg/statusui"
	"github.com/heysquid/heysquid/pkg/worklock"
	"github.com/heysquid/heysquid/pkg/workspace"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "heysquid",
		Short:        "Personal assistant daemon driving an external coding agent",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.heysquid/config.json)")

	root.AddCommand(initCmd(), startCmd(), stopCmd(), statusCmd(), boardCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// core builds the shared state-backed pieces every command needs.
func core(cfg *config.Config) (*state.Store, *ledger.Ledger, *kanban.Board, *worklock.Lock, error) {
	store, err := state.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	led := ledger.New(store, cfg.RetentionDays, cfg.MessageExpiryHours)
	board := kanban.New(store, cfg.DoneCap, cfg.ArchiveCap)
	lock := worklock.New(cfg.DataDir, time.Duration(cfg.StaleLockSecs)*time.Second)
	return store, led, board, lock, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				path = filepath.Join(home, ".heysquid", "config.json")
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if _, err := state.Open(cfg.DataDir); err != nil {
				return err
			}
			fmt.Printf("wrote %s\ndata dir %s\n", path, cfg.DataDir)
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the daemon: listeners, dispatcher, scheduler, dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, led, board, lock, err := core(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events := bus.New()
			defer events.Close()

			mgr := channels.NewManager()
			var listeners []channels.Listener

			if cfg.TelegramToken != "" {
				tg, err := telegram.New(cfg.TelegramToken, led, time.Duration(cfg.PollIntervalSecs)*time.Second)
				if err != nil {
					return err
				}
				mgr.Register(tg)
				listeners = append(listeners, tg)
			}
			if cfg.SlackBotToken != "" && cfg.SlackAppToken != "" {
				sl, err := slackchannel.New(cfg.SlackBotToken, cfg.SlackAppToken, led)
				if err != nil {
					return err
				}
				mgr.Register(sl)
				listeners = append(listeners, sl)
			}
			if cfg.DiscordToken != "" {
				dc, err := discord.New(cfg.DiscordToken, led)
				if err != nil {
					return err
				}
				mgr.Register(dc)
				listeners = append(listeners, dc)
			}
			if cfg.EnableTUI {
				term, err := tui.New(led)
				if err != nil {
					return err
				}
				mgr.Register(term)
				listeners = append(listeners, term)
			}
			if len(listeners) == 0 {
				return fmt.Errorf("no channel configured; set a token or enable the terminal channel")
			}

			runner := agent.NewCLI(cfg.AgentCommand, cfg.AgentArgs, "")
			buf := worklock.NewBuffer(store)
			rec := recovery.New(store, lock, led)
			d := dispatch.New(cfg, led, board, lock, buf, mgr, runner, rec)
			d.SetEventBus(events)

			projects, err := workspace.OpenRegistry(cfg.DataDir)
			if err != nil {
				return err
			}
			d.AddContextProvider(projects)

			history, err := memory.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer history.Close()
			d.AddContextProvider(history)

			scheduler := automation.NewScheduler(led, board, events)
			scheduler.RegisterAction("retention-sweep", "drop processed messages past retention", "daily 04:00",
				func(context.Context) error { _, err := led.CleanupOld(); return err })
			scheduler.RegisterAction("expiry-sweep", "force-complete messages stuck past the expiry window", "every 1h",
				func(context.Context) error { _, err := led.ExpireStale(); return err })
			scheduler.RegisterAction("archive-sweep", "move old done cards to the archive", "every 1h",
				func(context.Context) error {
					_, err := board.ArchiveDone(time.Duration(cfg.ArchiveAfterHours) * time.Hour)
					return err
				})
			scheduler.RegisterAction("history-index", "index completed cards into the task history", "every 10m",
				func(context.Context) error { return indexDone(board, history) })
			if cfg.AutomationsFile != "" {
				if err := scheduler.LoadOverrides(cfg.AutomationsFile); err != nil {
					return err
				}
			}

			for _, l := range listeners {
				go func(l channels.Listener) {
					if err := l.Listen(ctx); err != nil && ctx.Err() == nil {
						logger.ErrorCF("main", "listener exited", map[string]interface{}{
							"channel": l.Name(), "error": err.Error(),
						})
					}
				}(l)
			}
			go scheduler.Run(ctx)
			if cfg.DashboardAddr != "" {
				srv := api.NewServer(cfg.DashboardAddr, led, board, lock, scheduler, events)
				go func() {
					if err := srv.Start(ctx); err != nil {
						logger.ErrorCF("main", "dashboard exited", map[string]interface{}{"error": err.Error()})
					}
				}()
			}

			logger.InfoCF("main", "daemon started", map[string]interface{}{
				"data_dir": cfg.DataDir, "channels": len(listeners),
			})
			err = d.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}

// indexDone records done and archived cards into the searchable history.
// Recording is an upsert, so re-running is harmless.
func indexDone(board *kanban.Board, history *memory.Index) error {
	for _, t := range board.Snapshot().Tasks {
		if t.Column != kanban.ColDone {
			continue
		}
		if err := history.Record(t); err != nil {
			return err
		}
	}
	for _, t := range board.Archive(0) {
		if err := history.Record(t); err != nil {
			return err
		}
	}
	return nil
}

func stopCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Interrupt the running task and close out the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, led, board, lock, err := core(cfg)
			if err != nil {
				return err
			}
			buf := worklock.NewBuffer(store)
			rec := recovery.New(store, lock, led)
			d := dispatch.New(cfg, led, board, lock, buf, channels.NewManager(), nil, rec)
			if err := d.Interrupt(reason); err != nil {
				return err
			}
			fmt.Println("stopped; the next start will report the interrupted task")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "user stop", "why the task is being stopped")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the working slot and queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, led, board, lock, err := core(cfg)
			if err != nil {
				return err
			}

			if info := lock.Read(); info != nil {
				fmt.Printf("working: %s\n  started: %s\n  last activity: %s\n",
					info.InstructionSummary, info.StartedAt, info.LastActivity)
			} else {
				fmt.Println("working: idle")
			}
			fmt.Printf("queued messages: %d\n", len(led.Pending()))

			cols := map[string]int{}
			for _, t := range board.Snapshot().Tasks {
				cols[t.Column]++
			}
			fmt.Printf("board: todo=%d in_progress=%d waiting=%d done=%d automation=%d\n",
				cols[kanban.ColTodo], cols[kanban.ColInProgress], cols[kanban.ColWaiting],
				cols[kanban.ColDone], cols[kanban.ColAutomation])
			return nil
		},
	}
}

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Open the interactive board viewer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, led, board, lock, err := core(cfg)
			if err != nil {
				return err
			}
			return statusui.Run(led, board, lock)
		},
	}
}
