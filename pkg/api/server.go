// Package api serves the read-only dashboard: REST snapshots of the queue,
// the board and the automations, plus a websocket for live events. It never
// mutates state; all writes go through the dispatcher and the CLI.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/heysquid/heysquid/pkg/automation"
	"github.com/heysquid/heysquid/pkg/bus"
	"github.com/heysquid/heysquid/pkg/kanban"
	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/logger"
	"github.com/heysquid/heysquid/pkg/worklock"
)

type Server struct {
	addr      string
	led       *ledger.Ledger
	board     *kanban.Board
	lock      *worklock.Lock
	scheduler *automation.Scheduler
	hub       *WSHub
	startTime time.Time

	server *http.Server
}

func NewServer(addr string, led *ledger.Ledger, board *kanban.Board, lock *worklock.Lock,
	scheduler *automation.Scheduler, events *bus.EventBus) *Server {
	s := &Server{
		addr:      addr,
		led:       led,
		board:     board,
		lock:      lock,
		scheduler: scheduler,
		startTime: time.Now(),
	}
	s.hub = NewWSHub(s, events)
	return s
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/board", s.handleBoard)
	mux.HandleFunc("/api/board/archive", s.handleArchive)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/automations", s.handleAutomations)
	mux.HandleFunc("/ws", s.hub.HandleWebSocket)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go s.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	logger.InfoCF("api", "dashboard listening", map[string]interface{}{"addr": s.addr})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"status": "ok"})
}

// status is the shared snapshot for the REST endpoint and the websocket.
func (s *Server) status() map[string]interface{} {
	out := map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"pending":        len(s.led.Pending()),
	}

	if info := s.lock.Read(); info != nil {
		out["working"] = map[string]interface{}{
			"summary":       info.InstructionSummary,
			"started_at":    info.StartedAt,
			"last_activity": info.LastActivity,
			"message_ids":   []string(info.MessageIDs),
		}
	} else {
		out["working"] = nil
	}

	cols := map[string]int{}
	for _, t := range s.board.Snapshot().Tasks {
		cols[t.Column]++
	}
	out["board"] = cols
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	doc := s.board.Snapshot()
	byColumn := map[string][]kanban.Card{}
	for _, t := range doc.Tasks {
		byColumn[t.Column] = append(byColumn[t.Column], t)
	}
	writeJSON(w, map[string]interface{}{
		"columns": byColumn,
		"total":   len(doc.Tasks),
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	writeJSON(w, map[string]interface{}{"cards": s.board.Archive(limit)})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	msgs := s.led.Snapshot().Messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	writeJSON(w, map[string]interface{}{"messages": msgs})
}

func (s *Server) handleAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, map[string]interface{}{"jobs": []interface{}{}})
		return
	}
	writeJSON(w, map[string]interface{}{"jobs": s.scheduler.Jobs()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnCF("api", "encode response failed", map[string]interface{}{"error": err.Error()})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
