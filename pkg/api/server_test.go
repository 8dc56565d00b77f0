package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/heysquid/heysquid/pkg/kanban"
	"github.com/heysquid/heysquid/pkg/ledger"
	"github.com/heysquid/heysquid/pkg/state"
	"github.com/heysquid/heysquid/pkg/worklock"
)

func newServer(t *testing.T) (*Server, *ledger.Ledger, *kanban.Board, *worklock.Lock) {
	t.Helper()
	s, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	led := ledger.New(s, 30, 24)
	board := kanban.New(s, 50, 200)
	lock := worklock.New(s.Dir(), 30*time.Minute)
	return NewServer("127.0.0.1:0", led, board, lock, nil, nil), led, board, lock
}

func getJSON(t *testing.T, srv *Server, handler func(w *httptest.ResponseRecorder)) map[string]interface{} {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec)
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestStatusIdleAndWorking(t *testing.T) {
	srv, led, _, lock := newServer(t)
	led.Append(ledger.Message{MessageID: "1", Channel: "telegram", ChatID: "100", Text: "hi"})

	out := getJSON(t, srv, func(rec *httptest.ResponseRecorder) {
		srv.handleStatus(rec, httptest.NewRequest("GET", "/api/status", nil))
	})
	if out["pending"] != float64(1) {
		t.Errorf("pending = %v", out["pending"])
	}
	if out["working"] != nil {
		t.Errorf("idle working = %v", out["working"])
	}

	lock.Create([]string{"1"}, "doing the thing", "100")
	out = getJSON(t, srv, func(rec *httptest.ResponseRecorder) {
		srv.handleStatus(rec, httptest.NewRequest("GET", "/api/status", nil))
	})
	working, ok := out["working"].(map[string]interface{})
	if !ok || working["summary"] != "doing the thing" {
		t.Errorf("working = %v", out["working"])
	}
}

func TestBoardGroupsByColumn(t *testing.T) {
	srv, _, board, _ := newServer(t)
	board.AddTask("open", kanban.ColTodo, []string{"1"}, "100", nil)
	board.AddTask("running", kanban.ColInProgress, []string{"2"}, "100", nil)

	out := getJSON(t, srv, func(rec *httptest.ResponseRecorder) {
		srv.handleBoard(rec, httptest.NewRequest("GET", "/api/board", nil))
	})
	if out["total"] != float64(2) {
		t.Errorf("total = %v", out["total"])
	}
	cols := out["columns"].(map[string]interface{})
	if len(cols[kanban.ColTodo].([]interface{})) != 1 {
		t.Errorf("todo column = %v", cols[kanban.ColTodo])
	}
}

func TestMessagesLimit(t *testing.T) {
	srv, led, _, _ := newServer(t)
	for i := 0; i < 5; i++ {
		led.Append(ledger.Message{MessageID: string(rune('a' + i)), Channel: "tui", ChatID: "local", Text: "m"})
	}

	out := getJSON(t, srv, func(rec *httptest.ResponseRecorder) {
		srv.handleMessages(rec, httptest.NewRequest("GET", "/api/messages?limit=2", nil))
	})
	if got := len(out["messages"].([]interface{})); got != 2 {
		t.Errorf("messages = %d, want limit applied", got)
	}
}
