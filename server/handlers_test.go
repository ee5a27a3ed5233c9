package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/decred/slog"
	"github.com/vctt94/holdem-ledger/server/serverdb"
)

func newHandlerTestServer(t *testing.T) (*Server, *serverdb.BoltDB) {
	t.Helper()
	db, err := serverdb.NewBoltDB(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("NewBoltDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Server{log: slog.Disabled, db: db}, db
}

func TestHandleFetchHandHistory(t *testing.T) {
	s, db := newHandlerTestServer(t)

	rec := &serverdb.HandRecord{
		RoomID:   "room1",
		HandNum:  1,
		Source:   "foldwin",
		PotTotal: 120,
		Winners:  []serverdb.WinnerRecord{{Seat: 1, Address: "bob", Amount: 120}},
	}
	if err := db.StoreHandResult(context.Background(), rec); err != nil {
		t.Fatalf("StoreHandResult: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/handhistory?room=room1", nil)
	w := httptest.NewRecorder()
	s.handleFetchHandHistory(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	var got []*serverdb.HandRecord
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].PotTotal != 120 || got[0].Winners[0].Address != "bob" {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestHandleFetchHandHistoryMissingRoom(t *testing.T) {
	s, _ := newHandlerTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/handhistory", nil)
	w := httptest.NewRecorder()
	s.handleFetchHandHistory(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestHandleFetchSessions(t *testing.T) {
	s, db := newHandlerTestServer(t)

	rec := &serverdb.SessionRecord{
		RoomID:    "room1",
		SessionID: "sess-1",
		Event:     serverdb.SessionOpened,
	}
	if err := db.StoreSessionEvent(context.Background(), rec); err != nil {
		t.Fatalf("StoreSessionEvent: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions?room=room1", nil)
	w := httptest.NewRecorder()
	s.handleFetchSessions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	var got []*serverdb.SessionRecord
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "sess-1" {
		t.Fatalf("unexpected response: %+v", got)
	}
}
