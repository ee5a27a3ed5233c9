package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/slog"
	holdemledger "github.com/vctt94/holdem-ledger"
	"github.com/vctt94/holdem-ledger/pokergame"
)

const testCoordKey = "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"

// fakeLedger records every call made against the remote ledger service.
type fakeLedger struct {
	mu sync.Mutex

	openErr   error
	submitErr error
	closeErr  error

	openCalls   int
	openSigs    [][]byte
	openAllocs  []holdemledger.AllocationEntry
	submits     [][]holdemledger.AllocationEntry
	closeCalls  int
	closeAllocs []holdemledger.AllocationEntry
}

func (f *fakeLedger) OpenSession(ctx context.Context, def holdemledger.SessionDefinition, allocs []holdemledger.AllocationEntry, sigs [][]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	f.openSigs = sigs
	f.openAllocs = allocs
	if f.openErr != nil {
		return "", f.openErr
	}
	return fmt.Sprintf("sess-%d", f.openCalls), nil
}

func (f *fakeLedger) SubmitState(ctx context.Context, sessionID string, allocs []holdemledger.AllocationEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, allocs)
	return f.submitErr
}

func (f *fakeLedger) CloseSession(ctx context.Context, sessionID string, allocs []holdemledger.AllocationEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.closeAllocs = allocs
	return f.closeErr
}

// fakeSessionNotifier records session lifecycle notifications.
type fakeSessionNotifier struct {
	mu      sync.Mutex
	signing []string
	ready   []string
	errs    []error
}

func (f *fakeSessionNotifier) SendSigningRequested(roomID string, payload []byte, players []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signing = append(f.signing, roomID)
}

func (f *fakeSessionNotifier) SendSessionReady(roomID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, sessionID)
}

func (f *fakeSessionNotifier) SendSessionError(roomID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeSessionNotifier) lastErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) == 0 {
		return nil
	}
	return f.errs[len(f.errs)-1]
}

// stubEngine satisfies pokergame.HandEngine for rooms that never deal.
type stubEngine struct{}

func (stubEngine) SeatPlayer(seat int, chips int64) error { return nil }

func (stubEngine) StandPlayer(seat int) error { return nil }

func (stubEngine) Deal() error { return nil }

func (stubEngine) HandInProgress() bool { return false }

func (stubEngine) BettingRoundOpen() bool { return false }

func (stubEngine) CurrentActor() (int, bool) { return 0, false }

func (stubEngine) StreetsRemaining() int { return 0 }

func (stubEngine) SubmitAction(seat int, action pokergame.PlayerAction, amount int64) error {
	return nil
}

func (stubEngine) EndBettingRound() error { return nil }

func (stubEngine) RunShowdown() error { return nil }

func (stubEngine) Pots() []pokergame.Pot { return nil }

func (stubEngine) UncollectedBets() int64 { return 0 }

func (stubEngine) Winners() []pokergame.EngineWinner { return nil }

func (stubEngine) HoleCards(seat int) []pokergame.Card { return nil }

func (stubEngine) CommunityCards() []pokergame.Card { return nil }

func (stubEngine) LegalActions(seat int) []pokergame.PlayerAction { return nil }

func (stubEngine) ChipCount(seat int) int64 { return 0 }

func threePlayerRoom(t *testing.T) *pokergame.Room {
	t.Helper()
	room, err := pokergame.NewRoom(pokergame.RoomConfig{
		ID:       "room1",
		Capacity: 4,
		BuyIn:    1000,
		BigBlind: 10,
		ChipUnit: 0.01,
	}, stubEngine{}, slog.Disabled, nil, nil)
	if err != nil {
		t.Fatalf("NewRoom: %v", err)
	}
	for i, addr := range []string{"alice", "bob", "carol"} {
		if _, err := room.AddPlayer(addr, addr, i); err != nil {
			t.Fatalf("AddPlayer %s: %v", addr, err)
		}
	}
	return room
}

func newTestSettlement(t *testing.T, ledger *fakeLedger, ntfn *fakeSessionNotifier, signTimeout time.Duration) *SettlementManager {
	t.Helper()
	cfg := SettlementConfig{
		Log:             slog.Disabled,
		Ledger:          ledger,
		CoordinatorAddr: "coord",
		CoordinatorKey:  testCoordKey,
		SignTimeout:     signTimeout,
	}
	// A nil *fakeSessionNotifier must stay an untyped-nil interface.
	if ntfn != nil {
		cfg.Notifier = ntfn
	}
	sm, err := NewSettlementManager(cfg)
	if err != nil {
		t.Fatalf("NewSettlementManager: %v", err)
	}
	return sm
}

func TestNewSettlementManagerRejectsBadKey(t *testing.T) {
	_, err := NewSettlementManager(SettlementConfig{
		Log:             slog.Disabled,
		Ledger:          &fakeLedger{},
		CoordinatorAddr: "coord",
		CoordinatorKey:  "nothex",
	})
	if err == nil {
		t.Fatal("expected error for invalid coordinator key")
	}
}

func TestSessionOpensOnQuorum(t *testing.T) {
	ledger := &fakeLedger{}
	ntfn := &fakeSessionNotifier{}
	sm := newTestSettlement(t, ledger, ntfn, time.Minute)
	room := threePlayerRoom(t)

	payload, err := sm.StartSigning(room)
	if err != nil {
		t.Fatalf("StartSigning: %v", err)
	}
	if len(payload) == 0 {
		t.Fatal("empty signing payload")
	}
	if got, ok := sm.PendingPayload("room1"); !ok || string(got) != string(payload) {
		t.Fatal("PendingPayload must match the payload handed to signers")
	}

	// First two signatures do not open the session.
	for _, addr := range []string{"alice", "bob"} {
		if err := sm.MarkSigned("room1", addr, []byte("sig-"+addr)); err != nil {
			t.Fatalf("MarkSigned %s: %v", addr, err)
		}
		if sm.HasSession("room1") {
			t.Fatalf("session opened before quorum (after %s)", addr)
		}
	}
	if ledger.openCalls != 0 {
		t.Fatalf("ledger open called before quorum: %d", ledger.openCalls)
	}

	// The third completes the quorum.
	if err := sm.MarkSigned("room1", "carol", []byte("sig-carol")); err != nil {
		t.Fatalf("MarkSigned carol: %v", err)
	}
	if !sm.HasSession("room1") {
		t.Fatal("session not open after full quorum")
	}
	if ledger.openCalls != 1 {
		t.Fatalf("expected exactly one open submission, got %d", ledger.openCalls)
	}

	// Signature order: coordinator first, then players in participant order.
	if len(ledger.openSigs) != 4 {
		t.Fatalf("expected 4 signatures, got %d", len(ledger.openSigs))
	}
	coordSig := ledger.openSigs[0]
	if ok := holdemledger.VerifyPayloadSig(coordPubKey(t), payload, coordSig); !ok {
		t.Fatal("first signature must be the coordinator's over the payload")
	}
	for i, want := range []string{"sig-alice", "sig-bob", "sig-carol"} {
		if got := string(ledger.openSigs[i+1]); got != want {
			t.Errorf("signature %d: got %q, want %q", i+1, got, want)
		}
	}

	if len(ntfn.ready) != 1 || ntfn.ready[0] != "sess-1" {
		t.Fatalf("expected session-ready notification, got %v", ntfn.ready)
	}

	// Initial allocations pin the coordinator to zero.
	last := ledger.openAllocs[len(ledger.openAllocs)-1]
	if last.Address != "coord" || last.Amount != 0 {
		t.Fatalf("coordinator allocation must be last and zero, got %v", last)
	}
}

func TestMarkSignedErrors(t *testing.T) {
	ledger := &fakeLedger{}
	sm := newTestSettlement(t, ledger, nil, time.Minute)
	room := threePlayerRoom(t)

	if err := sm.MarkSigned("room1", "alice", []byte("sig")); err != ErrNoPendingSession {
		t.Fatalf("expected ErrNoPendingSession, got %v", err)
	}

	if _, err := sm.StartSigning(room); err != nil {
		t.Fatalf("StartSigning: %v", err)
	}
	if err := sm.MarkSigned("room1", "mallory", []byte("sig")); err != ErrUnknownSigner {
		t.Fatalf("expected ErrUnknownSigner, got %v", err)
	}
	if err := sm.MarkSigned("room1", "alice", []byte("sig")); err != nil {
		t.Fatalf("MarkSigned: %v", err)
	}
	if err := sm.MarkSigned("room1", "ALICE", []byte("sig2")); err != ErrAlreadySigned {
		t.Fatalf("expected ErrAlreadySigned for case-variant duplicate, got %v", err)
	}
}

func TestSigningTimeoutNamesMissing(t *testing.T) {
	ledger := &fakeLedger{}
	ntfn := &fakeSessionNotifier{}
	sm := newTestSettlement(t, ledger, ntfn, 20*time.Millisecond)
	room := threePlayerRoom(t)

	if _, err := sm.StartSigning(room); err != nil {
		t.Fatalf("StartSigning: %v", err)
	}
	if err := sm.MarkSigned("room1", "bob", []byte("sig")); err != nil {
		t.Fatalf("MarkSigned: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var timeoutErr *SigningTimeoutError
	for time.Now().Before(deadline) {
		if errors.As(ntfn.lastErr(), &timeoutErr) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if timeoutErr == nil {
		t.Fatal("no signing timeout reported")
	}
	if len(timeoutErr.Missing) != 2 {
		t.Fatalf("expected 2 missing signers, got %v", timeoutErr.Missing)
	}
	for _, m := range timeoutErr.Missing {
		if m == "bob" {
			t.Fatalf("bob signed but is listed missing: %v", timeoutErr.Missing)
		}
	}

	if err := sm.MarkSigned("room1", "alice", []byte("sig")); err != ErrNoPendingSession {
		t.Fatalf("expired round must be gone, got %v", err)
	}
	if ledger.openCalls != 0 {
		t.Fatalf("no open submission expected after timeout, got %d", ledger.openCalls)
	}
}

func TestOpenFailureDiscardsPending(t *testing.T) {
	ledger := &fakeLedger{openErr: errors.New("ledger unavailable")}
	ntfn := &fakeSessionNotifier{}
	sm := newTestSettlement(t, ledger, ntfn, time.Minute)
	room := threePlayerRoom(t)

	if _, err := sm.StartSigning(room); err != nil {
		t.Fatalf("StartSigning: %v", err)
	}
	for _, addr := range []string{"alice", "bob"} {
		if err := sm.MarkSigned("room1", addr, []byte("sig")); err != nil {
			t.Fatalf("MarkSigned: %v", err)
		}
	}
	if err := sm.MarkSigned("room1", "carol", []byte("sig")); err == nil {
		t.Fatal("expected open failure to surface")
	}
	if sm.HasSession("room1") {
		t.Fatal("failed open must not leave a session")
	}
	if err := sm.MarkSigned("room1", "carol", []byte("sig")); err != ErrNoPendingSession {
		t.Fatalf("failed open must consume the pending round, got %v", err)
	}
}

func openSession(t *testing.T, sm *SettlementManager, room *pokergame.Room) {
	t.Helper()
	if _, err := sm.StartSigning(room); err != nil {
		t.Fatalf("StartSigning: %v", err)
	}
	for _, addr := range []string{"alice", "bob", "carol"} {
		if err := sm.MarkSigned("room1", addr, []byte("sig-"+addr)); err != nil {
			t.Fatalf("MarkSigned %s: %v", addr, err)
		}
	}
}

func TestSubmitHandAllocations(t *testing.T) {
	ledger := &fakeLedger{}
	sm := newTestSettlement(t, ledger, nil, time.Minute)
	room := threePlayerRoom(t)
	openSession(t, sm, room)

	snap := &pokergame.ChipSnapshot{
		RoomID:    "room1",
		HandNum:   1,
		Chips:     map[int]int64{0: 1500, 1: 1000, 2: 500},
		Addresses: map[int]string{0: "alice", 1: "bob", 2: "carol"},
	}
	sm.SubmitHandAllocations("room1", snap)

	if len(ledger.submits) != 1 {
		t.Fatalf("expected 1 state submission, got %d", len(ledger.submits))
	}
	allocs := ledger.submits[0]
	want := []int64{1_500_000_000, 1_000_000_000, 500_000_000, 0}
	for i, w := range want {
		if allocs[i].Amount != w {
			t.Errorf("alloc %d: got %d, want %d", i, allocs[i].Amount, w)
		}
	}

	sess, ok := sm.Session("room1")
	if !ok {
		t.Fatal("session missing")
	}
	if sess.LastAllocations[0].Amount != 1_500_000_000 {
		t.Fatal("LastAllocations not updated after submission")
	}
}

func TestSubmitHandAllocationsResubmitsLastOnMissingParticipant(t *testing.T) {
	ledger := &fakeLedger{}
	sm := newTestSettlement(t, ledger, nil, time.Minute)
	room := threePlayerRoom(t)
	openSession(t, sm, room)

	// Carol is gone from the snapshot entirely: recomputing would spread
	// the deposit over an incomplete set, so the last-known vector goes out
	// again instead.
	snap := &pokergame.ChipSnapshot{
		RoomID:    "room1",
		HandNum:   2,
		Chips:     map[int]int64{0: 2000, 1: 1000},
		Addresses: map[int]string{0: "alice", 1: "bob"},
	}
	sm.SubmitHandAllocations("room1", snap)

	if len(ledger.submits) != 1 {
		t.Fatalf("expected 1 state submission, got %d", len(ledger.submits))
	}
	for i, a := range ledger.submits[0][:3] {
		if a.Amount != 1_000_000_000 {
			t.Errorf("alloc %d: expected initial buy-in value, got %d", i, a.Amount)
		}
	}
}

func TestSubmitHandAllocationsIgnoresStaleHand(t *testing.T) {
	ledger := &fakeLedger{}
	sm := newTestSettlement(t, ledger, nil, time.Minute)
	room := threePlayerRoom(t)
	openSession(t, sm, room)

	sm.SubmitHandAllocations("room1", &pokergame.ChipSnapshot{
		RoomID:    "room1",
		HandNum:   2,
		Chips:     map[int]int64{0: 2500, 1: 400, 2: 100},
		Addresses: map[int]string{0: "alice", 1: "bob", 2: "carol"},
	})

	// A hand-1 recompute arriving after hand 2 must not roll the vector
	// backwards.
	sm.SubmitHandAllocations("room1", &pokergame.ChipSnapshot{
		RoomID:    "room1",
		HandNum:   1,
		Chips:     map[int]int64{0: 1500, 1: 1000, 2: 500},
		Addresses: map[int]string{0: "alice", 1: "bob", 2: "carol"},
	})

	if len(ledger.submits) != 1 {
		t.Fatalf("stale hand must not be submitted, got %d submissions", len(ledger.submits))
	}
	sess, ok := sm.Session("room1")
	if !ok {
		t.Fatal("session missing")
	}
	if sess.LastAllocations[0].Amount != 2_500_000_000 {
		t.Fatalf("LastAllocations rolled back: %v", sess.LastAllocations)
	}
}

func TestSubmitHandAllocationsNoSession(t *testing.T) {
	ledger := &fakeLedger{}
	sm := newTestSettlement(t, ledger, nil, time.Minute)

	sm.SubmitHandAllocations("room1", &pokergame.ChipSnapshot{RoomID: "room1"})
	if len(ledger.submits) != 0 {
		t.Fatalf("no submission expected without a session, got %d", len(ledger.submits))
	}
}

func TestCloseSessionSubmitsLastAllocations(t *testing.T) {
	ledger := &fakeLedger{}
	sm := newTestSettlement(t, ledger, nil, time.Minute)
	room := threePlayerRoom(t)
	openSession(t, sm, room)

	snap := &pokergame.ChipSnapshot{
		RoomID:    "room1",
		HandNum:   1,
		Chips:     map[int]int64{0: 3000, 1: 0, 2: 0},
		Addresses: map[int]string{0: "alice", 1: "bob", 2: "carol"},
	}
	sm.SubmitHandAllocations("room1", snap)

	if err := sm.CloseSession("room1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if ledger.closeCalls != 1 {
		t.Fatalf("expected 1 close call, got %d", ledger.closeCalls)
	}
	// Close never recomputes: the final instruction is the last submitted
	// vector verbatim.
	if ledger.closeAllocs[0].Amount != 3_000_000_000 {
		t.Fatalf("close must carry the last allocations, got %v", ledger.closeAllocs)
	}
	if sm.HasSession("room1") {
		t.Fatal("session record must be gone after close")
	}

	// Closing again is a no-op.
	if err := sm.CloseSession("room1"); err != nil {
		t.Fatalf("second CloseSession: %v", err)
	}
	if ledger.closeCalls != 1 {
		t.Fatalf("close resubmitted for a missing session: %d", ledger.closeCalls)
	}
}

func TestStartSigningRequiresTwoPlayers(t *testing.T) {
	sm := newTestSettlement(t, &fakeLedger{}, nil, time.Minute)
	room, err := pokergame.NewRoom(pokergame.RoomConfig{
		ID:       "solo",
		Capacity: 2,
		BuyIn:    1000,
		BigBlind: 10,
		ChipUnit: 0.01,
	}, stubEngine{}, slog.Disabled, nil, nil)
	if err != nil {
		t.Fatalf("NewRoom: %v", err)
	}
	if _, err := room.AddPlayer("alice", "alice", 0); err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	if _, err := sm.StartSigning(room); err != pokergame.ErrInsufficientPlayers {
		t.Fatalf("expected ErrInsufficientPlayers, got %v", err)
	}
}

func coordPubKey(t *testing.T) []byte {
	t.Helper()
	kb, err := hex.DecodeString(testCoordKey)
	if err != nil {
		t.Fatalf("decode coordinator key: %v", err)
	}
	return secp256k1.PrivKeyFromBytes(kb).PubKey().SerializeCompressed()
}
