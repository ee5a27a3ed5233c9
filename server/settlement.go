package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/slog"
	holdemledger "github.com/vctt94/holdem-ledger"
	"github.com/vctt94/holdem-ledger/pokergame"
	"github.com/vctt94/holdem-ledger/server/serverdb"
)

var (
	ErrNoPendingSession = errors.New("no pending session for room")
	ErrUnknownSigner    = errors.New("identity is not a session participant")
	ErrAlreadySigned    = errors.New("identity already signed")
	ErrNoSession        = errors.New("no open session for room")
)

// SigningTimeoutError reports exactly which participants never signed before
// the pending session was discarded.
type SigningTimeoutError struct {
	RoomID  string
	Missing []string
}

func (e *SigningTimeoutError) Error() string {
	return fmt.Sprintf("session signing for room %s timed out; missing signatures: %s",
		e.RoomID, strings.Join(e.Missing, ", "))
}

// LedgerService is the external multi-signature ledger. It is remote,
// fallible and retry-opaque; nothing here specifies its wire format.
type LedgerService interface {
	OpenSession(ctx context.Context, def holdemledger.SessionDefinition, allocs []holdemledger.AllocationEntry, sigs [][]byte) (sessionID string, err error)
	SubmitState(ctx context.Context, sessionID string, allocs []holdemledger.AllocationEntry) error
	CloseSession(ctx context.Context, sessionID string, allocs []holdemledger.AllocationEntry) error
}

// SessionNotifier delivers session lifecycle events to the transport layer.
type SessionNotifier interface {
	SendSigningRequested(roomID string, payload []byte, players []string)
	SendSessionReady(roomID, sessionID string)
	SendSessionError(roomID string, err error)
}

// RoomSession is an open settlement session for one room.
type RoomSession struct {
	SessionID       string
	Def             holdemledger.SessionDefinition
	LastAllocations []holdemledger.AllocationEntry
	LastHandNum     uint64
	OpenedAt        time.Time
}

// pendingSession is an in-flight open request. It exists only between
// "initiate open" and either "all signatures collected" or "timeout", and is
// never persisted.
type pendingSession struct {
	def        holdemledger.SessionDefinition
	initAllocs []holdemledger.AllocationEntry
	payload    []byte
	coordSig   []byte
	sigs       map[string][]byte
	timer      *time.Timer
	createdAt  time.Time
}

// SettlementConfig wires a settlement manager.
type SettlementConfig struct {
	Log             slog.Logger
	Ledger          LedgerService
	DB              serverdb.Store // optional audit store
	Notifier        SessionNotifier
	CoordinatorAddr string
	CoordinatorKey  string // 32-byte hex private key
	SignTimeout     time.Duration
	CallTimeout     time.Duration
}

// SettlementManager runs the multi-party-signed settlement session lifecycle
// for every room: quorum signature collection on open, per-hand allocation
// submission, and close.
type SettlementManager struct {
	mu sync.Mutex

	log         slog.Logger
	ledger      LedgerService
	db          serverdb.Store
	notifier    SessionNotifier
	coordAddr   string
	coordKey    string
	signTimeout time.Duration
	callTimeout time.Duration

	sessions map[string]*RoomSession
	pending  map[string]*pendingSession
}

// NewSettlementManager validates the coordinator key up front so signing
// failures cannot show up mid-session.
func NewSettlementManager(cfg SettlementConfig) (*SettlementManager, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("settlement: nil ledger service")
	}
	if _, err := holdemledger.SignPayload(cfg.CoordinatorKey, []byte("probe")); err != nil {
		return nil, fmt.Errorf("settlement: %w", err)
	}
	signTimeout := cfg.SignTimeout
	if signTimeout <= 0 {
		signTimeout = 30 * time.Second
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &SettlementManager{
		log:         cfg.Log,
		ledger:      cfg.Ledger,
		db:          cfg.DB,
		notifier:    cfg.Notifier,
		coordAddr:   holdemledger.CanonicalAddress(cfg.CoordinatorAddr),
		coordKey:    cfg.CoordinatorKey,
		signTimeout: signTimeout,
		callTimeout: callTimeout,
		sessions:    make(map[string]*RoomSession),
		pending:     make(map[string]*pendingSession),
	}, nil
}

// StartSigning builds the session definition and initial allocation for a
// room, signs the open payload locally without transmitting anything, and
// tracks a pending session until every player co-signs or the timeout fires.
// The returned payload is what each player must sign out-of-band.
func (sm *SettlementManager) StartSigning(room *pokergame.Room) ([]byte, error) {
	players := room.Players()
	if len(players) < 2 {
		return nil, pokergame.ErrInsufficientPlayers
	}
	cfg := room.Config()

	addrs := make([]string, len(players))
	for i, p := range players {
		addrs[i] = holdemledger.CanonicalAddress(p.Address)
	}
	totalDeposit, err := holdemledger.TotalDeposit(cfg.BuyIn, cfg.ChipUnit, len(players))
	if err != nil {
		return nil, err
	}
	def := holdemledger.SessionDefinition{
		RoomID:       cfg.ID,
		Coordinator:  sm.coordAddr,
		Players:      addrs,
		TotalDeposit: int64(totalDeposit),
		ChipUnit:     cfg.ChipUnit,
	}
	initAllocs, err := InitialAllocations(def, cfg.BuyIn)
	if err != nil {
		return nil, err
	}
	payload, err := holdemledger.EncodeOpenPayload(def, initAllocs)
	if err != nil {
		return nil, fmt.Errorf("encode open payload: %w", err)
	}
	coordSig, err := holdemledger.SignPayload(sm.coordKey, payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator sign: %w", err)
	}

	roomID := cfg.ID
	sm.mu.Lock()
	if prev := sm.pending[roomID]; prev != nil {
		// A new open supersedes any in-flight signing round.
		prev.timer.Stop()
	}
	p := &pendingSession{
		def:        def,
		initAllocs: initAllocs,
		payload:    payload,
		coordSig:   coordSig,
		sigs:       make(map[string][]byte),
		createdAt:  time.Now(),
	}
	p.timer = time.AfterFunc(sm.signTimeout, func() { sm.expirePending(roomID) })
	sm.pending[roomID] = p
	sm.mu.Unlock()

	sm.log.Infof("room %s: signing started, %d players, deposit %s",
		roomID, len(addrs), totalDeposit)
	if sm.notifier != nil {
		sm.notifier.SendSigningRequested(roomID, payload, addrs)
	}
	return payload, nil
}

// expirePending discards an incomplete signing round and raises an error
// naming the participants that never signed.
func (sm *SettlementManager) expirePending(roomID string) {
	sm.mu.Lock()
	p := sm.pending[roomID]
	if p == nil {
		sm.mu.Unlock()
		return
	}
	delete(sm.pending, roomID)
	var missing []string
	for _, addr := range p.def.Players {
		if _, ok := p.sigs[strings.ToLower(addr)]; !ok {
			missing = append(missing, addr)
		}
	}
	sm.mu.Unlock()

	err := &SigningTimeoutError{RoomID: roomID, Missing: missing}
	sm.log.Warnf("%v", err)
	if sm.notifier != nil {
		sm.notifier.SendSessionError(roomID, err)
	}
}

// MarkSigned records one player's signature against the pending payload. The
// moment the final signature lands, the open request is submitted with the
// coordinator's signature first followed by the players' in participant
// order. A submission failure discards the pending session; there is no
// automatic retry.
func (sm *SettlementManager) MarkSigned(roomID, identity string, sig []byte) error {
	id := holdemledger.CanonicalAddress(identity)

	sm.mu.Lock()
	p := sm.pending[roomID]
	if p == nil {
		sm.mu.Unlock()
		return ErrNoPendingSession
	}
	participant := false
	for _, addr := range p.def.Players {
		if holdemledger.SameAddress(addr, id) {
			participant = true
			break
		}
	}
	if !participant {
		sm.mu.Unlock()
		return ErrUnknownSigner
	}
	key := strings.ToLower(id)
	if _, dup := p.sigs[key]; dup {
		sm.mu.Unlock()
		return ErrAlreadySigned
	}
	p.sigs[key] = append([]byte(nil), sig...)
	if len(p.sigs) < len(p.def.Players) {
		sm.mu.Unlock()
		return nil
	}

	// Quorum complete: assemble and submit exactly once. The pending entry
	// is consumed here whether or not the open succeeds.
	p.timer.Stop()
	delete(sm.pending, roomID)
	sigs := make([][]byte, 0, len(p.def.Players)+1)
	sigs = append(sigs, p.coordSig)
	for _, addr := range p.def.Players {
		sigs = append(sigs, p.sigs[strings.ToLower(addr)])
	}
	def := p.def
	initAllocs := cloneAllocations(p.initAllocs)
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sm.callTimeout)
	defer cancel()
	sessionID, err := sm.ledger.OpenSession(ctx, def, initAllocs, sigs)
	if err != nil {
		sm.log.Errorf("room %s: session open failed: %v", roomID, err)
		if sm.notifier != nil {
			sm.notifier.SendSessionError(roomID, err)
		}
		return fmt.Errorf("open session: %w", err)
	}

	sess := &RoomSession{
		SessionID:       sessionID,
		Def:             def,
		LastAllocations: initAllocs,
		OpenedAt:        time.Now(),
	}
	sm.mu.Lock()
	sm.sessions[roomID] = sess
	sm.mu.Unlock()

	sm.log.Infof("room %s: session %s open, deposit %s", roomID, sessionID,
		dcrutil.Amount(def.TotalDeposit))
	sm.recordSessionEvent(roomID, sessionID, serverdb.SessionOpened, def.TotalDeposit, initAllocs)
	if sm.notifier != nil {
		sm.notifier.SendSessionReady(roomID, sessionID)
	}
	return nil
}

// HasSession reports whether a room has an open settlement session.
func (sm *SettlementManager) HasSession(roomID string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sessions[roomID] != nil
}

// Session returns a copy of the room's open session record.
func (sm *SettlementManager) Session(roomID string) (RoomSession, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess := sm.sessions[roomID]
	if sess == nil {
		return RoomSession{}, false
	}
	out := *sess
	out.LastAllocations = cloneAllocations(sess.LastAllocations)
	return out, true
}

// SubmitHandAllocations recomputes and submits the allocation vector for a
// completed hand. The snapshot must have been captured by the room before any
// deferred seat removal was materialized. If any original participant is no
// longer resolvable from the snapshot, the last-known allocation is
// resubmitted instead of recomputing over an incomplete player set.
// Submission failures are logged and swallowed; the room keeps playing and
// the next hand retries with fresher numbers.
func (sm *SettlementManager) SubmitHandAllocations(roomID string, snap *pokergame.ChipSnapshot) {
	sm.mu.Lock()
	sess := sm.sessions[roomID]
	if sess == nil {
		sm.mu.Unlock()
		sm.log.Debugf("room %s: hand completed with no open session", roomID)
		return
	}
	if snap.HandNum <= sess.LastHandNum {
		sm.mu.Unlock()
		sm.log.Warnf("room %s: ignoring stale hand %d allocation (last applied %d)",
			roomID, snap.HandNum, sess.LastHandNum)
		return
	}
	sess.LastHandNum = snap.HandNum

	chips := snap.ChipsByAddress()
	resolvable := true
	for _, addr := range sess.Def.Players {
		found := false
		for snapAddr := range chips {
			if holdemledger.SameAddress(addr, snapAddr) {
				found = true
				break
			}
		}
		if !found {
			resolvable = false
			break
		}
	}

	var allocs []holdemledger.AllocationEntry
	if !resolvable {
		// A participant already departed the room entirely; recomputing
		// would distribute over an incomplete set. Resubmit the last
		// known-good vector.
		sm.log.Warnf("room %s: hand %d snapshot missing session participant; resubmitting last allocations",
			roomID, snap.HandNum)
		allocs = cloneAllocations(sess.LastAllocations)
	} else {
		var err error
		allocs, err = ComputeAllocations(sess.Def, chips)
		if err != nil {
			sm.mu.Unlock()
			sm.log.Errorf("room %s: allocation recompute failed: %v", roomID, err)
			return
		}
		sess.LastAllocations = cloneAllocations(allocs)
	}
	sessionID := sess.SessionID
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sm.callTimeout)
	defer cancel()
	if err := sm.ledger.SubmitState(ctx, sessionID, allocs); err != nil {
		sm.log.Warnf("room %s: hand %d state submission failed (will retry next hand): %v",
			roomID, snap.HandNum, err)
		return
	}
	sm.log.Debugf("room %s: hand %d allocations submitted to session %s",
		roomID, snap.HandNum, sessionID)
}

// CloseSession submits the last-known allocation as the final settle
// instruction. It never recomputes at close time: players may already be
// fully gone from the room. The session record is removed regardless of
// submission success; a failed close is logged, not retried.
func (sm *SettlementManager) CloseSession(roomID string) error {
	sm.mu.Lock()
	sess := sm.sessions[roomID]
	if sess == nil {
		sm.mu.Unlock()
		return nil
	}
	delete(sm.sessions, roomID)
	sessionID := sess.SessionID
	final := cloneAllocations(sess.LastAllocations)
	totalDeposit := sess.Def.TotalDeposit
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sm.callTimeout)
	defer cancel()
	err := sm.ledger.CloseSession(ctx, sessionID, final)
	if err != nil {
		sm.log.Errorf("room %s: session %s close failed: %v", roomID, sessionID, err)
	} else {
		sm.log.Infof("room %s: session %s closed", roomID, sessionID)
	}
	sm.recordSessionEvent(roomID, sessionID, serverdb.SessionClosed, totalDeposit, final)
	return err
}

// CancelPending clears any in-flight pending session and its timeout.
func (sm *SettlementManager) CancelPending(roomID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if p := sm.pending[roomID]; p != nil {
		p.timer.Stop()
		delete(sm.pending, roomID)
	}
}

// PendingPayload returns the exact payload a pending session's signers must
// sign, if a signing round is in flight.
func (sm *SettlementManager) PendingPayload(roomID string) ([]byte, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	p := sm.pending[roomID]
	if p == nil {
		return nil, false
	}
	return append([]byte(nil), p.payload...), true
}

func (sm *SettlementManager) recordSessionEvent(roomID, sessionID string, event serverdb.SessionEventType, totalDeposit int64, allocs []holdemledger.AllocationEntry) {
	if sm.db == nil {
		return
	}
	rec := &serverdb.SessionRecord{
		RoomID:       roomID,
		SessionID:    sessionID,
		Event:        event,
		TotalDeposit: totalDeposit,
		Timestamp:    time.Now(),
	}
	for _, a := range allocs {
		rec.Allocations = append(rec.Allocations, serverdb.AllocationRecord{
			Address: a.Address,
			Amount:  a.Amount,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), sm.callTimeout)
	defer cancel()
	if err := sm.db.StoreSessionEvent(ctx, rec); err != nil {
		sm.log.Warnf("room %s: failed to record session %s event: %v", roomID, event, err)
	}
}
