package pokergame

import (
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
)

// Room is the single point of truth for one room's seat occupancy and hand
// sequencing. Every operation that mutates the hand-rules engine runs under
// r.mtx for the full drive-to-quiescence cycle, so two concurrent action
// submissions can never interleave their engine mutations.
type Room struct {
	mtx sync.Mutex

	cfg       RoomConfig
	log       slog.Logger
	engine    HandEngine
	resolver  *HandResolver
	notifier  NotificationSender
	onEnd     HandCompleteFunc
	createdAt time.Time

	status RoomStatus
	seats  []*SeatedPlayer

	// Per-hand transient state.
	handNum    uint64
	handActive bool
	handSeats  map[int]struct{}
	lastAction map[int]PlayerAction
	folded     map[int]struct{}
	capture    *HandCapture

	// Departure flags. pendingLeave is the hard deferred-removal set
	// (requestLeave during a hand); leaveNextHand is the orthogonal soft
	// flag consulted only at hand boundaries.
	pendingLeave  map[int]struct{}
	leaveNextHand map[int]struct{}

	// Seats materialized out of the room, awaiting drain by the caller.
	departed []SeatedPlayer
}

// completedHand carries everything dispatched after a hand tears down. The
// snapshot is always taken before departures are materialized.
type completedHand struct {
	result   *HandResult
	snap     *ChipSnapshot
	departed []SeatedPlayer
}

// NewRoom wires a room around its engine instance. The notifier and the
// hand-complete hook are both optional capabilities.
func NewRoom(cfg RoomConfig, engine HandEngine, log slog.Logger, notifier NotificationSender, onEnd HandCompleteFunc) (*Room, error) {
	if cfg.Capacity < 2 {
		return nil, fmt.Errorf("room capacity must be at least 2, got %d", cfg.Capacity)
	}
	if engine == nil {
		return nil, fmt.Errorf("room %s: nil hand engine", cfg.ID)
	}
	return &Room{
		cfg:           cfg,
		log:           log,
		engine:        engine,
		resolver:      NewHandResolver(log),
		notifier:      notifier,
		onEnd:         onEnd,
		createdAt:     time.Now(),
		status:        StatusWaiting,
		seats:         make([]*SeatedPlayer, cfg.Capacity),
		handSeats:     make(map[int]struct{}),
		lastAction:    make(map[int]PlayerAction),
		folded:        make(map[int]struct{}),
		pendingLeave:  make(map[int]struct{}),
		leaveNextHand: make(map[int]struct{}),
	}, nil
}

// Config returns the room's fixed configuration.
func (r *Room) Config() RoomConfig { return r.cfg }

// Status returns the room lifecycle state.
func (r *Room) Status() RoomStatus {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.status
}

// HandNum returns the current hand number.
func (r *Room) HandNum() uint64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.handNum
}

// Players returns the seated players in seat order.
func (r *Room) Players() []SeatedPlayer {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.playersLocked()
}

func (r *Room) playersLocked() []SeatedPlayer {
	out := make([]SeatedPlayer, 0, len(r.seats))
	for _, p := range r.seats {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// PlayerCount returns the number of occupied seats.
func (r *Room) PlayerCount() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.playersLocked())
}

// AddPlayer registers a player at a seat and seeds their stack in the engine.
func (r *Room) AddPlayer(address, name string, seat int) (SeatedPlayer, error) {
	r.mtx.Lock()
	if seat < 0 || seat >= r.cfg.Capacity {
		r.mtx.Unlock()
		return SeatedPlayer{}, ErrInvalidSeat
	}
	if r.seats[seat] != nil {
		r.mtx.Unlock()
		return SeatedPlayer{}, ErrSeatTaken
	}
	p := &SeatedPlayer{
		Address:  address,
		Name:     name,
		Seat:     seat,
		JoinedAt: time.Now(),
	}
	if err := r.engine.SeatPlayer(seat, r.cfg.BuyIn); err != nil {
		r.mtx.Unlock()
		return SeatedPlayer{}, fmt.Errorf("seat player in engine: %w", err)
	}
	r.seats[seat] = p
	joined := *p
	r.mtx.Unlock()

	r.log.Debugf("room %s: player %s joined seat %d", r.cfg.ID, address, seat)
	if r.notifier != nil {
		r.notifier.SendPlayerJoined(r.cfg.ID, joined)
	}
	return joined, nil
}

// RemovePlayer removes a seat immediately. Empty seats are a no-op. Engine
// errors while standing the player up are swallowed; the player is gone
// regardless.
func (r *Room) RemovePlayer(seat int) {
	r.mtx.Lock()
	removed := r.removeSeatLocked(seat)
	r.mtx.Unlock()

	if removed != nil && r.notifier != nil {
		r.notifier.SendPlayerLeft(r.cfg.ID, *removed)
	}
}

// removeSeatLocked clears a seat, retires the player from the engine on a
// best-effort basis and records the departure for draining.
func (r *Room) removeSeatLocked(seat int) *SeatedPlayer {
	if seat < 0 || seat >= len(r.seats) || r.seats[seat] == nil {
		return nil
	}
	p := r.seats[seat]
	if err := r.engine.StandPlayer(seat); err != nil {
		// Best-effort cleanup. The engine may already consider the seat
		// vacated.
		r.log.Debugf("room %s: stand seat %d: %v", r.cfg.ID, seat, err)
	}
	r.seats[seat] = nil
	delete(r.pendingLeave, seat)
	delete(r.leaveNextHand, seat)
	r.departed = append(r.departed, *p)
	if len(r.playersLocked()) == 0 {
		r.status = StatusFinished
	}
	return p
}

// StartHand clears per-hand transient state and instructs the engine to deal.
// Soft-departure flags set while the room was idle are honored before the
// deal.
func (r *Room) StartHand() error {
	r.mtx.Lock()
	if r.handActive {
		r.mtx.Unlock()
		return ErrHandInProgress
	}

	// Consult the sit-out flags at the hand boundary.
	var left []SeatedPlayer
	for seat := range r.leaveNextHand {
		if p := r.removeSeatLocked(seat); p != nil {
			left = append(left, *p)
		}
	}

	if len(r.playersLocked()) < 2 {
		r.mtx.Unlock()
		r.notifyLeft(left)
		return ErrInsufficientPlayers
	}

	r.handSeats = make(map[int]struct{})
	r.lastAction = make(map[int]PlayerAction)
	r.folded = make(map[int]struct{})
	r.capture = nil
	for seat, p := range r.seats {
		if p != nil {
			r.handSeats[seat] = struct{}{}
		}
	}

	if err := r.engine.Deal(); err != nil {
		r.mtx.Unlock()
		r.notifyLeft(left)
		return fmt.Errorf("deal hand: %w", err)
	}
	r.handNum++
	r.handActive = true
	r.status = StatusPlaying
	handNum := r.handNum
	r.mtx.Unlock()

	r.notifyLeft(left)
	r.log.Debugf("room %s: hand %d dealt", r.cfg.ID, handNum)
	if r.notifier != nil {
		r.notifier.SendHandStarted(r.cfg.ID, handNum)
	}
	return nil
}

func (r *Room) notifyLeft(left []SeatedPlayer) {
	if r.notifier == nil {
		return
	}
	for _, p := range left {
		r.notifier.SendPlayerLeft(r.cfg.ID, p)
	}
}

// HandleAction processes one betting action for a seat, forwards it to the
// engine and drives the engine to quiescence. If the action completes the
// hand, settlement dispatch happens before HandleAction returns.
func (r *Room) HandleAction(seat int, action PlayerAction, amount int64) error {
	r.mtx.Lock()
	if !r.handActive {
		r.mtx.Unlock()
		return ErrNoHandInProgress
	}
	actor, ok := r.engine.CurrentActor()
	if !ok || actor != seat {
		r.mtx.Unlock()
		return ErrNotYourTurn
	}
	done, err := r.applyActionLocked(seat, action, amount)
	r.mtx.Unlock()

	if done != nil {
		r.dispatchCompleted(done)
	}
	return err
}

// applyActionLocked records the action, forwards it and drives the engine.
// Fold tracking is kept independent of the engine because the engine's own
// fold-win signal is unreliable.
func (r *Room) applyActionLocked(seat int, action PlayerAction, amount int64) (*completedHand, error) {
	if err := r.engine.SubmitAction(seat, action, amount); err != nil {
		return nil, fmt.Errorf("submit action: %w", err)
	}
	r.lastAction[seat] = action
	if action == ActionFold {
		r.folded[seat] = struct{}{}
	}
	if err := r.driveLocked(); err != nil {
		return nil, err
	}
	if r.engine.HandInProgress() {
		return nil, nil
	}
	return r.finishHandLocked(), nil
}

// driveLocked repeatedly ends the current betting round and advances to
// showdown while the hand is still in progress and the round is no longer
// accepting actions. It stops the instant the engine reports a live betting
// round awaiting an actor. The iteration bound is the number of remaining
// streets; a non-terminating loop here would hang the room.
func (r *Room) driveLocked() error {
	limit := r.engine.StreetsRemaining() + 1
	for i := 0; i < limit; i++ {
		if !r.engine.HandInProgress() || r.engine.BettingRoundOpen() {
			return nil
		}
		// Betting has concluded for this round: capture the pot
		// structure and fold-win candidate before the engine mutates
		// its pot view.
		r.capture = r.resolver.Capture(r.engine, r.handSeats, r.folded)
		if err := r.engine.EndBettingRound(); err != nil {
			return fmt.Errorf("end betting round: %w", err)
		}
		if r.engine.HandInProgress() && !r.engine.BettingRoundOpen() && r.engine.StreetsRemaining() == 0 {
			if err := r.engine.RunShowdown(); err != nil {
				return fmt.Errorf("run showdown: %w", err)
			}
		}
	}
	return nil
}

// finishHandLocked resolves the hand, snapshots chip state and only then
// materializes deferred departures. The snapshot-before-materialization order
// is the one hard ordering guarantee in the room: recomputing allocations
// after removal would lose a departed player's final chip count.
func (r *Room) finishHandLocked() *completedHand {
	result := r.resolver.Resolve(r.cfg.ID, r.handNum, r.cfg.ChipUnit, r.capture, r.engine, r.seatLookup, r.handSeats, r.folded)
	snap := r.snapshotLocked()

	var departed []SeatedPlayer
	for seat := range r.pendingLeave {
		if p := r.removeSeatLocked(seat); p != nil {
			departed = append(departed, *p)
		}
	}
	for seat := range r.leaveNextHand {
		if p := r.removeSeatLocked(seat); p != nil {
			departed = append(departed, *p)
		}
	}

	// Clear per-hand state unconditionally; the capture has been consumed.
	r.handActive = false
	r.capture = nil
	r.handSeats = make(map[int]struct{})
	r.lastAction = make(map[int]PlayerAction)
	r.folded = make(map[int]struct{})
	if r.status != StatusFinished {
		r.status = StatusWaiting
	}

	return &completedHand{result: result, snap: snap, departed: departed}
}

func (r *Room) seatLookup(seat int) *SeatedPlayer {
	if seat < 0 || seat >= len(r.seats) {
		return nil
	}
	return r.seats[seat]
}

// snapshotLocked captures per-seat chips and seat-to-identity for every
// occupied seat.
func (r *Room) snapshotLocked() *ChipSnapshot {
	snap := &ChipSnapshot{
		RoomID:    r.cfg.ID,
		HandNum:   r.handNum,
		Chips:     make(map[int]int64),
		Addresses: make(map[int]string),
	}
	for seat, p := range r.seats {
		if p == nil {
			continue
		}
		snap.Chips[seat] = r.engine.ChipCount(seat)
		snap.Addresses[seat] = p.Address
	}
	return snap
}

func (r *Room) dispatchCompleted(done *completedHand) {
	if r.notifier != nil {
		r.notifier.SendHandResult(r.cfg.ID, done.result)
		for _, p := range done.departed {
			r.notifier.SendPlayerLeft(r.cfg.ID, p)
		}
	}
	if r.onEnd != nil {
		r.onEnd(done.result, done.snap)
	}
}

// RequestLeave departs a seat. With no hand in progress the seat is removed
// immediately; mid-hand the departure is deferred to hand completion, and if
// it is this seat's turn an automatic fold is injected before returning.
func (r *Room) RequestLeave(seat int) error {
	r.mtx.Lock()
	if seat < 0 || seat >= len(r.seats) {
		r.mtx.Unlock()
		return ErrInvalidSeat
	}
	if r.seats[seat] == nil {
		r.mtx.Unlock()
		return nil
	}

	if !r.handActive {
		removed := r.removeSeatLocked(seat)
		r.mtx.Unlock()
		if removed != nil && r.notifier != nil {
			r.notifier.SendPlayerLeft(r.cfg.ID, *removed)
		}
		return nil
	}

	r.pendingLeave[seat] = struct{}{}
	r.log.Debugf("room %s: seat %d leave deferred to hand completion", r.cfg.ID, seat)

	var done *completedHand
	var err error
	if actor, ok := r.engine.CurrentActor(); ok && actor == seat && r.engine.BettingRoundOpen() {
		done, err = r.applyActionLocked(seat, ActionFold, 0)
	}
	r.mtx.Unlock()

	if done != nil {
		r.dispatchCompleted(done)
	}
	return err
}

// RequestLeaveNextHand flags a seat to sit out starting at the next hand
// boundary, regardless of seat activity in the current hand.
func (r *Room) RequestLeaveNextHand(seat int) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if seat < 0 || seat >= len(r.seats) {
		return ErrInvalidSeat
	}
	if r.seats[seat] == nil {
		return nil
	}
	r.leaveNextHand[seat] = struct{}{}
	return nil
}

// CancelLeaveNextHand clears the soft-departure flag if the hand boundary has
// not yet been reached.
func (r *Room) CancelLeaveNextHand(seat int) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if seat < 0 || seat >= len(r.seats) {
		return ErrInvalidSeat
	}
	delete(r.leaveNextHand, seat)
	return nil
}

// AutoFoldPendingTurn injects a fold on behalf of the acting seat when that
// seat has a deferred-leave flag set. It reports whether a fold was injected;
// callers loop until it returns false, because folding one pending leaver can
// immediately make it the next pending leaver's turn.
func (r *Room) AutoFoldPendingTurn() (bool, error) {
	r.mtx.Lock()
	if !r.handActive || !r.engine.BettingRoundOpen() {
		r.mtx.Unlock()
		return false, nil
	}
	actor, ok := r.engine.CurrentActor()
	if !ok {
		r.mtx.Unlock()
		return false, nil
	}
	if _, pending := r.pendingLeave[actor]; !pending {
		r.mtx.Unlock()
		return false, nil
	}
	done, err := r.applyActionLocked(actor, ActionFold, 0)
	r.mtx.Unlock()

	if done != nil {
		r.dispatchCompleted(done)
	}
	return true, err
}

// DrainDepartures returns and clears the seats materialized out of the room
// since the previous drain. Callers poll this after every hand.
func (r *Room) DrainDepartures() []SeatedPlayer {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := r.departed
	r.departed = nil
	return out
}

// StateSnapshot builds the per-viewer room state. Legal actions are resolved
// for the viewer's seat only.
func (r *Room) StateSnapshot(viewer string) *StateSnapshot {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	snap := &StateSnapshot{
		RoomID:     r.cfg.ID,
		Status:     r.status,
		HandNum:    r.handNum,
		Players:    r.playersLocked(),
		ActingSeat: -1,
	}
	if r.handActive {
		snap.Community = append([]Card(nil), r.engine.CommunityCards()...)
		snap.Pots = append([]Pot(nil), r.engine.Pots()...)
		if actor, ok := r.engine.CurrentActor(); ok {
			snap.ActingSeat = actor
		}
		for seat, p := range r.seats {
			if p != nil && p.Address == viewer {
				snap.LegalActions = append([]PlayerAction(nil), r.engine.LegalActions(seat)...)
				break
			}
		}
	}
	return snap
}
