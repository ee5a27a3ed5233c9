package pokergame

import (
	"errors"
	"sync"
	"time"

	"github.com/decred/slog"
)

// Validation errors reported synchronously to callers. None of them is fatal
// to the room.
var (
	ErrInvalidSeat         = errors.New("seat index out of range")
	ErrSeatTaken           = errors.New("seat already taken")
	ErrInsufficientPlayers = errors.New("not enough players seated")
	ErrNoHandInProgress    = errors.New("no hand in progress")
	ErrHandInProgress      = errors.New("hand already in progress")
	ErrNotYourTurn         = errors.New("not this seat's turn to act")
	ErrRoomNotFound        = errors.New("room not found")
)

// PlayerAction is a betting action declared by a seat.
type PlayerAction string

const (
	ActionFold  PlayerAction = "fold"
	ActionCheck PlayerAction = "check"
	ActionCall  PlayerAction = "call"
	ActionBet   PlayerAction = "bet"
	ActionRaise PlayerAction = "raise"
	ActionAllIn PlayerAction = "allin"
)

// Card is an opaque card code as reported by the hand-rules engine, e.g. "Ah".
type Card string

// Pot is one pot in the captured pot structure: an amount in chips and the
// set of seats eligible to win it.
type Pot struct {
	Amount   int64
	Eligible []int
}

// EngineWinner is one winner entry from the engine's end-of-hand report.
// Pot indexes into the engine's pot list. The report is empty when the hand
// ends by universal fold; see the resolver.
type EngineWinner struct {
	Seat     int
	Pot      int
	HandDesc string
}

// HandEngine is the external hand-rules engine consumed by a room. It is a
// black box: dealing, legality and showdown scoring live behind it. Its one
// known blind spot is that Winners() reports nothing for fold-won hands.
type HandEngine interface {
	SeatPlayer(seat int, chips int64) error
	StandPlayer(seat int) error
	Deal() error

	HandInProgress() bool
	BettingRoundOpen() bool
	CurrentActor() (seat int, ok bool)
	StreetsRemaining() int

	SubmitAction(seat int, action PlayerAction, amount int64) error
	EndBettingRound() error
	RunShowdown() error

	Pots() []Pot
	UncollectedBets() int64
	Winners() []EngineWinner
	HoleCards(seat int) []Card
	CommunityCards() []Card
	LegalActions(seat int) []PlayerAction
	ChipCount(seat int) int64
}

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	StatusWaiting  RoomStatus = "waiting"
	StatusPlaying  RoomStatus = "playing"
	StatusFinished RoomStatus = "finished"
)

// RoomConfig is the fixed configuration of a room.
type RoomConfig struct {
	ID         string
	Capacity   int
	BuyIn      int64 // chips seeded per player
	SmallBlind int64
	BigBlind   int64
	ChipUnit   float64 // ledger value of one chip
}

// SeatedPlayer occupies one seat for the duration of its tenure. The address
// is the opaque participant identity; the seat index is stable until the
// player departs.
type SeatedPlayer struct {
	Address  string
	Name     string
	Seat     int
	JoinedAt time.Time
}

// ChipSnapshot captures per-seat chip counts and seat-to-identity mapping at
// hand completion, before any deferred departure is materialized. It is the
// input to allocation recomputation and must never be taken lazily.
type ChipSnapshot struct {
	RoomID    string
	HandNum   uint64
	Chips     map[int]int64
	Addresses map[int]string
}

// TotalChips sums every seat's chips in the snapshot.
func (cs *ChipSnapshot) TotalChips() int64 {
	var total int64
	for _, c := range cs.Chips {
		total += c
	}
	return total
}

// ChipsByAddress re-keys the snapshot by participant address.
func (cs *ChipSnapshot) ChipsByAddress() map[string]int64 {
	out := make(map[string]int64, len(cs.Chips))
	for seat, chips := range cs.Chips {
		if addr, ok := cs.Addresses[seat]; ok {
			out[addr] += chips
		}
	}
	return out
}

// WinnerShare is one seat's share of a resolved hand.
type WinnerShare struct {
	Seat     int
	Address  string
	Name     string
	Amount   int64 // chips
	HandDesc string
}

// ShowdownReveal exposes the hole cards of a seat that reached showdown
// without folding.
type ShowdownReveal struct {
	Seat    int
	Address string
	Cards   []Card
}

// ResultSource tags which of the three resolution paths produced a hand
// result.
type ResultSource string

const (
	SourceEngine   ResultSource = "engine"
	SourceFoldWin  ResultSource = "foldwin"
	SourceFallback ResultSource = "fallback"
)

// HandResult is the unambiguous outcome of one hand.
type HandResult struct {
	RoomID   string
	HandNum  uint64
	Winners  []WinnerShare
	Pots     []Pot
	ChipUnit float64
	Source   ResultSource
	Reveals  []ShowdownReveal
}

// PotTotal sums the captured pot amounts.
func (hr *HandResult) PotTotal() int64 {
	var total int64
	for _, p := range hr.Pots {
		total += p.Amount
	}
	return total
}

// StateSnapshot is the per-viewer room state exposed to the presentation
// layer. Legal actions are populated for the requesting identity only.
type StateSnapshot struct {
	RoomID       string
	Status       RoomStatus
	HandNum      uint64
	Players      []SeatedPlayer
	Community    []Card
	Pots         []Pot
	ActingSeat   int // -1 when no seat is to act
	LegalActions []PlayerAction
}

// NotificationSender is the injected capability for delivering room events to
// whatever transport layer subscribes to the room. Implementations must not
// block; the room calls these with its lock released.
type NotificationSender interface {
	SendPlayerJoined(roomID string, p SeatedPlayer)
	SendPlayerLeft(roomID string, p SeatedPlayer)
	SendHandStarted(roomID string, handNum uint64)
	SendHandResult(roomID string, result *HandResult)
}

// HandCompleteFunc receives the resolved result together with the chip
// snapshot taken before departures were materialized. The room invokes it
// once per hand, outside its lock.
type HandCompleteFunc func(result *HandResult, snap *ChipSnapshot)

// EngineFactory builds one hand-rules engine instance per room.
type EngineFactory func(cfg RoomConfig) (HandEngine, error)

// RoomManager owns every live room and fans room lifecycle events out to the
// injected notifier. It is the only process-wide registry for rooms.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	Log            slog.Logger
	Notifier       NotificationSender
	NewEngine      EngineFactory
	OnHandComplete HandCompleteFunc
	OnRoomRemoved  func(roomID string)
}
