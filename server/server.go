package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/decred/slog"
	"github.com/vctt94/bisonbotkit/logging"
	holdemledger "github.com/vctt94/holdem-ledger"
	"github.com/vctt94/holdem-ledger/pokergame"
	"github.com/vctt94/holdem-ledger/server/serverdb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	name    = "holdem"
	version = "v0.1.0"
)

type ServerConfig struct {
	ServerDir string

	// IsF2P disables the settlement layer entirely: rooms deal hands
	// without an open ledger session and nothing is submitted to the
	// ledger service.
	IsF2P bool

	DebugLevel     string
	DebugGameLevel string
	HTTPPort       string
	LogBackend     *logging.LogBackend

	// Ledger and engine endpoints. Ledger/EngineFactory may be injected
	// directly (tests do this); otherwise the URLs are dialed.
	LedgerURL     string
	EngineURL     string
	Ledger        LedgerService
	EngineFactory pokergame.EngineFactory

	// Coordinator identity on the settlement ledger.
	CoordinatorAddr string
	CoordinatorKey  string // 32-byte secp256k1 private key, hex

	// Default room economics; rooms may override via CreateRoom.
	BuyIn      int64
	SmallBlind int64
	BigBlind   int64
	ChipUnit   float64
	Capacity   int

	SignTimeout time.Duration

	Notifier pokergame.NotificationSender
}

type Server struct {
	log   slog.Logger
	isF2P bool
	cfg   ServerConfig

	rooms      *pokergame.RoomManager
	settlement *SettlementManager
	db         serverdb.Store

	httpServer *http.Server

	appdata string
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.LogBackend == nil {
		return nil, fmt.Errorf("log is nil")
	}

	dbPath := filepath.Join(cfg.ServerDir, "server.db")
	db, err := serverdb.NewBoltDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	bknd, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(cfg.ServerDir, "logs", "gamemanager.log"),
		DebugLevel:     cfg.DebugGameLevel,
		MaxLogFiles:    10,
		MaxBufferLines: 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize game manager logger: %w", err)
	}
	logGM := bknd.Logger("GM")

	if cfg.Capacity <= 0 {
		cfg.Capacity = 6
	}
	if cfg.ChipUnit <= 0 {
		cfg.ChipUnit = 0.00000001
	}

	engineFactory := cfg.EngineFactory
	if engineFactory == nil {
		if cfg.EngineURL == "" {
			return nil, fmt.Errorf("engine url or factory required")
		}
		engineFactory, err = NewRemoteEngineFactory(cfg.EngineURL, 10*time.Second, logGM)
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		appdata: cfg.ServerDir,
		log:     cfg.LogBackend.Logger("Server"),
		cfg:     cfg,
		isF2P:   cfg.IsF2P,
		db:      db,
		rooms:   pokergame.NewRoomManager(logGM),
	}
	s.rooms.Notifier = cfg.Notifier
	s.rooms.NewEngine = engineFactory
	s.rooms.OnHandComplete = s.handleHandComplete
	s.rooms.OnRoomRemoved = s.handleRoomRemoved

	if !cfg.IsF2P {
		ledger := cfg.Ledger
		if ledger == nil {
			if cfg.LedgerURL == "" {
				return nil, fmt.Errorf("ledger url or service required in paid mode")
			}
			ledger, err = NewHTTPLedgerClient(cfg.LedgerURL, 10*time.Second)
			if err != nil {
				return nil, err
			}
		}
		s.settlement, err = NewSettlementManager(SettlementConfig{
			Log:             cfg.LogBackend.Logger("Settle"),
			Ledger:          ledger,
			DB:              db,
			Notifier:        sessionNotifierFrom(cfg.Notifier),
			CoordinatorAddr: cfg.CoordinatorAddr,
			CoordinatorKey:  cfg.CoordinatorKey,
			SignTimeout:     cfg.SignTimeout,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("settlement manager: %w", err)
		}
	}

	if cfg.HTTPPort != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/handhistory", s.handleFetchHandHistory)
		mux.HandleFunc("/sessions", s.handleFetchSessions)
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.HTTPPort),
			Handler: mux,
		}

		go func() {
			s.log.Infof("Starting HTTP server on port %s", cfg.HTTPPort)
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Errorf("HTTP server error: %v", err)
			}
		}()
	}

	return s, nil
}

// sessionNotifierFrom returns ntfn as a SessionNotifier when the concrete
// sender also implements session notifications, nil otherwise.
func sessionNotifierFrom(ntfn pokergame.NotificationSender) SessionNotifier {
	if sn, ok := ntfn.(SessionNotifier); ok {
		return sn
	}
	return nil
}

// CreateRoom registers a new room. Zero-valued fields fall back to the
// server defaults.
func (s *Server) CreateRoom(id string, buyIn, smallBlind, bigBlind int64, capacity int) (*pokergame.Room, error) {
	if buyIn <= 0 {
		buyIn = s.cfg.BuyIn
	}
	if smallBlind <= 0 {
		smallBlind = s.cfg.SmallBlind
	}
	if bigBlind <= 0 {
		bigBlind = s.cfg.BigBlind
	}
	if capacity <= 0 {
		capacity = s.cfg.Capacity
	}
	if buyIn <= 0 || bigBlind <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "room requires positive buy-in and big blind")
	}

	room, err := s.rooms.CreateRoom(pokergame.RoomConfig{
		ID:         id,
		Capacity:   capacity,
		BuyIn:      buyIn,
		SmallBlind: smallBlind,
		BigBlind:   bigBlind,
		ChipUnit:   s.cfg.ChipUnit,
	})
	if err != nil {
		return nil, status.Errorf(codes.AlreadyExists, "%v", err)
	}
	s.log.Infof("Room %s created (buy-in %d, blinds %d/%d)", room.Config().ID, buyIn, smallBlind, bigBlind)
	return room, nil
}

func (s *Server) room(roomID string) (*pokergame.Room, error) {
	room := s.rooms.GetRoom(roomID)
	if room == nil {
		return nil, status.Errorf(codes.NotFound, "room not found: %s", roomID)
	}
	return room, nil
}

// seatOf resolves an identity to its seat in the room. Matching is
// case-insensitive on the address.
func seatOf(room *pokergame.Room, address string) (int, error) {
	for _, p := range room.Players() {
		if holdemledger.SameAddress(p.Address, address) {
			return p.Seat, nil
		}
	}
	return 0, status.Errorf(codes.NotFound, "address %s is not seated", address)
}

// JoinRoom seats a player. Addresses are canonicalized before seating so
// the same identity cannot hold two seats under different casings.
func (s *Server) JoinRoom(roomID, address, nick string, seat int) error {
	room, err := s.room(roomID)
	if err != nil {
		return err
	}
	if address == "" {
		return status.Error(codes.InvalidArgument, "missing player address")
	}
	addr := holdemledger.CanonicalAddress(address)
	if _, err := seatOf(room, addr); err == nil {
		return status.Errorf(codes.AlreadyExists, "address %s already seated in room %s", address, roomID)
	}
	if _, err := room.AddPlayer(addr, nick, seat); err != nil {
		return mapRoomError(err)
	}
	return nil
}

// LeaveRoom departs a player. During a live hand the departure is deferred
// and the player keeps contesting the current hand.
func (s *Server) LeaveRoom(roomID, address string) error {
	room, err := s.room(roomID)
	if err != nil {
		return err
	}
	seat, err := seatOf(room, address)
	if err != nil {
		return err
	}
	if err := room.RequestLeave(seat); err != nil {
		return mapRoomError(err)
	}
	s.reapRoom(room)
	return nil
}

// SitOutNextHand flags a player to be removed at the next hand boundary.
func (s *Server) SitOutNextHand(roomID, address string) error {
	room, err := s.room(roomID)
	if err != nil {
		return err
	}
	seat, err := seatOf(room, address)
	if err != nil {
		return err
	}
	if err := room.RequestLeaveNextHand(seat); err != nil {
		return mapRoomError(err)
	}
	return nil
}

func (s *Server) CancelSitOut(roomID, address string) error {
	room, err := s.room(roomID)
	if err != nil {
		return err
	}
	seat, err := seatOf(room, address)
	if err != nil {
		return err
	}
	if err := room.CancelLeaveNextHand(seat); err != nil {
		return mapRoomError(err)
	}
	return nil
}

// StartHand deals the next hand. In paid mode a room may not deal until
// its ledger session is open.
func (s *Server) StartHand(roomID string) error {
	room, err := s.room(roomID)
	if err != nil {
		return err
	}
	if !s.isF2P && !s.settlement.HasSession(roomID) {
		return status.Errorf(codes.FailedPrecondition, "room %s has no open ledger session", roomID)
	}
	if err := room.StartHand(); err != nil {
		return mapRoomError(err)
	}
	return nil
}

// SubmitAction applies a player action and then drains any auto-folds owed
// to departing players who came up as the next actor.
func (s *Server) SubmitAction(roomID, address string, action pokergame.PlayerAction, amount int64) error {
	room, err := s.room(roomID)
	if err != nil {
		return err
	}
	seat, err := seatOf(room, address)
	if err != nil {
		return err
	}
	if err := room.HandleAction(seat, action, amount); err != nil {
		return mapRoomError(err)
	}
	for {
		folded, err := room.AutoFoldPendingTurn()
		if err != nil {
			s.log.Warnf("auto-fold in room %s: %v", roomID, err)
			break
		}
		if !folded {
			break
		}
	}
	s.reapRoom(room)
	return nil
}

// GetState returns the room state as seen by viewer. Hole cards of other
// seats are never included.
func (s *Server) GetState(roomID, viewer string) (*pokergame.StateSnapshot, error) {
	room, err := s.room(roomID)
	if err != nil {
		return nil, err
	}
	return room.StateSnapshot(holdemledger.CanonicalAddress(viewer)), nil
}

// OpenSession begins the signing ceremony for a room's ledger session and
// returns the payload every participant must sign.
func (s *Server) OpenSession(roomID string) ([]byte, error) {
	if s.isF2P {
		return nil, status.Error(codes.FailedPrecondition, "free-to-play server has no settlement layer")
	}
	room, err := s.room(roomID)
	if err != nil {
		return nil, err
	}
	payload, err := s.settlement.StartSigning(room)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "%v", err)
	}
	return payload, nil
}

// SubmitSignature records one participant's signature over the pending
// session payload. When the last signature arrives the session opens.
func (s *Server) SubmitSignature(roomID, address string, sig []byte) error {
	if s.isF2P {
		return status.Error(codes.FailedPrecondition, "free-to-play server has no settlement layer")
	}
	if len(sig) == 0 {
		return status.Error(codes.InvalidArgument, "empty signature")
	}
	err := s.settlement.MarkSigned(roomID, holdemledger.CanonicalAddress(address), sig)
	switch err {
	case nil:
		return nil
	case ErrNoPendingSession:
		return status.Errorf(codes.FailedPrecondition, "no signing ceremony pending for room %s", roomID)
	case ErrUnknownSigner:
		return status.Errorf(codes.InvalidArgument, "address %s is not a session participant", address)
	case ErrAlreadySigned:
		return status.Errorf(codes.AlreadyExists, "address %s already signed", address)
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}

// RoomsSnapshot lists the registered rooms.
func (s *Server) RoomsSnapshot() []*pokergame.Room {
	return s.rooms.RoomsSnapshot()
}

// handleHandComplete runs after every resolved hand, outside the room lock.
func (s *Server) handleHandComplete(result *pokergame.HandResult, snap *pokergame.ChipSnapshot) {
	rec := &serverdb.HandRecord{
		RoomID:    result.RoomID,
		HandNum:   result.HandNum,
		PotTotal:  result.PotTotal(),
		Source:    string(result.Source),
		Timestamp: time.Now(),
	}
	for _, w := range result.Winners {
		rec.Winners = append(rec.Winners, serverdb.WinnerRecord{
			Address:  w.Address,
			Seat:     w.Seat,
			Amount:   w.Amount,
			HandDesc: w.HandDesc,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.StoreHandResult(ctx, rec); err != nil && err != serverdb.ErrDuplicateEntry {
		s.log.Warnf("store hand %s/%d: %v", result.RoomID, result.HandNum, err)
	}

	// Submit before reaping: when this hand empties the room, the reap
	// closes the session, and the close must carry this hand's allocations.
	if s.settlement != nil {
		s.settlement.SubmitHandAllocations(result.RoomID, snap)
	}

	if room := s.rooms.GetRoom(result.RoomID); room != nil {
		s.reapRoom(room)
	}
}

// reapRoom drains deferred departures and removes the room once empty.
func (s *Server) reapRoom(room *pokergame.Room) {
	room.DrainDepartures()
	s.rooms.ReapEmptyRooms()
}

func (s *Server) handleRoomRemoved(roomID string) {
	s.log.Infof("Room %s removed", roomID)
	if s.settlement == nil {
		return
	}
	s.settlement.CancelPending(roomID)
	if s.settlement.HasSession(roomID) {
		if err := s.settlement.CloseSession(roomID); err != nil {
			s.log.Errorf("closing session for room %s: %v", roomID, err)
		}
	}
}

// mapRoomError translates pokergame sentinel errors to gRPC statuses at
// the API boundary.
func mapRoomError(err error) error {
	switch err {
	case nil:
		return nil
	case pokergame.ErrRoomNotFound:
		return status.Errorf(codes.NotFound, "%v", err)
	case pokergame.ErrInvalidSeat:
		return status.Errorf(codes.InvalidArgument, "%v", err)
	case pokergame.ErrSeatTaken,
		pokergame.ErrInsufficientPlayers,
		pokergame.ErrHandInProgress,
		pokergame.ErrNoHandInProgress,
		pokergame.ErrNotYourTurn:
		return status.Errorf(codes.FailedPrecondition, "%v", err)
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}

func (s *Server) Run(ctx context.Context) error {
	s.log.Infof("%s server %s running", name, version)
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		s.log.Errorf("Error during server shutdown: %v", err)
	}
	return nil
}

// Shutdown closes the HTTP server, settles any open sessions, and closes
// the database last.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		s.log.Info("Shutting down HTTP server...")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Errorf("Error shutting down HTTP server: %v", err)
		}
	}

	if s.settlement != nil {
		s.log.Info("Closing open ledger sessions...")
		for _, room := range s.rooms.RoomsSnapshot() {
			id := room.Config().ID
			s.settlement.CancelPending(id)
			if !s.settlement.HasSession(id) {
				continue
			}
			if err := s.settlement.CloseSession(id); err != nil {
				s.log.Errorf("Error closing session for room %s: %v", id, err)
			}
		}
	}

	s.log.Info("Closing database...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing database: %v", err)
	}

	s.log.Info("Server shut down completed.")
	return nil
}
