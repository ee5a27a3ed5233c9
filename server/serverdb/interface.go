package serverdb

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDuplicateEntry     = errors.New("hand result already stored")
	ErrMainBucketNotFound = errors.New("main bucket not found")
	ErrRoomBucketNotFound = errors.New("room bucket not found")
	ErrHandNotFound       = errors.New("hand record not found")
)

// SessionEventType distinguishes the audit entries a settlement session
// leaves behind.
type SessionEventType string

const (
	SessionOpened SessionEventType = "opened"
	SessionClosed SessionEventType = "closed"
)

// WinnerRecord is one seat's share in a stored hand result.
type WinnerRecord struct {
	Seat     int    `json:"seat"`
	Address  string `json:"address"`
	Amount   int64  `json:"amount"`
	HandDesc string `json:"hand_desc,omitempty"`
}

// HandRecord is the audit entry for one resolved hand.
type HandRecord struct {
	RoomID    string         `json:"room_id"`
	HandNum   uint64         `json:"hand_num"`
	Source    string         `json:"source"`
	PotTotal  int64          `json:"pot_total"`
	Winners   []WinnerRecord `json:"winners"`
	Timestamp time.Time      `json:"timestamp"`
}

// AllocationRecord mirrors one allocation entry in base units.
type AllocationRecord struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// SessionRecord is the audit entry for a session open or close.
type SessionRecord struct {
	RoomID       string             `json:"room_id"`
	SessionID    string             `json:"session_id"`
	Event        SessionEventType   `json:"event"`
	TotalDeposit int64              `json:"total_deposit"`
	Allocations  []AllocationRecord `json:"allocations"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Store is the append-only audit store. Writes are best-effort from the
// server's perspective; a failed write never affects room progression.
type Store interface {
	StoreHandResult(ctx context.Context, rec *HandRecord) error
	FetchHandResults(ctx context.Context, roomID string) ([]*HandRecord, error)
	StoreSessionEvent(ctx context.Context, rec *SessionRecord) error
	FetchSessionEvents(ctx context.Context, roomID string) ([]*SessionRecord, error)
	Close() error
}
