package pokergame

import (
	"sort"

	"github.com/decred/slog"
)

// FoldWin is the provisional fold-win cache: the single remaining seat and
// the pot it stands to collect, valid only between betting-round completion
// and hand teardown.
type FoldWin struct {
	Seat   int
	Amount int64
}

// HandCapture is the pre-showdown snapshot taken at the instant betting
// concludes, before showdown is invoked. Pot sizes may be reported
// differently afterward and the engine's post-showdown view of hole cards
// cannot be trusted for reveal purposes.
type HandCapture struct {
	Pots    []Pot
	FoldWin *FoldWin
	Reveals map[int][]Card
}

// HandResolver translates the hand-rules engine's raw, sometimes-incomplete
// outputs into an unambiguous HandResult. The engine reports winners only via
// full showdown; a hand ending because all but one player folded yields an
// empty winner report, which the resolver compensates for.
type HandResolver struct {
	log slog.Logger
}

// NewHandResolver returns a resolver logging through the room's logger.
func NewHandResolver(log slog.Logger) *HandResolver {
	return &HandResolver{log: log}
}

// Capture records the pot structure as it stands pre-showdown, the fold-win
// candidate if exactly one seat remains, and the hole cards of every seat
// that has not folded. Called at every betting-round boundary; the last
// capture before teardown is the one consumed.
func (hr *HandResolver) Capture(engine HandEngine, handSeats, folded map[int]struct{}) *HandCapture {
	pots := clonePots(engine.Pots())
	cap := &HandCapture{
		Pots:    pots,
		Reveals: make(map[int][]Card),
	}

	var potTotal int64
	for _, p := range pots {
		potTotal += p.Amount
	}

	// Fold-win candidate: exactly one seat eligible for the first pot, or
	// exactly one non-folded seat by our own fold tracking.
	winSeat, found := -1, false
	if len(pots) > 0 && len(pots[0].Eligible) == 1 {
		winSeat, found = pots[0].Eligible[0], true
	} else if seat, ok := soleUnfolded(handSeats, folded); ok {
		winSeat, found = seat, true
	}
	if found {
		// The engine may not have gathered the final street's bets into
		// the pots yet; take the larger view.
		amount := potTotal
		if withBets := potTotal + engine.UncollectedBets(); withBets > amount {
			amount = withBets
		}
		cap.FoldWin = &FoldWin{Seat: winSeat, Amount: amount}
	}

	for seat := range handSeats {
		if _, didFold := folded[seat]; didFold {
			continue
		}
		if cards := engine.HoleCards(seat); len(cards) > 0 {
			cap.Reveals[seat] = append([]Card(nil), cards...)
		}
	}
	return cap
}

// Resolve produces the hand result after the engine finalizes the hand.
// Resolution order: the engine's own winner report, then the pre-captured
// fold-win cache, then the fold-tracking fallback. Exactly one path fires.
func (hr *HandResolver) Resolve(roomID string, handNum uint64, chipUnit float64, cap *HandCapture, engine HandEngine, seat func(int) *SeatedPlayer, handSeats, folded map[int]struct{}) *HandResult {
	if cap == nil {
		cap = &HandCapture{}
	}
	result := &HandResult{
		RoomID:   roomID,
		HandNum:  handNum,
		Pots:     cap.Pots,
		ChipUnit: chipUnit,
	}

	if engineWinners := engine.Winners(); len(engineWinners) > 0 {
		result.Source = SourceEngine
		result.Winners = splitPots(cap.Pots, engineWinners, seat)
		result.Reveals = revealList(cap.Reveals, seat)
	} else if cap.FoldWin != nil {
		result.Source = SourceFoldWin
		result.Winners = []WinnerShare{winnerShare(cap.FoldWin.Seat, cap.FoldWin.Amount, "", seat)}
	} else if soleSeat, ok := soleUnfolded(handSeats, folded); ok {
		// Last resort: award the full computed pot to whichever tracked
		// seat never folded. A hand that terminated without reaching a
		// betting-round boundary has an empty capture, so read the pots
		// from the engine directly.
		if len(result.Pots) == 0 {
			result.Pots = clonePots(engine.Pots())
		}
		result.Source = SourceFallback
		result.Winners = []WinnerShare{winnerShare(soleSeat, result.PotTotal(), "", seat)}
	} else {
		// No winner derivable at all. Leave the result empty rather than
		// guess; settlement keeps running off chip counts.
		result.Source = SourceFallback
		hr.log.Warnf("room %s: hand %d ended with no resolvable winner", roomID, handNum)
	}

	hr.log.Infof("room %s: hand %d resolved via %s (%d winner(s), pot %d)",
		roomID, handNum, result.Source, len(result.Winners), result.PotTotal())
	return result
}

// splitPots distributes each pot evenly across its winners using integer
// floor division. The residual of a split that does not divide evenly stays
// undistributed; it is an accepted rounding floor, never redistributed.
func splitPots(pots []Pot, winners []EngineWinner, seat func(int) *SeatedPlayer) []WinnerShare {
	byPot := make(map[int][]EngineWinner)
	for _, w := range winners {
		byPot[w.Pot] = append(byPot[w.Pot], w)
	}

	shareBySeat := make(map[int]*WinnerShare)
	var order []int
	for potIdx, ws := range byPot {
		if potIdx < 0 || potIdx >= len(pots) || len(ws) == 0 {
			continue
		}
		share := pots[potIdx].Amount / int64(len(ws))
		for _, w := range ws {
			s, ok := shareBySeat[w.Seat]
			if !ok {
				ns := winnerShare(w.Seat, 0, w.HandDesc, seat)
				shareBySeat[w.Seat] = &ns
				s = shareBySeat[w.Seat]
				order = append(order, w.Seat)
			}
			s.Amount += share
			if s.HandDesc == "" {
				s.HandDesc = w.HandDesc
			}
		}
	}

	sort.Ints(order)
	out := make([]WinnerShare, 0, len(order))
	for _, seatIdx := range order {
		out = append(out, *shareBySeat[seatIdx])
	}
	return out
}

func winnerShare(seatIdx int, amount int64, handDesc string, seat func(int) *SeatedPlayer) WinnerShare {
	ws := WinnerShare{Seat: seatIdx, Amount: amount, HandDesc: handDesc}
	if p := seat(seatIdx); p != nil {
		ws.Address = p.Address
		ws.Name = p.Name
	}
	return ws
}

func revealList(reveals map[int][]Card, seat func(int) *SeatedPlayer) []ShowdownReveal {
	if len(reveals) == 0 {
		return nil
	}
	seats := make([]int, 0, len(reveals))
	for s := range reveals {
		seats = append(seats, s)
	}
	sort.Ints(seats)
	out := make([]ShowdownReveal, 0, len(seats))
	for _, s := range seats {
		sr := ShowdownReveal{Seat: s, Cards: reveals[s]}
		if p := seat(s); p != nil {
			sr.Address = p.Address
		}
		out = append(out, sr)
	}
	return out
}

// soleUnfolded returns the only hand participant that never folded, if there
// is exactly one.
func soleUnfolded(handSeats, folded map[int]struct{}) (int, bool) {
	seat, count := -1, 0
	for s := range handSeats {
		if _, didFold := folded[s]; !didFold {
			seat = s
			count++
		}
	}
	return seat, count == 1
}

func clonePots(pots []Pot) []Pot {
	out := make([]Pot, len(pots))
	for i, p := range pots {
		out[i] = Pot{Amount: p.Amount, Eligible: append([]int(nil), p.Eligible...)}
	}
	return out
}
