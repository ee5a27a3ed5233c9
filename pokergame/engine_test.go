package pokergame

// fakeEngine is a scripted HandEngine. Tests drive its state transitions via
// the onAction/onEndRound/onShowdown hooks; everything else is plain field
// access.
type fakeEngine struct {
	seats       map[int]int64
	inProgress  bool
	roundOpen   bool
	actor       int
	hasActor    bool
	streets     int
	uncollected int64
	pots        []Pot
	winners     []EngineWinner
	hole        map[int][]Card
	community   []Card
	legal       map[int][]PlayerAction

	seatErr   error
	dealErr   error
	actionErr error

	onAction   func(seat int, action PlayerAction, amount int64)
	onEndRound func()
	onShowdown func()

	endRoundCalls int
	showdownCalls int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		seats: make(map[int]int64),
		hole:  make(map[int][]Card),
		legal: make(map[int][]PlayerAction),
		actor: -1,
	}
}

func (f *fakeEngine) SeatPlayer(seat int, chips int64) error {
	if f.seatErr != nil {
		return f.seatErr
	}
	f.seats[seat] = chips
	return nil
}

func (f *fakeEngine) StandPlayer(seat int) error {
	delete(f.seats, seat)
	return nil
}

func (f *fakeEngine) Deal() error {
	if f.dealErr != nil {
		return f.dealErr
	}
	f.inProgress = true
	f.roundOpen = true
	return nil
}

func (f *fakeEngine) HandInProgress() bool   { return f.inProgress }
func (f *fakeEngine) BettingRoundOpen() bool { return f.roundOpen }
func (f *fakeEngine) StreetsRemaining() int  { return f.streets }

func (f *fakeEngine) CurrentActor() (int, bool) {
	return f.actor, f.hasActor
}

func (f *fakeEngine) SubmitAction(seat int, action PlayerAction, amount int64) error {
	if f.actionErr != nil {
		return f.actionErr
	}
	if f.onAction != nil {
		f.onAction(seat, action, amount)
	}
	return nil
}

func (f *fakeEngine) EndBettingRound() error {
	f.endRoundCalls++
	if f.onEndRound != nil {
		f.onEndRound()
	}
	return nil
}

func (f *fakeEngine) RunShowdown() error {
	f.showdownCalls++
	if f.onShowdown != nil {
		f.onShowdown()
	}
	return nil
}

func (f *fakeEngine) Pots() []Pot { return f.pots }

func (f *fakeEngine) UncollectedBets() int64 { return f.uncollected }

func (f *fakeEngine) Winners() []EngineWinner { return f.winners }

func (f *fakeEngine) HoleCards(seat int) []Card { return f.hole[seat] }

func (f *fakeEngine) CommunityCards() []Card { return f.community }

func (f *fakeEngine) LegalActions(seat int) []PlayerAction { return f.legal[seat] }

func (f *fakeEngine) ChipCount(seat int) int64 { return f.seats[seat] }
