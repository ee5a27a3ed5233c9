package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/vctt94/holdem-ledger/pokergame"
)

// remoteEngine is the HTTP client for the external hand-rules engine. One
// instance is bound to one table on the engine service. Query methods on the
// HandEngine interface carry no error return; on transport failure they log
// and report the zero value, which the coordinator treats as "hand not live".
// Mutating calls surface their errors normally.
type remoteEngine struct {
	base   string
	client *http.Client
	log    slog.Logger
}

// NewRemoteEngineFactory returns an EngineFactory creating one engine client
// per room against the engine service at baseURL.
func NewRemoteEngineFactory(baseURL string, timeout time.Duration, log slog.Logger) (pokergame.EngineFactory, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid engine url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(baseURL, "/")
	client := &http.Client{Timeout: timeout}
	return func(cfg pokergame.RoomConfig) (pokergame.HandEngine, error) {
		eng := &remoteEngine{
			base:   base + "/tables/" + url.PathEscape(cfg.ID),
			client: client,
			log:    log,
		}
		// Create the table up front so a bad engine endpoint fails room
		// creation instead of the first deal.
		if err := eng.post("", map[string]interface{}{
			"capacity":    cfg.Capacity,
			"small_blind": cfg.SmallBlind,
			"big_blind":   cfg.BigBlind,
		}, nil); err != nil {
			return nil, fmt.Errorf("create engine table: %w", err)
		}
		return eng, nil
	}, nil
}

type engineStatus struct {
	HandInProgress   bool  `json:"hand_in_progress"`
	BettingRoundOpen bool  `json:"betting_round_open"`
	ActingSeat       *int  `json:"acting_seat"`
	StreetsRemaining int   `json:"streets_remaining"`
	UncollectedBets  int64 `json:"uncollected_bets"`
}

func (e *remoteEngine) SeatPlayer(seat int, chips int64) error {
	return e.post("/seat", map[string]interface{}{"seat": seat, "chips": chips}, nil)
}

func (e *remoteEngine) StandPlayer(seat int) error {
	return e.post("/stand", map[string]interface{}{"seat": seat}, nil)
}

func (e *remoteEngine) Deal() error {
	return e.post("/deal", nil, nil)
}

func (e *remoteEngine) SubmitAction(seat int, action pokergame.PlayerAction, amount int64) error {
	return e.post("/action", map[string]interface{}{
		"seat":   seat,
		"action": string(action),
		"amount": amount,
	}, nil)
}

func (e *remoteEngine) EndBettingRound() error {
	return e.post("/end-round", nil, nil)
}

func (e *remoteEngine) RunShowdown() error {
	return e.post("/showdown", nil, nil)
}

func (e *remoteEngine) status() engineStatus {
	var st engineStatus
	if err := e.get("/status", nil, &st); err != nil {
		e.log.Errorf("engine status query failed: %v", err)
	}
	return st
}

func (e *remoteEngine) HandInProgress() bool   { return e.status().HandInProgress }
func (e *remoteEngine) BettingRoundOpen() bool { return e.status().BettingRoundOpen }
func (e *remoteEngine) StreetsRemaining() int  { return e.status().StreetsRemaining }
func (e *remoteEngine) UncollectedBets() int64 { return e.status().UncollectedBets }

func (e *remoteEngine) CurrentActor() (int, bool) {
	st := e.status()
	if st.ActingSeat == nil {
		return 0, false
	}
	return *st.ActingSeat, true
}

func (e *remoteEngine) Pots() []pokergame.Pot {
	var out []struct {
		Amount   int64 `json:"amount"`
		Eligible []int `json:"eligible"`
	}
	if err := e.get("/pots", nil, &out); err != nil {
		e.log.Errorf("engine pots query failed: %v", err)
		return nil
	}
	pots := make([]pokergame.Pot, len(out))
	for i, p := range out {
		pots[i] = pokergame.Pot{Amount: p.Amount, Eligible: p.Eligible}
	}
	return pots
}

func (e *remoteEngine) Winners() []pokergame.EngineWinner {
	var out []struct {
		Seat     int    `json:"seat"`
		Pot      int    `json:"pot"`
		HandDesc string `json:"hand_desc"`
	}
	if err := e.get("/winners", nil, &out); err != nil {
		e.log.Errorf("engine winners query failed: %v", err)
		return nil
	}
	winners := make([]pokergame.EngineWinner, len(out))
	for i, w := range out {
		winners[i] = pokergame.EngineWinner{Seat: w.Seat, Pot: w.Pot, HandDesc: w.HandDesc}
	}
	return winners
}

func (e *remoteEngine) HoleCards(seat int) []pokergame.Card {
	var cards []pokergame.Card
	if err := e.get("/holecards", url.Values{"seat": {strconv.Itoa(seat)}}, &cards); err != nil {
		e.log.Errorf("engine holecards query failed: %v", err)
		return nil
	}
	return cards
}

func (e *remoteEngine) CommunityCards() []pokergame.Card {
	var cards []pokergame.Card
	if err := e.get("/community", nil, &cards); err != nil {
		e.log.Errorf("engine community query failed: %v", err)
		return nil
	}
	return cards
}

func (e *remoteEngine) LegalActions(seat int) []pokergame.PlayerAction {
	var actions []pokergame.PlayerAction
	if err := e.get("/legal-actions", url.Values{"seat": {strconv.Itoa(seat)}}, &actions); err != nil {
		e.log.Errorf("engine legal-actions query failed: %v", err)
		return nil
	}
	return actions
}

func (e *remoteEngine) ChipCount(seat int) int64 {
	var out struct {
		Chips int64 `json:"chips"`
	}
	if err := e.get("/chips", url.Values{"seat": {strconv.Itoa(seat)}}, &out); err != nil {
		e.log.Errorf("engine chips query failed: %v", err)
		return 0
	}
	return out.Chips
}

func (e *remoteEngine) post(path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal engine request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(http.MethodPost, e.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return e.do(req, out)
}

func (e *remoteEngine) get(path string, q url.Values, out interface{}) error {
	u := e.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return e.do(req, out)
}

func (e *remoteEngine) do(req *http.Request, out interface{}) error {
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("engine request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("engine request %s: status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}
