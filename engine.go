package main

import (
	crand "crypto/rand"
	"encoding/binary"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Phase is the current stage of a round.
type Phase string

const (
	PhaseDay      Phase = "day"
	PhaseVoting   Phase = "voting"
	PhaseNight    Phase = "night"
	PhaseFinished Phase = "finished"
)

// Settings is a game's immutable configuration, captured at initialization.
type Settings struct {
	DayDuration    time.Duration `json:"dayDuration"`
	VotingDuration time.Duration `json:"votingDuration"`
	NightDuration  time.Duration `json:"nightDuration"`
	Roles          []RoleCount   `json:"roles"`
}

func (s Settings) phaseDuration(p Phase) time.Duration {
	switch p {
	case PhaseDay:
		return s.DayDuration
	case PhaseVoting:
		return s.VotingDuration
	case PhaseNight:
		return s.NightDuration
	}
	return 0
}

// Game is the aggregate root for one match. All mutation goes through the
// engine's two entry points under the per-game mutex; cross-game operations
// never contend with each other.
type Game struct {
	mu sync.Mutex

	ID        string
	Phase     Phase
	DayNumber int
	Players   []int64 // fixed at initialization, join order
	Settings  Settings

	roles      map[int64]Role
	eliminated map[int64]bool
	votes      *voteLedger
	nights     *nightBook
	acted      map[int64]bool // who has acted this phase, for the early trigger
	history    []GameEvent
	winResult  *WinResult

	phaseDeadline time.Time

	// Idempotency guard: the last resolved (phase, day) pair and the
	// transition it produced, returned verbatim on a duplicate trigger.
	lastFrom       Phase
	lastFromDay    int
	lastTransition *PhaseTransition

	version         int64 // optimistic persistence version
	persistedEvents int   // history entries already written to the store
}

func (g *Game) hasPlayer(id int64) bool {
	for _, pid := range g.Players {
		if pid == id {
			return true
		}
	}
	return false
}

func (g *Game) aliveCount() int {
	return len(g.Players) - len(g.eliminated)
}

func (g *Game) alivePlayers() []int64 {
	var out []int64
	for _, pid := range g.Players {
		if !g.eliminated[pid] {
			out = append(out, pid)
		}
	}
	return out
}

func (g *Game) eliminatedList() []int64 {
	var out []int64
	for _, pid := range g.Players {
		if g.eliminated[pid] {
			out = append(out, pid)
		}
	}
	return out
}

// GameStateUpdate is the snapshot returned after every processed action and
// relayed verbatim by the broadcast sink.
type GameStateUpdate struct {
	GameID            string      `json:"gameId"`
	Phase             Phase       `json:"phase"`
	DayNumber         int         `json:"dayNumber"`
	TimeRemaining     int64       `json:"timeRemaining"` // seconds
	Players           []int64     `json:"players"`
	EliminatedPlayers []int64     `json:"eliminatedPlayers"`
	Votes             []VoteEntry `json:"votes"`
	Events            []GameEvent `json:"events"`
}

// PhaseTransition is returned after every advance.
type PhaseTransition struct {
	From              Phase       `json:"from"`
	To                Phase       `json:"to"`
	DayNumber         int         `json:"dayNumber"`
	TimeRemaining     int64       `json:"timeRemaining"`     // seconds
	EliminatedPlayers []int64     `json:"eliminatedPlayers"` // this step only
	Events            []GameEvent `json:"events"`
}

// gameStore persists the aggregate. Save must be atomic relative to the
// per-game lock; a concurrent write that lost the race fails with
// errVersionConflict and the caller reloads. A nil store disables
// persistence (tests).
type gameStore interface {
	SaveGame(g *Game) error
}

// snapshotEventCount is how many trailing history entries snapshots carry.
const snapshotEventCount = 20

// Engine owns every live game and serializes all mutation per game.
type Engine struct {
	mu    sync.RWMutex
	games map[string]*Game

	store gameStore
	now   func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// newEngine creates an engine. rng seeds the role shuffle; pass nil for a
// crypto-seeded source.
func newEngine(store gameStore, rng *rand.Rand) *Engine {
	if rng == nil {
		var seed [8]byte
		crand.Read(seed[:])
		rng = rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))
	}
	return &Engine{
		games: make(map[string]*Game),
		store: store,
		now:   time.Now,
		rng:   rng,
	}
}

// CreateGame initializes a game: assigns roles from the distribution, enters
// Day 1, and appends the GameStart event. The player list is fixed from here
// on. Fails with errConfigurationMismatch when the distribution does not sum
// to the player count, the list is too small, or ids repeat.
func (e *Engine) CreateGame(id string, players []int64, settings Settings) (*GameStateUpdate, error) {
	if len(players) < 4 {
		return nil, errConfigurationMismatch
	}
	seen := make(map[int64]bool, len(players))
	for _, pid := range players {
		if seen[pid] {
			return nil, errConfigurationMismatch
		}
		seen[pid] = true
	}

	e.rngMu.Lock()
	roles, err := assignRoles(players, settings.Roles, e.rng)
	e.rngMu.Unlock()
	if err != nil {
		return nil, err
	}

	now := e.now()
	g := &Game{
		ID:         id,
		Phase:      PhaseDay,
		DayNumber:  1,
		Players:    append([]int64(nil), players...),
		Settings:   settings,
		roles:      roles,
		eliminated: make(map[int64]bool),
		votes:      newVoteLedger(),
		nights:     newNightBook(),
		acted:      make(map[int64]bool),
	}
	g.phaseDeadline = now.Add(settings.phaseDuration(PhaseDay))
	g.appendEvent(now, EventGameStart, 0, 0, map[string]string{
		"players": strconv.Itoa(len(players)),
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := e.saveLocked(g); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.games[id] = g
	e.mu.Unlock()

	log.Printf("Game %s created: %d players, day 1", id, len(players))
	update := e.snapshotLocked(g)
	return &update, nil
}

func (e *Engine) lookup(id string) (*Game, error) {
	e.mu.RLock()
	g, ok := e.games[id]
	e.mu.RUnlock()
	if !ok {
		return nil, errGameNotFound
	}
	return g, nil
}

// Role reports a player's role in a game. The zero Role means unknown.
func (e *Engine) Role(gameID string, playerID int64) Role {
	g, err := e.lookup(gameID)
	if err != nil {
		return ""
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.roles[playerID]
}

// Snapshot returns the current state of a game without mutating it. Unlike
// the entry points this also works on finished games, so late observers can
// still fetch the outcome.
func (e *Engine) Snapshot(gameID string) (*GameStateUpdate, error) {
	g, err := e.lookup(gameID)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	update := e.snapshotLocked(g)
	return &update, nil
}

// MafiaTeammates returns the ids of the other mafia members, alive or not.
// Mafia identities are mutual knowledge within the team.
func (e *Engine) MafiaTeammates(gameID string, playerID int64) []int64 {
	g, err := e.lookup(gameID)
	if err != nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []int64
	for _, pid := range g.Players {
		if pid != playerID && g.roles[pid] == RoleMafia {
			out = append(out, pid)
		}
	}
	return out
}

// Result returns the win result of a finished game, or nil.
func (e *Engine) Result(gameID string) *WinResult {
	g, err := e.lookup(gameID)
	if err != nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.winResult
}

// ProcessAction validates one action and applies it. The action either fully
// applies (ledger or night book mutation plus its event) or fully fails with
// no state change. Finished games reject everything.
func (e *Engine) ProcessAction(gameID string, action PlayerAction) (*GameStateUpdate, error) {
	g, err := e.lookup(gameID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Phase == PhaseFinished {
		return nil, errGameNotFound
	}
	if err := validateAction(g, action); err != nil {
		return nil, err
	}

	now := e.now()
	switch action.Type {
	case ActionVote:
		g.votes.cast(action.PlayerID, action.TargetID, now)
		g.appendEvent(now, EventVote, action.PlayerID, action.TargetID, nil)

	case ActionUnvote:
		// History stays a success log: no event when nothing was retracted.
		if g.votes.retract(action.PlayerID) {
			g.appendEvent(now, EventUnvote, action.PlayerID, 0, nil)
		}

	case ActionNight:
		ability := action.Data["action"]
		if ability == "" {
			ability = defaultAbility(g.roles[action.PlayerID])
		}
		g.nights.record(action.PlayerID, ability, action.TargetID, now)
		data := map[string]string{"action": ability}
		if ability == abilityInvestigate && action.TargetID != 0 {
			// Roles are immutable, so the answer is known at submission time.
			data["result"] = string(g.roles[action.TargetID].Team())
		}
		g.appendEvent(now, EventRoleAction, action.PlayerID, action.TargetID, data)

	case ActionSkip:
		g.appendEvent(now, EventRoleAction, action.PlayerID, 0, map[string]string{"action": "skip"})
	}
	g.acted[action.PlayerID] = true

	if err := e.saveLocked(g); err != nil {
		return nil, err
	}

	update := e.snapshotLocked(g)
	return &update, nil
}

// defaultAbility maps a role to its implied night ability when the client
// does not name one.
func defaultAbility(r Role) string {
	switch r {
	case RoleMafia:
		return abilityEliminate
	case RoleDoctor:
		return abilityProtect
	case RoleDetective:
		return abilityInvestigate
	}
	return "skip"
}

// ReadyToAdvance reports whether every player the current phase waits on has
// acted, along with the (phase, day) pair a caller should pass to
// AdvancePhase. During Voting that is every alive player; during Night only
// players with a night ability are waited on. Day has no early trigger.
func (e *Engine) ReadyToAdvance(gameID string) (Phase, int, bool) {
	g, err := e.lookup(gameID)
	if err != nil {
		return "", 0, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.Phase {
	case PhaseVoting:
		for _, pid := range g.alivePlayers() {
			if !g.acted[pid] {
				return g.Phase, g.DayNumber, false
			}
		}
		return g.Phase, g.DayNumber, true
	case PhaseNight:
		for _, pid := range g.alivePlayers() {
			if g.roles[pid] == RoleVillager {
				continue
			}
			if !g.acted[pid] {
				return g.Phase, g.DayNumber, false
			}
		}
		return g.Phase, g.DayNumber, true
	}
	return g.Phase, g.DayNumber, false
}

// AdvancePhase resolves the named (phase, day) and transitions the game. It
// is the only place phase changes. The from/fromDay pair makes the duplicate
// trigger race explicit: the timer and the all-acted signal both name the
// phase they saw, whichever arrives first under the lock wins, and the loser
// gets the winner's transition back unchanged. A trigger for anything other
// than the current or last-resolved pair fails with errPhaseResolved.
func (e *Engine) AdvancePhase(gameID string, from Phase, fromDay int) (*PhaseTransition, error) {
	g, err := e.lookup(gameID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Phase == PhaseFinished && !(g.lastFrom == from && g.lastFromDay == fromDay) {
		return nil, errGameNotFound
	}
	if g.lastFrom == from && g.lastFromDay == fromDay && g.lastTransition != nil {
		return g.lastTransition, nil
	}
	if g.Phase != from || g.DayNumber != fromDay {
		return nil, errPhaseResolved
	}

	now := e.now()
	var eliminatedThisStep []int64

	switch g.Phase {
	case PhaseDay:
		// Day is a pure discussion period, nothing to tally.

	case PhaseVoting:
		if victim, ok := resolveDayVote(g.votes.tally(), g.aliveCount()); ok {
			e.eliminateLocked(g, now, victim, "day_vote")
			eliminatedThisStep = append(eliminatedThisStep, victim)
		}
		g.votes.clear()

	case PhaseNight:
		outcome := resolveNight(g, g.nights)
		if outcome.KillTarget != 0 && !outcome.Protected {
			e.eliminateLocked(g, now, outcome.KillTarget, "night_kill")
			eliminatedThisStep = append(eliminatedThisStep, outcome.KillTarget)
		} else if outcome.Protected {
			// The attempt stays visible through the recorded RoleAction
			// events; no elimination happens.
			log.Printf("Game %s: night %d kill on player %d blocked by protection", g.ID, g.DayNumber, outcome.KillTarget)
		}
		g.nights.clear()
		g.votes.clear()
	}

	next := nextPhase(g.Phase)
	nextDay := g.DayNumber
	if g.Phase == PhaseNight {
		nextDay++
	}

	if result := evaluateWin(g); result != nil {
		next = PhaseFinished
		nextDay = g.DayNumber
		g.winResult = result
		g.appendEvent(now, EventGameEnd, 0, 0, map[string]string{
			"condition": string(result.Condition),
			"team":      string(result.WinningTeam),
			"reason":    result.Reason,
		})
	}

	fromPhase := g.Phase
	g.appendEvent(now, EventPhaseChange, 0, 0, map[string]string{
		"from":       string(fromPhase),
		"to":         string(next),
		"eliminated": joinIDs(eliminatedThisStep),
	})

	g.Phase = next
	g.DayNumber = nextDay
	g.acted = make(map[int64]bool)
	if next == PhaseFinished {
		g.phaseDeadline = now
	} else {
		g.phaseDeadline = now.Add(g.Settings.phaseDuration(next))
	}

	tr := &PhaseTransition{
		From:              fromPhase,
		To:                next,
		DayNumber:         nextDay,
		TimeRemaining:     e.remainingLocked(g, now),
		EliminatedPlayers: eliminatedThisStep,
		Events:            lastEvents(g.history, snapshotEventCount),
	}
	g.lastFrom = fromPhase
	g.lastFromDay = fromDay
	g.lastTransition = tr

	if err := e.saveLocked(g); err != nil {
		return nil, err
	}

	log.Printf("Game %s: %s -> %s (day %d), eliminated %v", g.ID, fromPhase, next, nextDay, eliminatedThisStep)
	return tr, nil
}

func nextPhase(p Phase) Phase {
	switch p {
	case PhaseDay:
		return PhaseVoting
	case PhaseVoting:
		return PhaseNight
	case PhaseNight:
		return PhaseDay
	}
	return PhaseFinished
}

// eliminateLocked marks a player eliminated and records the event. The
// eliminated set only ever grows.
func (e *Engine) eliminateLocked(g *Game, now time.Time, playerID int64, cause string) {
	g.eliminated[playerID] = true
	g.appendEvent(now, EventElimination, 0, playerID, map[string]string{"cause": cause})
}

func (e *Engine) remainingLocked(g *Game, now time.Time) int64 {
	if g.Phase == PhaseFinished {
		return 0
	}
	remaining := g.phaseDeadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return int64(remaining.Round(time.Second) / time.Second)
}

func (e *Engine) snapshotLocked(g *Game) GameStateUpdate {
	return GameStateUpdate{
		GameID:            g.ID,
		Phase:             g.Phase,
		DayNumber:         g.DayNumber,
		TimeRemaining:     e.remainingLocked(g, e.now()),
		Players:           append([]int64(nil), g.Players...),
		EliminatedPlayers: g.eliminatedList(),
		Votes:             g.votes.snapshot(),
		Events:            lastEvents(g.history, snapshotEventCount),
	}
}

func (e *Engine) saveLocked(g *Game) error {
	if e.store == nil {
		return nil
	}
	return e.store.SaveGame(g)
}

// ActiveGameID returns the id of the single running (non-finished) game, or
// "" when there is none. Room discovery beyond the one current game is out
// of scope.
func (e *Engine) ActiveGameID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, g := range e.games {
		g.mu.Lock()
		finished := g.Phase == PhaseFinished
		g.mu.Unlock()
		if !finished {
			return id
		}
	}
	return ""
}

// adopt registers a game restored from the store, used on startup recovery.
func (e *Engine) adopt(g *Game) {
	e.mu.Lock()
	e.games[g.ID] = g
	e.mu.Unlock()
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
