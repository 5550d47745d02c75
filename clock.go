package main

import (
	"errors"
	"log"
	"strconv"
	"sync"
	"time"
)

// GameClock drives phase deadlines. Each watched game has one pending timer;
// an early trigger (everyone acted) and the timer race for the same (phase,
// day) pair, and the engine's idempotent advance makes the race harmless.
// The clock only has to avoid broadcasting the same transition twice.
type GameClock struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	lastFrom map[string]string // gameID -> "phase/day" last broadcast
}

func newGameClock() *GameClock {
	return &GameClock{
		timers:   make(map[string]*time.Timer),
		lastFrom: make(map[string]string),
	}
}

var gameClock = newGameClock()

// watch starts (or restarts) the deadline timer for a game's current phase.
// Called after game creation and after restart recovery.
func (c *GameClock) watch(gameID string) {
	update, err := engine.Snapshot(gameID)
	if err != nil {
		logError("clock.watch: snapshot", err)
		return
	}
	if update.Phase == PhaseFinished {
		return
	}
	c.schedule(gameID, update.Phase, update.DayNumber, time.Duration(update.TimeRemaining)*time.Second)
}

func (c *GameClock) schedule(gameID string, phase Phase, day int, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[gameID]; ok {
		t.Stop()
	}
	DebugLog("clock.schedule: game %s %s day %d fires in %s", gameID, phase, day, d)
	c.timers[gameID] = time.AfterFunc(d, func() {
		c.advance(gameID, phase, day)
	})
}

// triggerEarly resolves the named phase immediately because everyone acted
func (c *GameClock) triggerEarly(gameID string, phase Phase, day int) {
	c.mu.Lock()
	if t, ok := c.timers[gameID]; ok {
		t.Stop()
	}
	c.mu.Unlock()
	c.advance(gameID, phase, day)
}

func (c *GameClock) advance(gameID string, from Phase, day int) {
	tr, err := engine.AdvancePhase(gameID, from, day)
	if err != nil {
		// A stale timer that lost the race to an early trigger lands here
		// once the game has moved past (from, day). Nothing to do.
		if errors.Is(err, errPhaseResolved) || errors.Is(err, errGameNotFound) {
			DebugLog("clock.advance: game %s %s day %d already resolved", gameID, from, day)
			return
		}
		logError("clock.advance: AdvancePhase", err)
		return
	}

	key := string(from) + "/" + strconv.Itoa(day)
	c.mu.Lock()
	if c.lastFrom[gameID] == key {
		// Duplicate trigger got the cached transition back; it was already
		// broadcast by whichever trigger won.
		c.mu.Unlock()
		return
	}
	c.lastFrom[gameID] = key
	c.mu.Unlock()

	broadcastTransition(gameID, tr)
	narratePhase(gameID, tr.To, tr.DayNumber, tr.EliminatedPlayers)

	if tr.To == PhaseFinished {
		log.Printf("Game %s finished", gameID)
		c.forget(gameID)
		return
	}
	c.schedule(gameID, tr.To, tr.DayNumber, time.Duration(tr.TimeRemaining)*time.Second)
}

func (c *GameClock) forget(gameID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[gameID]; ok {
		t.Stop()
		delete(c.timers, gameID)
	}
	delete(c.lastFrom, gameID)
}

// stop cancels every pending timer, used on shutdown and in tests
func (c *GameClock) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}
