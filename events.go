package main

import (
	"time"
)

// EventType enumerates everything the engine records in a game's history.
type EventType string

const (
	EventGameStart   EventType = "game_start"
	EventVote        EventType = "vote"
	EventUnvote      EventType = "unvote"
	EventRoleAction  EventType = "role_action"
	EventElimination EventType = "elimination"
	EventPhaseChange EventType = "phase_change"
	EventGameEnd     EventType = "game_end"
)

// GameEvent is one entry of the append-only history. The history is the sole
// source of truth for audit and replay; the engine never mutates or truncates
// it, and only appends on successful mutations.
type GameEvent struct {
	Type      EventType         `json:"type"`
	Phase     Phase             `json:"phase"`
	DayNumber int               `json:"dayNumber"`
	ActorID   int64             `json:"actorId,omitempty"`
	TargetID  int64             `json:"targetId,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// appendEvent records an event stamped with the game's current phase and day.
func (g *Game) appendEvent(now time.Time, typ EventType, actorID, targetID int64, data map[string]string) {
	g.history = append(g.history, GameEvent{
		Type:      typ,
		Phase:     g.Phase,
		DayNumber: g.DayNumber,
		ActorID:   actorID,
		TargetID:  targetID,
		Data:      data,
		Timestamp: now,
	})
}

// lastEvents returns up to n of the most recent history entries.
func lastEvents(history []GameEvent, n int) []GameEvent {
	if n <= 0 || len(history) <= n {
		out := make([]GameEvent, len(history))
		copy(out, history)
		return out
	}
	out := make([]GameEvent, n)
	copy(out, history[len(history)-n:])
	return out
}

// canSeeEvent applies the per-viewer visibility rules when relaying history.
// Night role actions are private to their actor, except mafia kill votes,
// which the whole mafia team can see. Everything else is public. Once a game
// is finished the full history opens up.
func canSeeEvent(ev GameEvent, viewerID int64, viewerRole Role, finished bool) bool {
	if finished {
		return true
	}
	if ev.Type != EventRoleAction {
		return true
	}
	if ev.ActorID == viewerID {
		return true
	}
	if ev.Data["action"] == abilityEliminate && viewerRole.Team() == TeamMafia {
		return true
	}
	return false
}

// visibleEvents filters a history slice for one viewer.
func visibleEvents(events []GameEvent, viewerID int64, viewerRole Role, finished bool) []GameEvent {
	var out []GameEvent
	for _, ev := range events {
		if canSeeEvent(ev, viewerID, viewerRole, finished) {
			out = append(out, ev)
		}
	}
	return out
}
