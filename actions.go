package main

import (
	"log"
	"strconv"
)

// handleWSVote handles a day-phase elimination vote
func handleWSVote(client *Client, msg WSMessage) {
	submitAction(client, msg, ActionVote)
}

// handleWSUnvote retracts the player's current vote
func handleWSUnvote(client *Client, msg WSMessage) {
	submitAction(client, msg, ActionUnvote)
}

// handleWSNightAction handles a night ability submission
func handleWSNightAction(client *Client, msg WSMessage) {
	submitAction(client, msg, ActionNight)
}

// handleWSSkip records an explicit pass for the current phase
func handleWSSkip(client *Client, msg WSMessage) {
	submitAction(client, msg, ActionSkip)
}

// submitAction funnels every player action through the engine and fans the
// resulting state out. A rejected action costs one toast to the actor and
// nothing else; nobody else sees failed attempts.
func submitAction(client *Client, msg WSMessage, typ ActionType) {
	gameID := engine.ActiveGameID()
	if gameID == "" {
		sendErrorToast(client.playerID, "No active game")
		return
	}

	var targetID int64
	if msg.TargetPlayerID != "" {
		var err error
		targetID, err = strconv.ParseInt(msg.TargetPlayerID, 10, 64)
		if err != nil {
			sendErrorToast(client.playerID, "Target not found")
			return
		}
	}

	action := PlayerAction{Type: typ, PlayerID: client.playerID, TargetID: targetID}
	if typ == ActionNight && msg.NightAbility != "" {
		action.Data = map[string]string{"action": msg.NightAbility}
	}

	if _, err := engine.ProcessAction(gameID, action); err != nil {
		DebugLog("submitAction: player %d %s rejected: %v", client.playerID, typ, err)
		sendErrorToast(client.playerID, userMessage(err))
		return
	}

	log.Printf("Game %s: player %d submitted %s (target %d)", gameID, client.playerID, typ, targetID)
	broadcastGameState(gameID)

	// When everyone the phase waits on has acted, resolve it now instead of
	// letting the timer run out.
	if phase, day, ok := engine.ReadyToAdvance(gameID); ok {
		DebugLog("submitAction: all players acted in %s day %d, advancing early", phase, day)
		gameClock.triggerEarly(gameID, phase, day)
	}
}
