package main

import (
	"database/sql"
	"log"
	"sync"

	"github.com/google/uuid"
)

// lobbyRoster tracks who is waiting for the next game, in join order. The
// role distribution lives in the database so it survives restarts; the
// roster itself is connection-driven and rebuilt as players reconnect.
type lobbyRoster struct {
	mu      sync.Mutex
	members []int64
}

var lobby = &lobbyRoster{}

func (l *lobbyRoster) add(playerID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.members {
		if id == playerID {
			return false
		}
	}
	l.members = append(l.members, playerID)
	return true
}

func (l *lobbyRoster) remove(playerID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, id := range l.members {
		if id == playerID {
			l.members = append(l.members[:i], l.members[i+1:]...)
			return true
		}
	}
	return false
}

func (l *lobbyRoster) snapshot() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.members...)
}

func (l *lobbyRoster) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.members = nil
}

// LobbyPlayer is one roster entry in the lobby payload
type LobbyPlayer struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// LobbyData holds all data needed to render the lobby
type LobbyData struct {
	Players     []LobbyPlayer `json:"players"`
	Roles       []RoleCount   `json:"roles"`
	TotalRoles  int           `json:"totalRoles"`
	PlayerCount int           `json:"playerCount"`
	CanStart    bool          `json:"canStart"`
}

// addPlayerToLobby routes a newly connected player: back into their running
// game if one exists, otherwise into the waiting roster.
func addPlayerToLobby(playerID int64) {
	playerName := getPlayerName(playerID)

	if gameID := engine.ActiveGameID(); gameID != "" && engine.Role(gameID, playerID) != "" {
		DebugLog("addPlayerToLobby: player '%s' (ID: %d) rejoining game %s", playerName, playerID, gameID)
		broadcastGameState(gameID)
		return
	}

	if lobby.add(playerID) {
		log.Printf("Player %d (%s) added to lobby (connected)", playerID, playerName)
		DebugLog("addPlayerToLobby: player '%s' (ID: %d) joined the lobby", playerName, playerID)
		broadcastLobbyUpdate()
	} else {
		DebugLog("addPlayerToLobby: player '%s' (ID: %d) already in lobby", playerName, playerID)
	}
}

// removePlayerFromLobby removes a disconnected player from the waiting
// roster. Players in a running game stay in it; the fixed player list is
// part of the game's configuration.
func removePlayerFromLobby(playerID int64) {
	playerName := getPlayerName(playerID)

	if gameID := engine.ActiveGameID(); gameID != "" && engine.Role(gameID, playerID) != "" {
		DebugLog("removePlayerFromLobby: player '%s' (ID: %d) disconnected mid-game, keeping seat", playerName, playerID)
		return
	}

	if lobby.remove(playerID) {
		log.Printf("Player %d (%s) removed from lobby (disconnected)", playerID, playerName)
		broadcastLobbyUpdate()
	}
}

// getRoleConfig reads the lobby's role distribution in display order
func getRoleConfig() []RoleCount {
	var dist []RoleCount
	for _, role := range knownRoles {
		var count int
		err := db.Get(&count, "SELECT count FROM lobby_role_config WHERE role = ?", role)
		if err == sql.ErrNoRows || count == 0 {
			continue
		}
		if err != nil {
			logError("getRoleConfig: db.Get", err)
			continue
		}
		dist = append(dist, RoleCount{Role: role, Count: count})
	}
	return dist
}

// broadcastLobbyUpdate sends the lobby roster and role config to everyone
// waiting in it.
func broadcastLobbyUpdate() {
	members := lobby.snapshot()

	players := make([]LobbyPlayer, 0, len(members))
	for _, id := range members {
		players = append(players, LobbyPlayer{ID: id, Name: getPlayerName(id)})
	}

	dist := getRoleConfig()
	total := distributionTotal(dist)
	data := LobbyData{
		Players:     players,
		Roles:       dist,
		TotalRoles:  total,
		PlayerCount: len(players),
		CanStart:    len(players) >= 4 && total == len(players),
	}

	DebugLog("broadcastLobbyUpdate: %d players, %d role slots", len(players), total)

	payload := marshalEnvelope("lobby", data)
	if payload == nil {
		return
	}
	for _, id := range members {
		hub.sendToPlayer(id, payload)
	}
}

func handleWSUpdateRole(client *Client, msg WSMessage) {
	if engine.ActiveGameID() != "" {
		log.Printf("Cannot update roles: a game is already running")
		sendErrorToast(client.playerID, "Cannot update roles: game already started")
		return
	}

	role := Role(msg.Role)
	if !validRole(role) {
		sendErrorToast(client.playerID, "Unknown role")
		return
	}
	delta := msg.Delta

	var current int
	err := db.Get(&current, "SELECT count FROM lobby_role_config WHERE role = ?", role)

	if err == sql.ErrNoRows {
		if delta == "1" {
			db.Exec("INSERT INTO lobby_role_config (role, count) VALUES (?, 1)", role)
			DebugLog("handleWSUpdateRole: added role %s (count: 1)", role)
		}
	} else if err == nil {
		newCount := current
		if delta == "1" {
			newCount++
		} else if delta == "-1" && newCount > 0 {
			newCount--
		}
		if newCount > 0 {
			db.Exec("UPDATE lobby_role_config SET count = ? WHERE role = ?", newCount, role)
			DebugLog("handleWSUpdateRole: role %s count now %d", role, newCount)
		} else {
			db.Exec("DELETE FROM lobby_role_config WHERE role = ?", role)
			DebugLog("handleWSUpdateRole: removed role %s", role)
		}
	} else {
		logError("handleWSUpdateRole: db.Get", err)
		sendErrorToast(client.playerID, "Something went wrong")
		return
	}

	LogDBState("after role update")
	broadcastLobbyUpdate()
}

func handleWSStartGame(client *Client) {
	if engine.ActiveGameID() != "" {
		log.Printf("Cannot start: a game is already running")
		sendErrorToast(client.playerID, "Game already started")
		return
	}

	members := lobby.snapshot()
	log.Printf("Starting game with %d lobby players", len(members))

	if len(members) < 4 {
		sendErrorToast(client.playerID, "Need at least 4 players to start")
		return
	}

	dist := getRoleConfig()
	settings := gameSettings
	settings.Roles = dist

	gameID := uuid.NewString()
	_, err := engine.CreateGame(gameID, members, settings)
	if err != nil {
		logError("handleWSStartGame: CreateGame", err)
		sendErrorToast(client.playerID, userMessage(err))
		return
	}

	lobby.clear()
	log.Printf("Game %s started with %d players, entering day 1", gameID, len(members))
	LogDBState("after game start")

	gameClock.watch(gameID)
	broadcastGameState(gameID)
	narratePhase(gameID, PhaseDay, 1, nil)
}
