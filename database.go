package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
)

var db *sqlx.DB

// PlayerRecord is an account row. Accounts outlive games; a player keeps the
// same id across every match they join.
type PlayerRecord struct {
	ID         int64  `db:"id"`
	Name       string `db:"name"`
	SecretCode string `db:"secret_code"`
}

type gameRow struct {
	ID        string `db:"id"`
	Phase     string `db:"phase"`
	DayNumber int    `db:"day_number"`
	Settings  string `db:"settings"`
	Version   int64  `db:"version"`
}

type gamePlayerRow struct {
	GameID   string `db:"game_id"`
	PlayerID int64  `db:"player_id"`
	Role     string `db:"role"`
	IsAlive  bool   `db:"is_alive"`
}

type gameEventRow struct {
	GameID  string `db:"game_id"`
	Seq     int    `db:"seq"`
	Payload string `db:"payload"`
}

func getPlayerByName(name string) (PlayerRecord, error) {
	var p PlayerRecord
	err := db.Get(&p, "SELECT rowid as id, name, secret_code FROM player WHERE name = ?", name)
	return p, err
}

func getPlayerByID(id int64) (PlayerRecord, error) {
	var p PlayerRecord
	err := db.Get(&p, "SELECT rowid as id, name, secret_code FROM player WHERE rowid = ?", id)
	return p, err
}

func getPlayerName(id int64) string {
	var name string
	db.Get(&name, "SELECT name FROM player WHERE rowid = ?", id)
	return name
}

// sqlStore persists game aggregates with optimistic versioning. The engine
// calls SaveGame with the game lock held, so reads of the unexported fields
// are safe here.
type sqlStore struct{}

func (s *sqlStore) SaveGame(g *Game) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin save game %s: %w", g.ID, err)
	}
	defer tx.Rollback()

	settings, err := json.Marshal(g.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings for game %s: %w", g.ID, err)
	}

	res, err := tx.Exec(`
		UPDATE game SET phase = ?, day_number = ?, settings = ?, version = ?
		WHERE id = ? AND version = ?`,
		g.Phase, g.DayNumber, string(settings), g.version+1, g.ID, g.version)
	if err != nil {
		return fmt.Errorf("update game %s: %w", g.ID, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		var count int
		if err := tx.Get(&count, "SELECT COUNT(*) FROM game WHERE id = ?", g.ID); err != nil {
			return fmt.Errorf("check game %s: %w", g.ID, err)
		}
		if count > 0 {
			// Someone else wrote version g.version already.
			return errVersionConflict
		}
		if _, err := tx.Exec(`
			INSERT INTO game (id, phase, day_number, settings, version)
			VALUES (?, ?, ?, ?, ?)`,
			g.ID, g.Phase, g.DayNumber, string(settings), g.version+1); err != nil {
			return fmt.Errorf("insert game %s: %w", g.ID, err)
		}
		for _, pid := range g.Players {
			if _, err := tx.Exec(`
				INSERT INTO game_player (game_id, player_id, role, is_alive)
				VALUES (?, ?, ?, ?)`,
				g.ID, pid, g.roles[pid], !g.eliminated[pid]); err != nil {
				return fmt.Errorf("insert game_player %s/%d: %w", g.ID, pid, err)
			}
		}
	} else {
		for _, pid := range g.Players {
			if _, err := tx.Exec(`
				UPDATE game_player SET is_alive = ? WHERE game_id = ? AND player_id = ?`,
				!g.eliminated[pid], g.ID, pid); err != nil {
				return fmt.Errorf("update game_player %s/%d: %w", g.ID, pid, err)
			}
		}
	}

	// The history is append-only, so only new entries need writing.
	for i := g.persistedEvents; i < len(g.history); i++ {
		payload, err := json.Marshal(g.history[i])
		if err != nil {
			return fmt.Errorf("marshal event %d for game %s: %w", i, g.ID, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO game_event (game_id, seq, payload) VALUES (?, ?, ?)`,
			g.ID, i, string(payload)); err != nil {
			return fmt.Errorf("insert event %d for game %s: %w", i, g.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit game %s: %w", g.ID, err)
	}

	g.version++
	g.persistedEvents = len(g.history)
	LogDBState("after save game " + g.ID)
	return nil
}

// loadActiveGames restores every unfinished game into the engine after a
// restart. The current phase's ledger and night book are replayed from the
// events stamped with the current phase and day; the phase timer restarts
// from its full duration since the old deadline died with the process.
func loadActiveGames(e *Engine, now time.Time) error {
	var games []gameRow
	if err := db.Select(&games, "SELECT id, phase, day_number, settings, version FROM game WHERE phase != 'finished'"); err != nil {
		return fmt.Errorf("load games: %w", err)
	}

	for _, row := range games {
		g, err := restoreGame(row, now)
		if err != nil {
			log.Printf("Skipping game %s: %v", row.ID, err)
			continue
		}
		e.adopt(g)
		log.Printf("Restored game %s: phase %s, day %d, %d players", g.ID, g.Phase, g.DayNumber, len(g.Players))
	}
	return nil
}

func restoreGame(row gameRow, now time.Time) (*Game, error) {
	var settings Settings
	if err := json.Unmarshal([]byte(row.Settings), &settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	var members []gamePlayerRow
	if err := db.Select(&members, `
		SELECT game_id, player_id, role, is_alive
		FROM game_player WHERE game_id = ? ORDER BY rowid`, row.ID); err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("no players on record")
	}

	g := &Game{
		ID:         row.ID,
		Phase:      Phase(row.Phase),
		DayNumber:  row.DayNumber,
		Settings:   settings,
		roles:      make(map[int64]Role),
		eliminated: make(map[int64]bool),
		votes:      newVoteLedger(),
		nights:     newNightBook(),
		acted:      make(map[int64]bool),
		version:    row.Version,
	}
	for _, m := range members {
		g.Players = append(g.Players, m.PlayerID)
		g.roles[m.PlayerID] = Role(m.Role)
		if !m.IsAlive {
			g.eliminated[m.PlayerID] = true
		}
	}

	var events []gameEventRow
	if err := db.Select(&events, `
		SELECT game_id, seq, payload FROM game_event
		WHERE game_id = ? ORDER BY seq`, row.ID); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	for _, er := range events {
		var ev GameEvent
		if err := json.Unmarshal([]byte(er.Payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event %d: %w", er.Seq, err)
		}
		g.history = append(g.history, ev)
	}
	g.persistedEvents = len(g.history)

	// Replay the in-flight phase's submissions from its events.
	for _, ev := range g.history {
		if ev.Phase != g.Phase || ev.DayNumber != g.DayNumber {
			continue
		}
		switch ev.Type {
		case EventVote:
			g.votes.cast(ev.ActorID, ev.TargetID, ev.Timestamp)
			g.acted[ev.ActorID] = true
		case EventUnvote:
			g.votes.retract(ev.ActorID)
		case EventRoleAction:
			if ability := ev.Data["action"]; ability != "" && ability != "skip" {
				g.nights.record(ev.ActorID, ability, ev.TargetID, ev.Timestamp)
			}
			g.acted[ev.ActorID] = true
		}
	}

	g.phaseDeadline = now.Add(settings.phaseDuration(g.Phase))
	return g, nil
}

func initDB() error {
	schema := `
	PRAGMA journal_mode=WAL;

	CREATE TABLE IF NOT EXISTS player (
		name TEXT UNIQUE NOT NULL,
		secret_code TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS session (
		token INTEGER PRIMARY KEY,
		player_id INTEGER NOT NULL,
		FOREIGN KEY (player_id) REFERENCES player(rowid)
	);
	CREATE TABLE IF NOT EXISTS game (
		id TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		day_number INTEGER NOT NULL,
		settings TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS game_player (
		game_id TEXT NOT NULL,
		player_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		is_alive INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (game_id) REFERENCES game(id),
		FOREIGN KEY (player_id) REFERENCES player(rowid),
		UNIQUE(game_id, player_id)
	);
	CREATE TABLE IF NOT EXISTS game_event (
		game_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		payload TEXT NOT NULL,
		FOREIGN KEY (game_id) REFERENCES game(id),
		UNIQUE(game_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_game_event_lookup ON game_event(game_id, seq);

	CREATE TABLE IF NOT EXISTS lobby_role_config (
		role TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := db.Exec(schema)
	if err != nil {
		log.Printf("initDB error: %v", err)
		return err
	}
	log.Printf("Database initialized successfully")
	return nil
}
