package main

import (
	"testing"
	"time"
)

func TestSaveGamePersistsAndRestores(t *testing.T) {
	ctx := newTestContext(t)

	players := []int64{1, 2, 3, 4}
	if _, err := ctx.engine.CreateGame("persist-1", players, standardSettings()); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	mustAdvance(t, ctx.engine, "persist-1", PhaseDay, 1)
	mustAct(t, ctx.engine, "persist-1", PlayerAction{Type: ActionVote, PlayerID: 1, TargetID: 2})

	// A second engine restoring from the same database should see the same
	// phase, roles, and the replayed in-flight vote.
	restored := newEngine(&sqlStore{}, nil)
	if err := loadActiveGames(restored, time.Now()); err != nil {
		t.Fatalf("loadActiveGames: %v", err)
	}

	update, err := restored.Snapshot("persist-1")
	if err != nil {
		t.Fatalf("Snapshot after restore: %v", err)
	}
	if update.Phase != PhaseVoting || update.DayNumber != 1 {
		t.Errorf("restored phase: got %s day %d, want voting day 1", update.Phase, update.DayNumber)
	}
	if len(update.Votes) != 1 || update.Votes[0].VoterID != 1 || update.Votes[0].TargetID != 2 {
		t.Errorf("restored votes: got %+v", update.Votes)
	}
	for _, pid := range players {
		if restored.Role("persist-1", pid) != ctx.engine.Role("persist-1", pid) {
			t.Errorf("player %d role changed across restore", pid)
		}
	}
}

func TestSaveGameVersionConflict(t *testing.T) {
	ctx := newTestContext(t)

	if _, err := ctx.engine.CreateGame("conflict-1", []int64{1, 2, 3, 4}, standardSettings()); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	// A writer holding a stale version must be rejected.
	stale := &Game{
		ID:         "conflict-1",
		Phase:      PhaseDay,
		DayNumber:  1,
		Players:    []int64{1, 2, 3, 4},
		roles:      map[int64]Role{1: RoleMafia, 2: RoleVillager, 3: RoleVillager, 4: RoleVillager},
		eliminated: make(map[int64]bool),
		version:    0,
	}
	store := &sqlStore{}
	if err := store.SaveGame(stale); err != errVersionConflict {
		t.Errorf("stale save: got %v, want errVersionConflict", err)
	}
}

func TestLoadActiveGamesSkipsFinished(t *testing.T) {
	ctx := newTestContext(t)

	if _, err := ctx.engine.CreateGame("done-1", []int64{1, 2, 3, 4}, standardSettings()); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}

	// Eliminate two players to finish the game: vote out the detective,
	// then let the mafia kill the doctor.
	mafia := playerWithRole(t, ctx.engine, "done-1", RoleMafia)
	detective := playerWithRole(t, ctx.engine, "done-1", RoleDetective)
	doctor := playerWithRole(t, ctx.engine, "done-1", RoleDoctor)
	villager := playerWithRole(t, ctx.engine, "done-1", RoleVillager)

	mustAdvance(t, ctx.engine, "done-1", PhaseDay, 1)
	mustAct(t, ctx.engine, "done-1", PlayerAction{Type: ActionVote, PlayerID: mafia, TargetID: detective})
	mustAct(t, ctx.engine, "done-1", PlayerAction{Type: ActionVote, PlayerID: doctor, TargetID: detective})
	mustAct(t, ctx.engine, "done-1", PlayerAction{Type: ActionVote, PlayerID: villager, TargetID: detective})
	mustAdvance(t, ctx.engine, "done-1", PhaseVoting, 1)
	mustAct(t, ctx.engine, "done-1", PlayerAction{Type: ActionNight, PlayerID: mafia, TargetID: doctor})
	mustAdvance(t, ctx.engine, "done-1", PhaseNight, 1)

	if result := ctx.engine.Result("done-1"); result == nil {
		t.Fatal("game should be finished after two eliminations")
	}

	restored := newEngine(&sqlStore{}, nil)
	if err := loadActiveGames(restored, time.Now()); err != nil {
		t.Fatalf("loadActiveGames: %v", err)
	}
	if _, err := restored.Snapshot("done-1"); err != errGameNotFound {
		t.Errorf("finished game should not be restored, got %v", err)
	}
}
