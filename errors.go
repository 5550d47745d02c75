package main

import "errors"

// Engine errors. All of these are recoverable by the caller: the action or
// advance is rejected, no state is mutated, and no event is appended.
var (
	errGameNotFound          = errors.New("game not found or already finished")
	errVersionConflict       = errors.New("game version conflict, reload and retry")
	errConfigurationMismatch = errors.New("role distribution does not sum to player count")
	errPhaseResolved         = errors.New("phase already resolved")
)

// ActionReason identifies why the validator rejected an action.
type ActionReason string

const (
	ReasonPlayerNotInGame      ActionReason = "player_not_in_game"
	ReasonActorEliminated      ActionReason = "actor_eliminated"
	ReasonWrongPhaseForAction  ActionReason = "wrong_phase_for_action"
	ReasonTargetNotInGame      ActionReason = "target_not_in_game"
	ReasonTargetEliminated     ActionReason = "target_eliminated"
	ReasonSelfTargetNotAllowed ActionReason = "self_target_not_allowed"
)

// ActionError is returned by the validator so the transport layer can map
// each reason to a user-facing message without string matching.
type ActionError struct {
	Reason ActionReason
}

func (e *ActionError) Error() string {
	return "action rejected: " + string(e.Reason)
}

func actionErr(reason ActionReason) *ActionError {
	return &ActionError{Reason: reason}
}

// userMessage translates an engine error into a message suitable for a toast
// on the client. Unknown errors get a generic message.
func userMessage(err error) string {
	var ae *ActionError
	if errors.As(err, &ae) {
		switch ae.Reason {
		case ReasonPlayerNotInGame:
			return "You are not in this game"
		case ReasonActorEliminated:
			return "Eliminated players cannot act"
		case ReasonWrongPhaseForAction:
			return "That action is not allowed in the current phase"
		case ReasonTargetNotInGame:
			return "Target not found"
		case ReasonTargetEliminated:
			return "Cannot target an eliminated player"
		case ReasonSelfTargetNotAllowed:
			return "You cannot target yourself"
		}
	}
	switch {
	case errors.Is(err, errGameNotFound):
		return "No active game"
	case errors.Is(err, errConfigurationMismatch):
		return "Role count must match player count"
	}
	return "Something went wrong"
}
