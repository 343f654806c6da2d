// Package domain contains the core types shared by the bridge, the registry and
// the HTTP layers.
package domain

import (
	"time"
)

// GameFamily selects the engine's game type.
type GameFamily string

const (
	GameBargaining  GameFamily = "bargaining"
	GameNegotiation GameFamily = "negotiation"
	GamePersuasion  GameFamily = "persuasion"
)

// Valid reports whether f is a known game family.
func (f GameFamily) Valid() bool {
	switch f {
	case GameBargaining, GameNegotiation, GamePersuasion:
		return true
	}
	return false
}

// PlayerRole is the seat the human plays.
type PlayerRole string

const (
	RoleAlice PlayerRole = "alice"
	RoleBob   PlayerRole = "bob"
)

// Valid reports whether r is alice or bob.
func (r PlayerRole) Valid() bool {
	return r == RoleAlice || r == RoleBob
}

// Rival returns the opposite seat.
func (r PlayerRole) Rival() PlayerRole {
	if r == RoleAlice {
		return RoleBob
	}
	return RoleAlice
}

// PublicName is the capitalized name the engine uses for the seat.
func (r PlayerRole) PublicName() string {
	if r == RoleBob {
		return "Bob"
	}
	return "Alice"
}

// AssistMode controls whether advice endpoints are offered to the viewer.
type AssistMode string

const (
	AssistNone       AssistMode = "none"
	AssistAIAssisted AssistMode = "ai_assisted"
)

// Valid reports whether m is a known assist mode.
func (m AssistMode) Valid() bool {
	return m == AssistNone || m == AssistAIAssisted
}

// Status is the session lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError
}

// Outcome classifies how a game ended.
type Outcome string

const (
	OutcomeDeal   Outcome = "deal"
	OutcomeNoDeal Outcome = "no_deal"
	OutcomeError  Outcome = "error"
)

// GameParams are the knobs handed to the engine.
type GameParams struct {
	MoneyToDivide       int     `json:"money_to_divide"`
	MaxRounds           int     `json:"max_rounds"`
	Delta1              float64 `json:"delta_1"`
	Delta2              float64 `json:"delta_2"`
	CompleteInformation bool    `json:"complete_information"`
	MessagesAllowed     bool    `json:"messages_allowed"`
}

// DefaultGameParams mirrors the engine's standard bargaining setup.
func DefaultGameParams() GameParams {
	return GameParams{
		MoneyToDivide:       10000,
		MaxRounds:           12,
		Delta1:              0.95,
		Delta2:              0.95,
		CompleteInformation: true,
		MessagesAllowed:     true,
	}
}

// EngineArgs returns the game_args block of the engine config, without the
// discount factors which the engine expects alongside.
func (p GameParams) EngineArgs() map[string]any {
	return map[string]any{
		"money_to_divide":      p.MoneyToDivide,
		"max_rounds":           p.MaxRounds,
		"complete_information": p.CompleteInformation,
		"messages_allowed":     p.MessagesAllowed,
	}
}

// Result is attached to a session once it is terminal.
type Result struct {
	Outcome    Outcome   `json:"outcome"`
	AliceGain  int       `json:"final_alice"`
	BobGain    int       `json:"final_bob"`
	Error      string    `json:"error,omitempty"`
	ExitCode   int       `json:"exit_code"`
	FinishedAt time.Time `json:"finished_at"`
}

// Session is one game instance.
type Session struct {
	ID          string     `json:"session_id"`
	GameFamily  GameFamily `json:"game_family"`
	PlayerRole  PlayerRole `json:"player_role"`
	OpponentURL string     `json:"ai_server_url"`
	Params      GameParams `json:"game_args"`
	AssistMode  AssistMode `json:"assist_mode"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	Result      *Result    `json:"result,omitempty"`
}

// Summary is the list view of a session.
type Summary struct {
	ID         string     `json:"session_id"`
	GameFamily GameFamily `json:"game_family"`
	PlayerRole PlayerRole `json:"player_role"`
	Status     Status     `json:"status"`
	AssistMode AssistMode `json:"assist_mode"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Summary returns the list view of s.
func (s Session) Summary() Summary {
	return Summary{
		ID:         s.ID,
		GameFamily: s.GameFamily,
		PlayerRole: s.PlayerRole,
		Status:     s.Status,
		AssistMode: s.AssistMode,
		CreatedAt:  s.CreatedAt,
	}
}
