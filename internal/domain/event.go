package domain

import "time"

// Event types pushed to viewers.
const (
	EventGameState    = "game_state"
	EventGameFinished = "game_finished"
)

// GameStateEvent describes the turn a viewer should act on.
type GameStateEvent struct {
	Type        string         `json:"type"`
	SessionID   string         `json:"session_id"`
	TurnType    TurnType       `json:"turn_type"`
	RoundNumber int            `json:"round_number"`
	Messages    []Message      `json:"messages"`
	GameParams  map[string]any `json:"game_params"`
	PlayerRole  PlayerRole     `json:"player_role"`
	LastOffer   *Offer         `json:"last_offer"`
}

// GameFinishedEvent is the terminal broadcast for a session.
type GameFinishedEvent struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"session_id"`
	Outcome    Outcome `json:"outcome"`
	FinalAlice int     `json:"final_alice"`
	FinalBob   int     `json:"final_bob"`
	Stdout     string  `json:"stdout"`
	Stderr     string  `json:"stderr"`
}

// InteractionEvent is one append-only audit record.
type InteractionEvent struct {
	SessionID string         `json:"session_id"`
	Type      string         `json:"event_type"`
	Source    string         `json:"source"`
	ViewerID  string         `json:"viewer_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	ServerTS  time.Time      `json:"server_ts"`
}

// Interaction event sources.
const (
	SourceViewer = "viewer"
	SourceServer = "server"
)
