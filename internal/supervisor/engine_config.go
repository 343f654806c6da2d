package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/parley-labs/internal/domain"
)

// ExperimentPrefix names the engine's per-game output directory.
const ExperimentPrefix = "human_ui"

// SeatArgs identifies one HTTP player for the engine.
type SeatArgs struct {
	URL        string `json:"url"`
	PublicName string `json:"public_name"`
	PlayerID   int    `json:"player_id,omitempty"`
}

// EngineConfig is the startup file the engine reads with -c.
type EngineConfig struct {
	Player1Type    string         `json:"player_1_type"`
	Player1Args    SeatArgs       `json:"player_1_args"`
	Player2Type    string         `json:"player_2_type"`
	Player2Args    SeatArgs       `json:"player_2_args"`
	GameType       string         `json:"game_type"`
	ExperimentName string         `json:"experiment_name"`
	GameArgs       map[string]any `json:"game_args"`
}

// ExperimentName returns the engine experiment name for a session.
func ExperimentName(sessionID string) string {
	return ExperimentPrefix + "_" + sessionID
}

// HumanSeatURL is the callback base the engine posts to; the engine appends
// /chat itself.
func HumanSeatURL(publicURL, sessionID string) string {
	return strings.TrimRight(publicURL, "/") + "/session/" + sessionID
}

// BuildEngineConfig places the human seat on the session's side and the
// opponent on the other. requestTimeoutSecs is the engine's per-request HTTP
// timeout.
func BuildEngineConfig(s domain.Session, publicURL string, requestTimeoutSecs int) EngineConfig {
	human := HumanSeatURL(publicURL, s.ID)
	p1, p2 := human, s.OpponentURL
	if s.PlayerRole == domain.RoleBob {
		p1, p2 = s.OpponentURL, human
	}

	args := s.Params.EngineArgs()
	args["delta_1"] = s.Params.Delta1
	args["delta_2"] = s.Params.Delta2
	args["timeout"] = requestTimeoutSecs

	return EngineConfig{
		Player1Type:    "http",
		Player1Args:    SeatArgs{URL: p1, PublicName: domain.RoleAlice.PublicName()},
		Player2Type:    "http",
		Player2Args:    SeatArgs{URL: p2, PublicName: domain.RoleBob.PublicName(), PlayerID: 3},
		GameType:       string(s.GameFamily),
		ExperimentName: ExperimentName(s.ID),
		GameArgs:       args,
	}
}

// Layout is where a session's engine files live.
type Layout struct {
	Dir        string
	ConfigPath string
	StdoutPath string
	StderrPath string
}

// SessionLayout returns the file layout under dataDir.
func SessionLayout(dataDir, sessionID string) Layout {
	dir := filepath.Join(dataDir, ExperimentName(sessionID))
	return Layout{
		Dir:        dir,
		ConfigPath: filepath.Join(dir, "engine_config.json"),
		StdoutPath: filepath.Join(dir, "stdout.log"),
		StderrPath: filepath.Join(dir, "stderr.log"),
	}
}

// writeConfig creates the session directory and writes cfg into it.
func writeConfig(l Layout, cfg EngineConfig) error {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode engine config: %w", err)
	}
	if err := os.WriteFile(l.ConfigPath, data, 0o644); err != nil {
		return fmt.Errorf("write engine config: %w", err)
	}
	return nil
}
