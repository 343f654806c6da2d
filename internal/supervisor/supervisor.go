// Package supervisor launches one engine per session, watches it until it
// exits and turns its captured output into the session's final result.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ashureev/parley-labs/internal/domain"
	"github.com/ashureev/parley-labs/internal/extract"
	"github.com/ashureev/parley-labs/internal/session"
)

const (
	// DefaultPollInterval is how often a monitor checks for engine exit.
	DefaultPollInterval = time.Second

	stdoutExcerpt = 1000
	stderrExcerpt = 500

	pollTimeout = 10 * time.Second
	killTimeout = 15 * time.Second
)

// Publisher delivers terminal events to viewers.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, event any) (int, error)
}

// TurnClearer drops a session's outstanding turn.
type TurnClearer interface {
	Clear(sessionID string)
}

// Recorder is the session's interaction log.
type Recorder interface {
	Record(sessionID, eventType, source string, payload map[string]any)
	Close(sessionID string)
}

// Config controls engine launches.
type Config struct {
	DataDir   string
	PublicURL string
	// RequestTimeout is the engine's per-request HTTP timeout.
	RequestTimeout time.Duration
	PollInterval   time.Duration
	// MaxGameDuration kills engines that run longer. Zero disables it.
	MaxGameDuration time.Duration
}

// Supervisor owns the monitor goroutines of all running engines.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	registry *session.Registry
	turns    TurnClearer
	hub      Publisher
	events   Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
	stop    chan struct{}
}

// New creates a supervisor.
func New(cfg Config, launcher Launcher, registry *session.Registry, turns TurnClearer, hub Publisher, events Recorder, logger *slog.Logger) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		registry: registry,
		turns:    turns,
		hub:      hub,
		events:   events,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start writes the engine config for s, launches the engine and begins
// monitoring it. On launch failure the session is moved to error.
func (s *Supervisor) Start(ctx context.Context, sess domain.Session) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return errors.New("supervisor is shutting down")
	}
	s.wg.Add(1)
	s.mu.Unlock()

	launched := false
	defer func() {
		if !launched {
			s.wg.Done()
		}
	}()

	layout := SessionLayout(s.cfg.DataDir, sess.ID)
	cfg := BuildEngineConfig(sess, s.cfg.PublicURL, int(s.cfg.RequestTimeout/time.Second))
	if err := writeConfig(layout, cfg); err != nil {
		s.fail(sess.ID, err)
		return err
	}

	proc, err := s.launcher.Launch(ctx, layout)
	if err != nil {
		s.fail(sess.ID, err)
		return fmt.Errorf("launch engine: %w", err)
	}
	if err := s.registry.AttachProcess(sess.ID, proc); err != nil {
		killCtx, cancel := context.WithTimeout(context.Background(), killTimeout)
		_ = proc.Kill(killCtx)
		cancel()
		_ = proc.Close()
		return fmt.Errorf("attach engine: %w", err)
	}

	s.logger.Info("Engine launched", "session_id", sess.ID, "config", layout.ConfigPath)
	s.events.Record(sess.ID, "engine_launched", domain.SourceServer, map[string]any{
		"experiment_name": cfg.ExperimentName,
	})

	launched = true
	go s.monitor(sess.ID, proc, layout)
	return nil
}

// fail ends a session that never got a running engine. Viewers still get
// the terminal event.
func (s *Supervisor) fail(sessionID string, cause error) {
	result := domain.Result{Outcome: domain.OutcomeError, Error: cause.Error(), ExitCode: -1}
	if err := s.registry.Transition(sessionID, domain.StatusError, result); err != nil {
		s.logger.Warn("Failed to mark session as error", "session_id", sessionID, "error", err)
	}
	s.turns.Clear(sessionID)
	s.announce(sessionID, result, "", extract.Truncate(cause.Error(), stderrExcerpt))
}

func (s *Supervisor) monitor(sessionID string, proc Process, layout Layout) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if s.cfg.MaxGameDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxGameDuration)
		defer timer.Stop()
		deadline = timer.C
	}
	stop := s.stop

	for {
		select {
		case <-ticker.C:
		case <-deadline:
			s.logger.Warn("Engine exceeded max game duration, killing", "session_id", sessionID, "limit", s.cfg.MaxGameDuration)
			s.kill(sessionID, proc)
			deadline = nil
			continue
		case <-stop:
			s.logger.Info("Killing engine on shutdown", "session_id", sessionID)
			s.kill(sessionID, proc)
			stop = nil
			continue
		}

		pollCtx, cancel := context.WithTimeout(context.Background(), pollTimeout)
		code, exited, err := proc.Poll(pollCtx)
		cancel()
		if err != nil {
			s.logger.Warn("Engine poll failed", "session_id", sessionID, "error", err)
			continue
		}
		if exited {
			s.finish(sessionID, proc, layout, code)
			return
		}
	}
}

func (s *Supervisor) kill(sessionID string, proc Process) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := proc.Kill(ctx); err != nil {
		s.logger.Warn("Failed to kill engine", "session_id", sessionID, "error", err)
	}
}

// finish runs exactly once per engine, from its monitor.
func (s *Supervisor) finish(sessionID string, proc Process, layout Layout, code int) {
	if err := proc.Close(); err != nil {
		s.logger.Warn("Failed to close engine output", "session_id", sessionID, "error", err)
	}
	stdout := readOutput(layout.StdoutPath)
	stderr := readOutput(layout.StderrPath)

	s.logger.Info("Engine exited", "session_id", sessionID, "exit_code", code)

	outcome := extract.ParseOutcome(stdout, code)
	status := domain.StatusFinished
	result := domain.Result{
		Outcome:   outcome.Outcome,
		AliceGain: outcome.AliceGain,
		BobGain:   outcome.BobGain,
		ExitCode:  code,
	}
	if code != 0 {
		status = domain.StatusError
		result.Error = extract.Truncate(stderr, stderrExcerpt)
	}

	if err := s.registry.Transition(sessionID, status, result); err != nil {
		s.logger.Warn("Failed to record session result", "session_id", sessionID, "error", err)
	}
	s.turns.Clear(sessionID)
	s.announce(sessionID, result, extract.Truncate(stdout, stdoutExcerpt), extract.Truncate(stderr, stderrExcerpt))
}

// announce logs the terminal event, closes the session's log and publishes
// game_finished to its viewers.
func (s *Supervisor) announce(sessionID string, result domain.Result, stdout, stderr string) {
	s.events.Record(sessionID, "game_finished", domain.SourceServer, map[string]any{
		"outcome":     result.Outcome,
		"final_alice": result.AliceGain,
		"final_bob":   result.BobGain,
		"exit_code":   result.ExitCode,
	})
	s.events.Close(sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()
	event := domain.GameFinishedEvent{
		Type:       domain.EventGameFinished,
		SessionID:  sessionID,
		Outcome:    result.Outcome,
		FinalAlice: result.AliceGain,
		FinalBob:   result.BobGain,
		Stdout:     stdout,
		Stderr:     stderr,
	}
	if _, err := s.hub.Publish(ctx, sessionID, event); err != nil {
		s.logger.Warn("Failed to publish game_finished", "session_id", sessionID, "error", err)
	}
}

func readOutput(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// Shutdown kills every live engine and waits for the monitors to record
// their results, or for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closing {
		s.closing = true
		close(s.stop)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for engine monitors: %w", ctx.Err())
	}
}
