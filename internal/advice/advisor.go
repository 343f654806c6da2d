// Package advice produces suggested splits and messages for the human
// player. A text-completion provider is asked once; any failure falls back to
// a deterministic local heuristic, so Advise never returns an error.
package advice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tiktoken-go/tokenizer"

	"github.com/ashureev/parley-labs/internal/domain"
	"github.com/ashureev/parley-labs/internal/extract"
)

const (
	// DefaultTimeout bounds one provider call.
	DefaultTimeout = 20 * time.Second
	// DefaultMaxPromptTokens keeps prompts well under small context windows.
	DefaultMaxPromptTokens = 2000

	contextTurns     = 10
	contextTurnChars = 200
	defaultPot       = 10000

	// FallbackMessage is suggested when no provider reply is usable.
	FallbackMessage = "I think a fair split would benefit us both. Let's find a deal we can agree on."
)

// ErrInvalidRequest is returned by Request.Validate.
var ErrInvalidRequest = errors.New("invalid suggestion request")

// Kind selects what to suggest.
type Kind string

const (
	KindSplit   Kind = "split"
	KindMessage Kind = "message"
)

// ToneModifier nudges the style of a suggestion.
type ToneModifier string

const (
	MoreCredible   ToneModifier = "more_credible"
	LessCredible   ToneModifier = "less_credible"
	MoreLogical    ToneModifier = "more_logical"
	LessLogical    ToneModifier = "less_logical"
	MoreAggressive ToneModifier = "more_aggressive"
	LessAggressive ToneModifier = "less_aggressive"
	MoreEmotional  ToneModifier = "more_emotional"
	LessEmotional  ToneModifier = "less_emotional"
)

// Valid reports whether m is a known modifier.
func (m ToneModifier) Valid() bool {
	switch m {
	case MoreCredible, LessCredible, MoreLogical, LessLogical,
		MoreAggressive, LessAggressive, MoreEmotional, LessEmotional:
		return true
	}
	return false
}

// Phrase turns more_credible into "more credible".
func (m ToneModifier) Phrase() string {
	s := string(m)
	s = strings.Replace(s, "more_", "more ", 1)
	s = strings.Replace(s, "less_", "less ", 1)
	return s
}

// Request is one suggestion ask.
type Request struct {
	Kind           Kind
	ToneModifiers  []ToneModifier
	CurrentMessage string
	Messages       []domain.Message
	GameParams     map[string]any
	PlayerRole     domain.PlayerRole
}

// Validate rejects unknown kinds and modifiers.
func (r Request) Validate() error {
	if r.Kind != KindSplit && r.Kind != KindMessage {
		return fmt.Errorf("%w: suggest_type must be %q or %q", ErrInvalidRequest, KindSplit, KindMessage)
	}
	for _, m := range r.ToneModifiers {
		if !m.Valid() {
			return fmt.Errorf("%w: unknown tone modifier %q", ErrInvalidRequest, m)
		}
	}
	return nil
}

// Split is a suggested division of the pot.
type Split struct {
	Alice int `json:"alice"`
	Bob   int `json:"bob"`
}

// Suggestion is what the viewer receives.
type Suggestion struct {
	Split    *Split `json:"suggested_split,omitempty"`
	Message  string `json:"suggested_message,omitempty"`
	Fallback bool   `json:"fallback"`
}

// Provider is a single-shot text completion.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Option configures an Advisor.
type Option func(*Advisor)

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(a *Advisor) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithMaxPromptTokens caps the prompt size; oldest context turns are
// dropped first.
func WithMaxPromptTokens(n int) Option {
	return func(a *Advisor) {
		if n > 0 {
			a.maxPromptTokens = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Advisor) {
		if l != nil {
			a.logger = l
		}
	}
}

// Advisor builds prompts and interprets provider replies.
type Advisor struct {
	provider        Provider
	timeout         time.Duration
	maxPromptTokens int
	codec           tokenizer.Codec
	logger          *slog.Logger
}

// New creates an Advisor. provider may be nil, in which case every
// suggestion is the fallback.
func New(provider Provider, opts ...Option) *Advisor {
	a := &Advisor{
		provider:        provider,
		timeout:         DefaultTimeout,
		maxPromptTokens: DefaultMaxPromptTokens,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		a.logger.Warn("Tokenizer unavailable, prompt budget disabled", "error", err)
	} else {
		a.codec = codec
	}
	return a
}

// Advise returns a suggestion. It never fails; the Fallback field reports
// whether the provider's answer was used.
func (a *Advisor) Advise(ctx context.Context, req Request) Suggestion {
	pot := potOf(req.GameParams)
	if a.provider == nil {
		return fallback(req.Kind, pot, req.PlayerRole)
	}

	prompt := a.budgetedPrompt(req, pot)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	text, err := a.provider.Complete(callCtx, prompt)
	if err != nil {
		a.logger.Warn("Advice provider call failed, using fallback", "kind", req.Kind, "error", err)
		return fallback(req.Kind, pot, req.PlayerRole)
	}
	text = strings.TrimSpace(text)

	if req.Kind == KindSplit {
		split, ok := ParseSplit(text, pot)
		if !ok {
			a.logger.Warn("Advice provider reply had no usable split, using fallback", "reply", extract.Truncate(text, 200))
			return fallback(req.Kind, pot, req.PlayerRole)
		}
		return Suggestion{Split: &split}
	}
	if text == "" {
		return fallback(req.Kind, pot, req.PlayerRole)
	}
	return Suggestion{Message: text}
}

// budgetedPrompt drops the oldest context turns until the prompt fits.
func (a *Advisor) budgetedPrompt(req Request, pot float64) string {
	turns := req.Messages
	if len(turns) > contextTurns {
		turns = turns[len(turns)-contextTurns:]
	}
	for {
		prompt := BuildPrompt(req, pot, turns)
		if a.codec == nil || len(turns) == 0 {
			return prompt
		}
		ids, _, err := a.codec.Encode(prompt)
		if err != nil || len(ids) <= a.maxPromptTokens {
			return prompt
		}
		turns = turns[1:]
	}
}

// BuildPrompt renders the provider prompt for req using the given context
// turns.
func BuildPrompt(req Request, pot float64, turns []domain.Message) string {
	player := req.PlayerRole.PublicName()
	rival := req.PlayerRole.Rival().PublicName()
	tone := ToneClause(req.ToneModifiers)

	var conv strings.Builder
	for _, m := range turns {
		fmt.Fprintf(&conv, "[%s]: %s\n", m.Role, extract.Truncate(m.Content, contextTurnChars))
	}

	var b strings.Builder
	if req.Kind == KindSplit {
		fmt.Fprintf(&b, "You are advising %s in a bargaining game. ", player)
		fmt.Fprintf(&b, "The total amount to divide is $%s. ", formatMoney(pot))
		fmt.Fprintf(&b, "%s's discount factor (delta) is %s. ", player, discountFactor(req.GameParams, req.PlayerRole))
		fmt.Fprintf(&b, "\n\nConversation so far:\n%s\n", conv.String())
		fmt.Fprintf(&b, "Suggest a fair but strategic split.%s ", tone)
		b.WriteString(`Reply with ONLY a JSON object: {"alice_gain": <number>, "bob_gain": <number>} `)
		fmt.Fprintf(&b, "where the values sum to %s.", formatPlain(pot))
		return b.String()
	}

	fmt.Fprintf(&b, "You are advising %s in a bargaining game against %s. ", player, rival)
	fmt.Fprintf(&b, "The total amount is $%s. ", formatMoney(pot))
	fmt.Fprintf(&b, "\n\nConversation so far:\n%s\n", conv.String())
	fmt.Fprintf(&b, "Current draft message: %q\n", req.CurrentMessage)
	fmt.Fprintf(&b, "Write a persuasive message from %s to %s.%s ", player, rival, tone)
	b.WriteString("Reply with ONLY the message text (no JSON, no quotes).")
	return b.String()
}

// ToneClause joins modifiers into " Style: be X, Y.", or "" when empty.
func ToneClause(mods []ToneModifier) string {
	if len(mods) == 0 {
		return ""
	}
	parts := make([]string, 0, len(mods))
	for _, m := range mods {
		parts = append(parts, m.Phrase())
	}
	return " Style: be " + strings.Join(parts, ", ") + "."
}

var splitPattern = regexp.MustCompile(`(?s)\{.*?\}`)

// ParseSplit reads the first {...} object in text and rescales its gains so
// they sum exactly to pot. Negative gains or a non-positive total are not
// usable.
func ParseSplit(text string, pot float64) (Split, bool) {
	fragment := splitPattern.FindString(text)
	if fragment == "" {
		return Split{}, false
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(fragment), &fields); err != nil {
		return Split{}, false
	}
	alice, ok := numberField(fields, "alice_gain", pot*0.6)
	if !ok {
		return Split{}, false
	}
	bob, ok := numberField(fields, "bob_gain", pot*0.4)
	if !ok {
		return Split{}, false
	}
	if alice < 0 || bob < 0 || alice+bob <= 0 {
		return Split{}, false
	}
	return Normalize(alice, bob, pot), true
}

// Normalize rescales a and b proportionally so they sum to pot. A
// non-positive total splits the pot evenly.
func Normalize(a, b, pot float64) Split {
	total := a + b
	if total <= 0 {
		a, b, total = 1, 1, 2
	}
	alice := int(math.Round(a / total * pot))
	return Split{Alice: alice, Bob: int(math.Round(pot)) - alice}
}

func numberField(fields map[string]any, key string, def float64) (float64, bool) {
	v, present := fields[key]
	if !present {
		return def, true
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(n, ",", "")), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// fallback favours the asking side 60/40.
func fallback(kind Kind, pot float64, role domain.PlayerRole) Suggestion {
	if kind != KindSplit {
		return Suggestion{Message: FallbackMessage, Fallback: true}
	}
	major, minor := int(math.Round(pot*0.6)), int(math.Round(pot*0.4))
	if role == domain.RoleBob {
		return Suggestion{Split: &Split{Alice: minor, Bob: major}, Fallback: true}
	}
	return Suggestion{Split: &Split{Alice: major, Bob: minor}, Fallback: true}
}

func potOf(params map[string]any) float64 {
	switch v := params["money_to_divide"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return defaultPot
}

// discountFactor picks delta_player_1 for Alice and delta_player_2 for Bob,
// then a generic delta, then "unknown".
func discountFactor(params map[string]any, role domain.PlayerRole) string {
	key := "delta_player_1"
	if role == domain.RoleBob {
		key = "delta_player_2"
	}
	if v, ok := params[key]; ok {
		return fmt.Sprint(v)
	}
	if v, ok := params["delta"]; ok {
		return fmt.Sprint(v)
	}
	return "unknown"
}

func formatMoney(pot float64) string {
	if pot == math.Trunc(pot) {
		return humanize.Comma(int64(pot))
	}
	return humanize.Commaf(pot)
}

func formatPlain(pot float64) string {
	if pot == math.Trunc(pot) {
		return strconv.FormatInt(int64(pot), 10)
	}
	return strconv.FormatFloat(pot, 'f', -1, 64)
}
