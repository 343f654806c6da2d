package domain

// Message roles used by the engine protocol.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation entry exchanged with the engine.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnType tells the viewer which form to render.
type TurnType string

const (
	TurnProposal TurnType = "proposal"
	TurnDecision TurnType = "decision"
	TurnWaiting  TurnType = "waiting"
)

// Offer is a split extracted from the engine's messages.
type Offer struct {
	AliceGain float64 `json:"alice_gain"`
	BobGain   float64 `json:"bob_gain"`
	Message   string  `json:"message,omitempty"`
}

// EngineRequest is what the engine posts to a seat's /chat endpoint.
type EngineRequest struct {
	Messages   []Message      `json:"messages"`
	Decision   bool           `json:"decision"`
	GameParams map[string]any `json:"game_params"`
}

// EngineReply is the seat's answer. Response holds a JSON-encoded Answer, or
// the empty string when the turn timed out.
type EngineReply struct {
	Response string `json:"response"`
}

// NonSystemCount returns how many messages are not system prompts.
func NonSystemCount(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role != RoleSystem {
			n++
		}
	}
	return n
}
