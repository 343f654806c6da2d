package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidAnswer is returned when a viewer payload cannot be turned into a
// well-formed engine answer.
var ErrInvalidAnswer = errors.New("invalid answer")

// Decision values accepted by the engine.
const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
)

// Answer is the human's reply to a pending turn, encoded for the engine.
type Answer interface {
	// Encode returns the JSON string carried in EngineReply.Response.
	Encode() (string, error)
	isAnswer()
}

// ProposalAnswer offers a split, with an optional free-text message.
type ProposalAnswer struct {
	AliceGain float64 `json:"alice_gain"`
	BobGain   float64 `json:"bob_gain"`
	Message   *string `json:"message,omitempty"`
}

// DecisionAnswer accepts or rejects the standing offer.
type DecisionAnswer struct {
	Decision string `json:"decision"`
}

func (ProposalAnswer) isAnswer() {}
func (DecisionAnswer) isAnswer() {}

// Encode implements Answer.
func (a ProposalAnswer) Encode() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode proposal: %w", err)
	}
	return string(b), nil
}

// Encode implements Answer.
func (a DecisionAnswer) Encode() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode decision: %w", err)
	}
	return string(b), nil
}

// ResponsePayload is the loosely shaped submission from a viewer, either over
// the WebSocket or the REST fallback.
type ResponsePayload struct {
	AliceGain *float64 `json:"alice_gain,omitempty"`
	BobGain   *float64 `json:"bob_gain,omitempty"`
	Message   *string  `json:"message,omitempty"`
	Decision  *string  `json:"decision,omitempty"`
}

// BuildAnswer validates p against the kind of turn that is pending. Messages
// are dropped silently when the game does not allow them.
func BuildAnswer(decisionTurn bool, p ResponsePayload, messagesAllowed bool) (Answer, error) {
	if decisionTurn {
		if p.Decision == nil {
			return nil, fmt.Errorf("%w: decision is required", ErrInvalidAnswer)
		}
		switch *p.Decision {
		case DecisionAccept, DecisionReject:
			return DecisionAnswer{Decision: *p.Decision}, nil
		default:
			return nil, fmt.Errorf("%w: decision must be %q or %q", ErrInvalidAnswer, DecisionAccept, DecisionReject)
		}
	}

	if p.AliceGain == nil || p.BobGain == nil {
		return nil, fmt.Errorf("%w: alice_gain and bob_gain are required", ErrInvalidAnswer)
	}
	if *p.AliceGain < 0 || *p.BobGain < 0 {
		return nil, fmt.Errorf("%w: gains must not be negative", ErrInvalidAnswer)
	}
	a := ProposalAnswer{AliceGain: *p.AliceGain, BobGain: *p.BobGain}
	if messagesAllowed && p.Message != nil {
		msg := *p.Message
		a.Message = &msg
	}
	return a, nil
}
