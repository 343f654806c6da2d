// Package extract recovers offers, decision prompts and final outcomes from
// the engine's free-form text. The engine's output is not a designed
// contract, so every function here is best-effort: failures yield the
// documented zero values instead of errors.
package extract

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/parley-labs/internal/domain"
)

var (
	aliceGainPattern = regexp.MustCompile(`(?i)#\s*Alice\s+gain:\s*([\d,]+(?:\.\d+)?)`)
	bobGainPattern   = regexp.MustCompile(`(?i)#\s*Bob\s+gain:\s*([\d,]+(?:\.\d+)?)`)
	messagePattern   = regexp.MustCompile(`#\s*\w+'s message:\s*(.+)`)

	// fragmentPattern matches flat {...} fragments, newlines included.
	fragmentPattern = regexp.MustCompile(`(?s)\{[^{}]*\}`)

	// groupedValuePattern matches a bare JSON value written with grouping
	// commas, e.g. `: 3,500,`. Quoted text such as message bodies is untouched.
	groupedValuePattern = regexp.MustCompile(`(:\s*)(\d{1,3}(?:,\d{3})+(?:\.\d+)?)(\s*[,}\]])`)
)

// IsDecisionTurn reports whether the engine is asking for accept/reject. The
// engine's own flag is trusted when set; otherwise the most recent system or
// user message is scanned for decision phrasing.
func IsDecisionTurn(flag bool, messages []domain.Message) bool {
	if flag {
		return true
	}
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != domain.RoleUser && m.Role != domain.RoleSystem {
			continue
		}
		content := strings.ToLower(m.Content)
		switch {
		case strings.Contains(content, "accept") && strings.Contains(content, "reject"):
			return true
		case strings.Contains(content, "do you accept"):
			return true
		case strings.Contains(content, `{"decision"`):
			return true
		}
		return false
	}
	return false
}

// LastOffer finds the most recent offer in the user/system messages. The
// assistant's own replies are skipped so a stale proposal is never echoed
// back as the standing offer.
func LastOffer(messages []domain.Message) (domain.Offer, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != domain.RoleUser && m.Role != domain.RoleSystem {
			continue
		}
		if offer, ok := labeledOffer(m.Content); ok {
			return offer, true
		}
		if offer, ok := fragmentOffer(m.Content); ok {
			return offer, true
		}
	}
	return domain.Offer{}, false
}

// labeledOffer parses the engine's "# Alice gain: 3,500" text format.
func labeledOffer(content string) (domain.Offer, bool) {
	am := aliceGainPattern.FindStringSubmatch(content)
	bm := bobGainPattern.FindStringSubmatch(content)
	if am == nil || bm == nil {
		return domain.Offer{}, false
	}
	alice, err := parseNumber(am[1])
	if err != nil {
		return domain.Offer{}, false
	}
	bob, err := parseNumber(bm[1])
	if err != nil {
		return domain.Offer{}, false
	}
	offer := domain.Offer{AliceGain: alice, BobGain: bob}
	if mm := messagePattern.FindStringSubmatch(content); mm != nil {
		offer.Message = strings.TrimSpace(mm[1])
	}
	return offer, true
}

// fragmentOffer returns the newest embedded fragment carrying gain keys.
func fragmentOffer(content string) (domain.Offer, bool) {
	fields, ok := lastGainFragment(content)
	if !ok {
		return domain.Offer{}, false
	}
	alice, _ := number(fields["alice_gain"])
	bob, _ := number(fields["bob_gain"])
	offer := domain.Offer{AliceGain: alice, BobGain: bob}
	if msg, ok := fields["message"].(string); ok {
		offer.Message = msg
	}
	return offer, true
}

// lastGainFragment scans every embedded {...} fragment, newest first, and
// returns the first one that decodes and has alice_gain or bob_gain.
func lastGainFragment(content string) (map[string]any, bool) {
	if !strings.Contains(content, "{") {
		return nil, false
	}
	fragments := fragmentPattern.FindAllString(content, -1)
	for i := len(fragments) - 1; i >= 0; i-- {
		fields, ok := decodeFragment(fragments[i])
		if !ok {
			continue
		}
		_, hasAlice := number(fields["alice_gain"])
		_, hasBob := number(fields["bob_gain"])
		if hasAlice || hasBob {
			return fields, true
		}
	}
	return nil, false
}

// decodeFragment parses a JSON object after removing grouping commas from
// numeric values. The engine sometimes writes 3,500 inside JSON.
func decodeFragment(fragment string) (map[string]any, bool) {
	cleaned := stripThousands(fragment)
	var fields map[string]any
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func stripThousands(s string) string {
	return groupedValuePattern.ReplaceAllStringFunc(s, func(m string) string {
		sm := groupedValuePattern.FindStringSubmatch(m)
		return sm[1] + strings.ReplaceAll(sm[2], ",", "") + sm[3]
	})
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}

// number coerces a decoded JSON value into a float.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := parseNumber(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Truncate cuts s to at most n characters.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
