package extract

import (
	"math"
	"strings"

	"github.com/ashureev/parley-labs/internal/domain"
)

// DealMarker is the lowercase phrase the engine prints when an offer is
// accepted.
const DealMarker = "accepted the offer"

// Outcome is the classified end of a game.
type Outcome struct {
	Outcome   domain.Outcome
	AliceGain int
	BobGain   int
}

// ParseOutcome classifies the engine's captured stdout. A non-zero exit code
// is an error; without the deal marker there was no deal; otherwise the last
// embedded fragment with gain keys is the final payoff, since earlier ones
// may be superseded offers. Unparseable payoffs default to zero.
func ParseOutcome(stdout string, exitCode int) Outcome {
	if exitCode != 0 {
		return Outcome{Outcome: domain.OutcomeError}
	}
	if !strings.Contains(strings.ToLower(stdout), DealMarker) {
		return Outcome{Outcome: domain.OutcomeNoDeal}
	}

	out := Outcome{Outcome: domain.OutcomeDeal}
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !strings.Contains(line, "alice_gain") {
			continue
		}
		fields, ok := lastGainFragment(line)
		if !ok {
			continue
		}
		alice, _ := number(fields["alice_gain"])
		bob, _ := number(fields["bob_gain"])
		out.AliceGain = int(math.Round(alice))
		out.BobGain = int(math.Round(bob))
		break
	}
	return out
}
