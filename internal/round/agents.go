package round

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentmarket/market-engine/internal/market"
	"github.com/agentmarket/market-engine/internal/store"
)

// BuiltIn describes one of the house agents.
type BuiltIn struct {
	ID      string
	Name    string
	Avatar  string
	Persona string

	// Evaluations is how many instruments the agent looks at per round.
	Evaluations int
}

// BuiltIns is the house roster created by Seed.
var BuiltIns = []BuiltIn{
	{ID: "hype-investor", Name: "Hype Investor", Avatar: "🚀", Evaluations: 1,
		Persona: "An optimist who backs momentum and builders shipping in public."},
	{ID: "the-skeptic", Name: "The Skeptic", Avatar: "🤔", Evaluations: 1,
		Persona: "Demands receipts and sells vague claims."},
	{ID: "value-investor", Name: "Value Investor", Avatar: "📊", Evaluations: 1,
		Persona: "Buys below fair value and sells above it, ignoring the crowd."},
	{ID: "trend-chaser", Name: "Trend Chaser", Avatar: "📈", Evaluations: 2,
		Persona: "Buys what is rising and sells what is falling."},
	{ID: "chaos-trader", Name: "Chaos Trader", Avatar: "🎲", Evaluations: 3,
		Persona: "Trades on vibes and coincidence."},
	{ID: "narrative-scout", Name: "Narrative Scout", Avatar: "📖", Evaluations: 1,
		Persona: "Buys the most compelling story arc."},
	{ID: "meme-lord", Name: "Meme Lord", Avatar: "🐸", Evaluations: 1,
		Persona: "Rates everything by its meme potential."},
	{ID: "sigma-grinder", Name: "Sigma Grinder", Avatar: "💪", Evaluations: 1,
		Persona: "Buys output and sells talk."},
}

// lookup returns the roster entry for an agent id.
func lookup(agentID string) (BuiltIn, bool) {
	for _, b := range BuiltIns {
		if b.ID == agentID {
			return b, true
		}
	}
	return BuiltIn{}, false
}

// Seed registers every house agent that does not exist yet and returns how
// many were created.
func Seed(ctx context.Context, reg *market.Registry) (int, error) {
	created := 0
	for _, b := range BuiltIns {
		_, err := reg.RegisterAgent(ctx, market.AgentRequest{
			ID:          b.ID,
			Name:        b.Name,
			AvatarEmoji: b.Avatar,
			BuiltIn:     true,
		})
		if errors.Is(err, store.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", b.ID, err)
		}
		created++
	}
	return created, nil
}
