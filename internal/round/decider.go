package round

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/model"
)

// Input is what a decider sees for one agent and one instrument.
type Input struct {
	Agent        model.Agent
	Persona      string
	Instrument   model.Instrument
	RecentTrades []model.Trade
}

// Decision is a decider's verdict. Size is a trade intensity and is clamped
// by the driver.
type Decision struct {
	Action  model.Action
	Size    decimal.Decimal
	Reason  string
	Comment string
}

// Decider produces trade decisions. An LLM-backed implementation lives
// outside this module; HeuristicDecider covers local runs.
type Decider interface {
	Decide(ctx context.Context, in Input) (Decision, error)
}

// HeuristicDecider applies a fixed rule per house agent, with random sizing.
type HeuristicDecider struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewHeuristicDecider creates a decider. seed 0 uses the current time.
func NewHeuristicDecider(seed int64) *HeuristicDecider {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &HeuristicDecider{rng: rand.New(rand.NewSource(seed))}
}

func (h *HeuristicDecider) float() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Float64()
}

// sizeIn returns a size uniformly drawn from [lo, lo+span], in tenths.
func (h *HeuristicDecider) sizeIn(lo, span float64) decimal.Decimal {
	return decimal.NewFromFloat(lo + h.float()*span).Round(1)
}

var (
	ten     = decimal.NewFromInt(10)
	fifteen = decimal.NewFromInt(15)
)

// Decide implements Decider. The instrument's trade count stands in for
// how active it is.
func (h *HeuristicDecider) Decide(_ context.Context, in Input) (Decision, error) {
	price := in.Instrument.Price
	activity := in.Instrument.TotalTrades
	roll := h.float()

	var dec Decision
	switch in.Agent.ID {
	case "hype-investor":
		dec.Action = pick(roll > 0.3, model.ActionBuy, model.ActionHold)
		dec.Size = h.sizeIn(0.5, 0.5)
		dec.Reason = fmt.Sprintf("%d trades of momentum. Builder energy.", activity)
		dec.Comment = "Bullish on the grind."
	case "the-skeptic":
		dec.Action = pick(roll > 0.6, model.ActionSell, model.ActionHold)
		dec.Size = h.sizeIn(0.3, 0.4)
		dec.Reason = "Where are the receipts?"
		dec.Comment = "Activity is not traction."
	case "value-investor":
		switch {
		case price.LessThan(ten):
			dec.Action = model.ActionBuy
		case price.GreaterThan(fifteen):
			dec.Action = model.ActionSell
		default:
			dec.Action = model.ActionHold
		}
		dec.Size = h.sizeIn(0.4, 0.3)
		dec.Reason = fmt.Sprintf("Valued at %s.", price.StringFixed(2))
		dec.Comment = "Price is what you pay."
	case "trend-chaser":
		dec.Action = pick(price.GreaterThan(ten), model.ActionBuy, model.ActionSell)
		dec.Size = h.sizeIn(0.6, 0.4)
		dec.Reason = fmt.Sprintf("Momentum at %s.", price.StringFixed(2))
		dec.Comment = "The trend is your friend."
	case "chaos-trader":
		dec.Action = []model.Action{model.ActionBuy, model.ActionSell, model.ActionHold}[int(roll*3)%3]
		dec.Size = h.sizeIn(0.1, 0.9)
		dec.Reason = fmt.Sprintf("The vibes say %s.", dec.Action)
		dec.Comment = "Order is an illusion."
	case "narrative-scout":
		dec.Action = pick(activity > 3, model.ActionBuy, model.ActionHold)
		dec.Size = h.sizeIn(0.4, 0.4)
		dec.Reason = fmt.Sprintf("%d chapters into the story.", activity)
		dec.Comment = "Every arc needs a turn."
	case "meme-lord":
		dec.Action = pick(roll > 0.4, model.ActionBuy, model.ActionHold)
		dec.Size = h.sizeIn(0.5, 0.5)
		dec.Reason = fmt.Sprintf("Meme score %d/10.", int(roll*10))
		dec.Comment = "Could go viral."
	case "sigma-grinder":
		dec.Action = pick(activity > 5, model.ActionBuy, model.ActionSell)
		dec.Size = h.sizeIn(0.6, 0.4)
		dec.Reason = fmt.Sprintf("%d trades of output.", activity)
		dec.Comment = pickString(activity > 5, "Respect the hustle.", "Stop talking, start shipping.")
	default:
		dec.Action = model.ActionHold
		dec.Size = decimal.NewFromFloat(0.3)
		dec.Reason = "Watching the market."
		dec.Comment = "Patience."
	}
	return dec, nil
}

func pick(cond bool, yes, no model.Action) model.Action {
	if cond {
		return yes
	}
	return no
}

func pickString(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}
