// Package admission implements the pre-trade checks applied to agent
// submissions before they reach the executor.
//
// The executor itself never rejects a BUY for lack of cash or a SELL for a
// small position: it resolves whatever share count is affordable or held.
// These checks turn obviously unfillable requests into client errors.
package admission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agentmarket/market-engine/internal/model"
)

var (
	// ErrInvalidAction is returned for anything other than BUY, SELL or HOLD.
	ErrInvalidAction = errors.New("admission: action must be BUY, SELL, or HOLD")

	// ErrCommentRequired is returned when a BUY or SELL carries no comment.
	ErrCommentRequired = errors.New("admission: comment is required for BUY and SELL")

	// ErrOwnInstrument is returned when an agent trades an instrument it listed.
	ErrOwnInstrument = errors.New("admission: cannot trade your own instrument")

	// ErrInsufficientBalance is returned when a BUY costs more than the balance.
	ErrInsufficientBalance = errors.New("admission: insufficient balance")

	// ErrInsufficientShares is returned when a SELL exceeds the held shares.
	ErrInsufficientShares = errors.New("admission: insufficient shares")
)

// Defaults carried over from the public trade endpoint.
var (
	DefaultMinSize   = decimal.NewFromFloat(0.1)
	DefaultMaxSize   = decimal.NewFromInt(1)
	DefaultSize      = decimal.NewFromFloat(0.5)
	DefaultReason    = "Agent trade decision"
	DefaultComment   = "No comment."
	MaxReasonLength  = 500
	MaxCommentLength = 200
)

// Checker validates trade submissions.
type Checker struct {
	// MinSize and MaxSize bound the trade intensity.
	MinSize decimal.Decimal
	MaxSize decimal.Decimal

	// DefaultSize is used when the request carries no usable size.
	DefaultSize decimal.Decimal
}

// NewChecker creates a checker with the standard bounds.
func NewChecker() *Checker {
	return &Checker{
		MinSize:     DefaultMinSize,
		MaxSize:     DefaultMaxSize,
		DefaultSize: DefaultSize,
	}
}

// ClampSize returns the size to trade with. A missing or zero size falls
// back to the default; anything else, negatives included, is clamped into
// [MinSize, MaxSize].
func (c *Checker) ClampSize(size decimal.NullDecimal) decimal.Decimal {
	if !size.Valid || size.Decimal.IsZero() {
		return c.DefaultSize
	}
	return decimal.Max(c.MinSize, decimal.Min(c.MaxSize, size.Decimal))
}

// Submission is a trade request as seen by the checks.
type Submission struct {
	Action  model.Action
	Size    decimal.Decimal // already clamped
	Comment string
}

// CheckRequest validates the parts of a submission that need no state.
func (c *Checker) CheckRequest(sub Submission) error {
	if !sub.Action.Valid() {
		return ErrInvalidAction
	}
	if sub.Action != model.ActionHold && strings.TrimSpace(sub.Comment) == "" {
		return ErrCommentRequired
	}
	return nil
}

// CheckState validates a submission against the agent, the instrument and
// the agent's current holding in it.
//
// Returns nil if the trade is admissible, or an error describing the violation.
func (c *Checker) CheckState(sub Submission, agent *model.Agent, ins *model.Instrument, holding int64) error {
	if ins.CreatorAgentID != "" && ins.CreatorAgentID == agent.ID {
		return ErrOwnInstrument
	}

	switch sub.Action {
	case model.ActionBuy:
		cost := sub.Size.Mul(ins.Price)
		if agent.Balance.LessThan(cost) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance,
				cost.StringFixed(2), agent.Balance.StringFixed(2))
		}
	case model.ActionSell:
		if decimal.NewFromInt(holding).LessThan(sub.Size) {
			return fmt.Errorf("%w: have %d, trying to sell %s", ErrInsufficientShares, holding, sub.Size)
		}
	}
	return nil
}

// NormalizeText trims the free-text fields, fills defaults and enforces
// the length limits.
func NormalizeText(reason, comment string) (string, string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultReason
	}
	comment = strings.TrimSpace(comment)
	if comment == "" {
		comment = DefaultComment
	}
	return truncate(reason, MaxReasonLength), truncate(comment, MaxCommentLength)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
