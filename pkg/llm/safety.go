package llm

import (
	"context"
	"math/big"
	"regexp"
	"strings"
)

// SafetyVerdict is the outcome of a safety check. Cost is charged whether or
// not the content is safe.
type SafetyVerdict struct {
	Safe   bool
	Reason string
	Cost   *big.Int
}

// SafetyChecker screens input before it is sent to a provider
type SafetyChecker interface {
	Check(ctx context.Context, text string) (SafetyVerdict, error)
}

// KeywordSafetyChecker rejects text matching any deny-listed pattern
type KeywordSafetyChecker struct {
	patterns []*regexp.Regexp
	cost     int64
}

// NewKeywordSafetyChecker compiles terms as case-insensitive whole-word
// patterns. costPerCheck is charged on every check.
func NewKeywordSafetyChecker(terms []string, costPerCheck int64) (*KeywordSafetyChecker, error) {
	c := &KeywordSafetyChecker{cost: costPerCheck}
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
		if err != nil {
			return nil, err
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

func (c *KeywordSafetyChecker) Check(ctx context.Context, text string) (SafetyVerdict, error) {
	if err := ctx.Err(); err != nil {
		return SafetyVerdict{}, err
	}
	v := SafetyVerdict{Safe: true, Cost: big.NewInt(c.cost)}
	for _, re := range c.patterns {
		if m := re.FindString(text); m != "" {
			v.Safe = false
			v.Reason = "matched deny-listed term " + strings.ToLower(m)
			break
		}
	}
	return v, nil
}

// AllowAll accepts everything at no cost
type AllowAll struct{}

func (AllowAll) Check(context.Context, string) (SafetyVerdict, error) {
	return SafetyVerdict{Safe: true, Cost: new(big.Int)}, nil
}

// TokenEstimator approximates the token count of text
type TokenEstimator interface {
	Estimate(text string) int
}

// HeuristicTokenEstimator assumes about four characters per token
type HeuristicTokenEstimator struct{}

func (HeuristicTokenEstimator) Estimate(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}
