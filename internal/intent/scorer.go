// Package intent scores customer intent from recent final transcripts.
package intent

import (
	"context"
	"strings"
)

// Unknown is returned when no intent applies.
const Unknown = "unknown"

// MinTextLength is the shortest text worth scoring.
const MinTextLength = 10

// Result is a scored intent.
type Result struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Found reports whether r names a real intent.
func (r Result) Found() bool {
	return r.Intent != "" && r.Intent != Unknown && r.Confidence > 0
}

// Scorer classifies text. context holds earlier finals, oldest first.
type Scorer interface {
	Score(ctx context.Context, text string, context []string) (Result, error)
}

// Keyword is a rule-based Scorer for banking support calls.
type Keyword struct{}

// NewKeyword returns the default scorer.
func NewKeyword() *Keyword {
	return &Keyword{}
}

var (
	blockWords       = []string{"block", "lost", "stolen", "freeze", "not working", "missing"}
	fraudWords       = []string{"fraud", "unauthorized", "did not make", "didn't make", "not mine", "scam"}
	replacementWords = []string{"replace", "replacement", "damaged", "new card", "broken"}
	balanceWords     = []string{"balance", "how much money"}
	accountWords     = []string{"account", "statement"}
)

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// Score applies the card and account rules to the current text. Earlier finals
// only break ties when the current text names no card type.
func (k *Keyword) Score(_ context.Context, text string, history []string) (Result, error) {
	current := normalize(text)
	if len(strings.TrimSpace(text)) < MinTextLength {
		return Result{Intent: Unknown}, nil
	}

	card := cardType(current)
	if card == "" {
		for i := len(history) - 1; i >= 0 && card == ""; i-- {
			card = cardType(normalize(history[i]))
		}
	}

	switch {
	case containsAny(current, fraudWords):
		if card != "" {
			return Result{Intent: card + "_fraud", Confidence: 0.9}, nil
		}
		return Result{Intent: "fraudulent_transaction", Confidence: 0.85}, nil
	case card != "" && containsAny(current, blockWords):
		return Result{Intent: card + "_block", Confidence: 0.92}, nil
	case card == "credit_card" && containsAny(current, replacementWords):
		return Result{Intent: "credit_card_replacement", Confidence: 0.88}, nil
	case strings.Contains(current, "savings account"):
		return Result{Intent: "savings_account", Confidence: 0.85}, nil
	case strings.Contains(current, "salary account"):
		return Result{Intent: "salary_account", Confidence: 0.85}, nil
	case containsAny(current, balanceWords):
		return Result{Intent: "account_balance", Confidence: 0.9}, nil
	case cardType(current) != "":
		return Result{Intent: card, Confidence: 0.7}, nil
	case containsAny(current, accountWords):
		return Result{Intent: "account_inquiry", Confidence: 0.6}, nil
	}
	return Result{Intent: Unknown}, nil
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "creditcard", "credit card")
	s = strings.ReplaceAll(s, "debitcard", "debit card")
	return s
}

func cardType(text string) string {
	switch {
	case strings.Contains(text, "credit card"):
		return "credit_card"
	case strings.Contains(text, "debit card"):
		return "debit_card"
	}
	return ""
}
