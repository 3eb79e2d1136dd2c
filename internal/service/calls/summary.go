package calls

import (
	"context"
	"strings"

	"github.com/exkrishan/rtaafin-sub011/internal/intent"
)

// MinSummaryLength is the shortest joined transcript worth summarizing.
const MinSummaryLength = 10

// summaryLineMax caps the transcript excerpt used for issue and resolution.
const summaryLineMax = 200

const generalInquiry = "general_inquiry"

// Disposition is one suggested wrap-up code.
type Disposition struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Summary is the end-of-call wrap-up shown to the agent.
type Summary struct {
	InteractionID string        `json:"interactionId"`
	Issue         string        `json:"issue"`
	Resolution    string        `json:"resolution"`
	NextSteps     string        `json:"nextSteps"`
	Dispositions  []Disposition `json:"dispositions"`
	Confidence    float64       `json:"confidence"`
	Notes         string        `json:"notes"`
	Fallback      bool          `json:"fallback,omitempty"`
}

// Disposition returns the top suggested label, or "" when there is none.
func (s Summary) Disposition() string {
	if len(s.Dispositions) == 0 {
		return ""
	}
	return s.Dispositions[0].Label
}

func (s *Summary) fillNotes() {
	var parts []string
	for _, p := range []string{s.Issue, s.Resolution, s.NextSteps} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	s.Notes = strings.Join(parts, "\n\n")
	if s.Notes == "" {
		s.Notes = "No notes generated."
	}
}

// Summarizer produces the wrap-up from a call's final lines, oldest first.
type Summarizer interface {
	Summarize(ctx context.Context, interactionId string, lines []string) (Summary, error)
}

// FallbackSummary is used when a transcript is too short or summarizing fails.
func FallbackSummary(interactionId string) Summary {
	s := Summary{
		InteractionID: interactionId,
		Issue:         "Unable to analyze transcript.",
		Resolution:    "Please review the call transcript manually.",
		NextSteps:     "Review call details and assign appropriate disposition.",
		Dispositions:  []Disposition{{Label: generalInquiry, Score: 0.1}},
		Confidence:    0.1,
		Fallback:      true,
	}
	s.fillNotes()
	return s
}

// KeywordSummarizer derives the disposition from the intent scorer run over
// the whole call.
type KeywordSummarizer struct {
	scorer intent.Scorer
}

// NewKeywordSummarizer wraps scorer, defaulting to the keyword scorer.
func NewKeywordSummarizer(scorer intent.Scorer) *KeywordSummarizer {
	if scorer == nil {
		scorer = intent.NewKeyword()
	}
	return &KeywordSummarizer{scorer: scorer}
}

func (k *KeywordSummarizer) Summarize(ctx context.Context, interactionId string, lines []string) (Summary, error) {
	text := strings.TrimSpace(strings.Join(lines, " "))
	if len(text) < MinSummaryLength {
		return FallbackSummary(interactionId), nil
	}
	res, err := k.scorer.Score(ctx, text, nil)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		InteractionID: interactionId,
		Issue:         excerpt(lines[0]),
		Resolution:    excerpt(lines[len(lines)-1]),
	}
	if res.Found() {
		s.Dispositions = []Disposition{{Label: res.Intent, Score: res.Confidence}}
		s.Confidence = res.Confidence
		s.NextSteps = "Confirm the " + strings.ReplaceAll(res.Intent, "_", " ") + " request was completed."
	} else {
		s.Dispositions = []Disposition{{Label: generalInquiry, Score: 0.5}}
		s.Confidence = 0.5
		s.NextSteps = "No next steps specified."
	}
	s.fillNotes()
	return s, nil
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= summaryLineMax {
		return s
	}
	return s[:summaryLineMax] + "..."
}
