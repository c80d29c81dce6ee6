package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
)

func TestValueScoreWeights(t *testing.T) {
	tests := []struct {
		name     string
		outcome  string
		feedback int
		query    string
		response string
		want     float64
	}{
		{
			name:     "floor: failure with negative feedback and flat text",
			outcome:  models.OutcomeFailure,
			feedback: -1,
			query:    "q",
			response: "a",
			want:     0.05, // novelty placeholder only
		},
		{
			name:     "partial with neutral feedback",
			outcome:  models.OutcomePartial,
			feedback: 0,
			query:    "q",
			response: "a",
			want:     0.2 + 0.1 + 0.05,
		},
		{
			name:     "ceiling: success, positive, reusable, structured",
			outcome:  models.OutcomeSuccess,
			feedback: 1,
			query:    "how to configure a pattern example template",
			response: "```sh\nls\n```\n- one\n- two",
			want:     0.4 + 0.2 + 0.2 + 0.1*0.7 + 0.05,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValueScore(tt.outcome, tt.feedback, tt.query, tt.response)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestComplexityLongResponse(t *testing.T) {
	long := make([]byte, 801)
	for i := range long {
		long[i] = 'x'
	}
	assert.InDelta(t, 0.3, complexity(string(long)), 1e-9)
}

func TestParsePatternStripsFences(t *testing.T) {
	raw := "```json\n" + patternJSON + "\n```"
	p, err := parsePattern(raw)
	assert.NoError(t, err)
	assert.Equal(t, "flake-eval", p.ProblemType)

	_, err = parsePattern(`{"problem_type":""}`)
	assert.Error(t, err)
}
