package runtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/t77yq/agent-lifecycle/internal/model"
)

// Result is what a behavior produced for one task.
type Result struct {
	Output     json.RawMessage
	Confidence float64
}

// Behavior produces a result for a claimed task. Implementations decide
// success or failure; a non-nil error is reported as a task failure.
type Behavior interface {
	Execute(task *model.Task) (*Result, error)
}

// SimulatedBehavior generates canned results keyed on words in the task
// title. It stands in for real agent integrations during development.
type SimulatedBehavior struct {
	responses map[string][]response
}

type response struct {
	summary    string
	confidence float64
}

// NewSimulatedBehavior creates a behavior with the built-in response set.
func NewSimulatedBehavior() *SimulatedBehavior {
	return &SimulatedBehavior{
		responses: map[string][]response{
			"research": {
				{"Analyzed 25 documents and identified 3 key themes: market trends, competitor analysis, and user feedback patterns.", 0.82},
				{"Research complete. Found 12 relevant citations supporting the hypothesis. Summary report generated.", 0.74},
				{"Completed literature review. Synthesized findings from 18 papers into actionable insights.", 0.68},
			},
			"code": {
				{"Code review complete. Found 2 potential issues: null pointer risk and an unused variable. Suggestions provided.", 0.88},
				{"Analysis complete. The function has quadratic complexity; a hash map would bring it to linear.", 0.79},
				{"Refactoring suggestions ready. Identified 5 opportunities to extract reusable functions.", 0.61},
			},
			"data": {
				{"Pipeline health check complete. All 8 jobs running normally. Average latency: 234ms.", 0.9},
				{"Data quality report generated. 99.7% accuracy across 1.2M records. 3 anomalies flagged for review.", 0.45},
				{"ETL optimization complete. Processing time reduced by 40% through parallel execution.", 0.72},
			},
			"default": {
				{"Task completed successfully. Results are ready for review.", 0.7},
				{"Processing complete. Generated output based on the provided instructions.", 0.55},
				{"Analysis finished. Key findings have been compiled and are available.", 0.42},
			},
		},
	}
}

// Execute categorizes the task by title keywords and returns a canned result.
// Titles containing "fail" simulate an execution error.
func (b *SimulatedBehavior) Execute(task *model.Task) (*Result, error) {
	title := strings.ToLower(task.Title)

	if strings.Contains(title, "fail") {
		return nil, fmt.Errorf("simulated execution failure for %q", task.Title)
	}

	category := "default"
	switch {
	case strings.Contains(title, "research") || strings.Contains(title, "analyze"):
		category = "research"
	case strings.Contains(title, "code") || strings.Contains(title, "review") || strings.Contains(title, "refactor"):
		category = "code"
	case strings.Contains(title, "data") || strings.Contains(title, "pipeline") || strings.Contains(title, "etl"):
		category = "data"
	}

	// Rotate on title length to add variety across tasks.
	candidates := b.responses[category]
	picked := candidates[len(task.Title)%len(candidates)]

	output, err := json.Marshal(map[string]string{"summary": picked.summary})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}

	return &Result{Output: output, Confidence: picked.confidence}, nil
}
