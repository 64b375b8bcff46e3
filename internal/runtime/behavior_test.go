package runtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/agent-lifecycle/internal/model"
)

func TestSimulatedBehavior(t *testing.T) {
	behavior := NewSimulatedBehavior()

	execute := func(t *testing.T, title string) *Result {
		t.Helper()
		result, err := behavior.Execute(&model.Task{ID: "t-1", Title: title})
		require.NoError(t, err)
		return result
	}

	t.Run("Research Tasks", func(t *testing.T) {
		result := execute(t, "Research the market trends")
		var output map[string]string
		require.NoError(t, json.Unmarshal(result.Output, &output))
		assert.NotEmpty(t, output["summary"])
		assert.Greater(t, result.Confidence, 0.0)
		assert.LessOrEqual(t, result.Confidence, 1.0)
	})

	t.Run("Code Tasks", func(t *testing.T) {
		result := execute(t, "Review this code change")
		var output map[string]string
		require.NoError(t, json.Unmarshal(result.Output, &output))
		assert.NotEmpty(t, output["summary"])
	})

	t.Run("Deterministic For Same Title", func(t *testing.T) {
		first := execute(t, "Data pipeline health check")
		second := execute(t, "Data pipeline health check")
		assert.Equal(t, first.Output, second.Output)
		assert.Equal(t, first.Confidence, second.Confidence)
	})

	t.Run("Fail Keyword Simulates Error", func(t *testing.T) {
		_, err := behavior.Execute(&model.Task{ID: "t-1", Title: "This will fail"})
		assert.Error(t, err)
	})
}
