package pipeline

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const analysisJSON = `{
	"summary": "A durable bottle",
	"selling_points": ["keeps cold", "unbreakable"],
	"target_audience": "hikers",
	"tone": "energetic",
	"scene_prompts": ["bottle on a cliff", "bottle in a backpack"],
	"narration_script": "Meet the bottle that keeps up with you."
}`

func TestParseAnalysis(t *testing.T) {
	t.Run("plain json", func(t *testing.T) {
		analysis, err := parseAnalysis(analysisJSON)
		require.NoError(t, err)
		assert.Len(t, analysis.ScenePrompts, 2)
	})

	t.Run("fenced json", func(t *testing.T) {
		fenced := fmt.Sprintf("Here is the analysis:\n```json\n%s\n```\n", analysisJSON)
		analysis, err := parseAnalysis(fenced)
		require.NoError(t, err)
		assert.Equal(t, "hikers", analysis.TargetAudience)
	})

	t.Run("no json", func(t *testing.T) {
		_, err := parseAnalysis("I cannot help with that.")
		assert.Error(t, err)
	})

	t.Run("missing scenes", func(t *testing.T) {
		var partial map[string]any
		require.NoError(t, json.Unmarshal([]byte(analysisJSON), &partial))
		partial["scene_prompts"] = []string{}
		data, _ := json.Marshal(partial)
		_, err := parseAnalysis(string(data))
		assert.Error(t, err)
	})
}
