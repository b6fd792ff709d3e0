package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/golithk/kiln/internal/model"
)

func TestForReturnsWorkflowColumnsOnly(t *testing.T) {
	for _, col := range model.WorkflowColumns {
		_, ok := For(col)
		require.True(t, ok, "expected a stage for %s", col)
	}
	_, ok := For(model.StatusBacklog)
	require.False(t, ok)
	_, ok = For(model.StatusUnknown)
	require.False(t, ok)
}

func TestStageChaining(t *testing.T) {
	research, _ := For(model.StatusResearch)
	require.Equal(t, model.StatusPlan, research.NextColumn)

	plan, _ := For(model.StatusPlan)
	require.Equal(t, model.StatusImplement, plan.NextColumn)

	implement, _ := For(model.StatusImplement)
	require.Equal(t, model.StatusValidate, implement.NextColumn)

	validate, _ := For(model.StatusValidate)
	require.Empty(t, validate.NextColumn)
}

func TestPromptIncludesFeedbackOnlyWhenPresent(t *testing.T) {
	stage, _ := For(model.StatusPlan)

	base := stage.Prompt(PromptInput{IssueBody: "fix the thing", PreviousOutput: "research notes"})
	require.Contains(t, base, "<task>\nfix the thing\n</task>")
	require.Contains(t, base, "<previous-output>\nresearch notes\n</previous-output>")
	require.NotContains(t, base, "<user-feedback>")
	require.True(t, strings.HasSuffix(strings.TrimSpace(base), stage.OutputMarker))

	withFeedback := stage.Prompt(PromptInput{IssueBody: "fix the thing", UserFeedback: "use a mutex instead"})
	require.Contains(t, withFeedback, "<user-feedback>\nuse a mutex instead\n</user-feedback>")
}
