// Package workflow holds the four stage definitions of the
// Research/Plan/Implement/Validate pipeline (spec §4.5), grounded on
// the teacher's hitl.go buildPlannerPrompt: the same
// <system-instructions>/<task>/<previous-output>-tag prompt assembly,
// generalized from one hard-coded planner phase to a registry of
// stages.
package workflow

import (
	"strings"

	"github.com/golithk/kiln/internal/model"
)

// Stage is one of the four workflow columns' behavior: what prompt to
// send, and which column a successful run advances the issue to.
type Stage struct {
	Name          string
	SystemPrompt  string
	NextColumn    string
	// OutputMarker is the sentinel string the stage asks the agent to
	// emit at the end of its response; the revision engine uses it to
	// relocate the Kiln post that belongs to this stage (spec §4.8).
	OutputMarker string
}

// PromptInput is everything a stage needs to assemble one prompt.
type PromptInput struct {
	IssueBody      string
	PreviousOutput string // prior stage's output, when chaining forward
	UserFeedback   string // latest human comment, when resuming after revision
}

// Prompt assembles the full prompt text sent to the agent for this
// stage, following the teacher's tag-delimited sections.
func (s Stage) Prompt(in PromptInput) string {
	var sb strings.Builder
	sb.WriteString("<system-instructions>\n")
	sb.WriteString(s.SystemPrompt)
	sb.WriteString("\n</system-instructions>\n\n")

	sb.WriteString("<task>\n")
	sb.WriteString(in.IssueBody)
	sb.WriteString("\n</task>\n")

	if in.PreviousOutput != "" {
		sb.WriteString("\n<previous-output>\n")
		sb.WriteString(in.PreviousOutput)
		sb.WriteString("\n</previous-output>\n")
	}

	if in.UserFeedback != "" {
		sb.WriteString("\n<user-feedback>\n")
		sb.WriteString(in.UserFeedback)
		sb.WriteString("\n</user-feedback>\n")
		sb.WriteString("\nPlease revise your previous output based on the feedback above.\n")
	}

	sb.WriteString("\nWhen you are finished, end your final message with the line:\n")
	sb.WriteString(s.OutputMarker)
	sb.WriteString("\n")

	return sb.String()
}

const defaultResearchPrompt = `You are the research stage of an automated engineering workflow.
Investigate the linked issue thoroughly: read the relevant source files,
trace the code paths involved, and identify the root cause or the design
space for the request. Do not write any code in this stage.

Produce a written summary covering:

### Findings
[What you learned about the current behavior and why]

### Relevant Files
[Paths and the role each plays]

### Open Questions
[Anything that needs a human decision before planning can start]`

const defaultPlanPrompt = `You are the planning stage of an automated engineering workflow.
Using the research above, produce an implementation plan. Do not write
any code in this stage.

### Summary
[One paragraph: what will change and why]

### Implementation Steps
[Numbered steps in dependency order]

### Testing Strategy
[What tests to add or modify]

### Risks & Considerations
[Edge cases, potential regressions, things to watch for]`

const defaultImplementPrompt = `You are the implementation stage of an automated engineering workflow.
Follow the approved plan above exactly. Write the code changes and the
tests the plan calls for. Run the project's test suite if one is
available and fix any failures before finishing.

### Summary of Changes
[What you changed and why, file by file]

### Test Results
[What you ran and what passed]`

const defaultValidatePrompt = `You are the validation stage of an automated engineering workflow.
Review the implementation above against the original request and the
approved plan. Check for correctness, missed edge cases, and test
coverage gaps. Make any necessary fixes directly.

### Validation Summary
[What you checked and what you found]

### Remaining Concerns
[Anything you could not verify or fix]`

// Registry maps each workflow column to its stage, consulted to decide
// what prompt to build and where to advance an issue next. It is a map,
// so iterating it yields no particular column order.
var Registry = map[string]Stage{
	model.StatusResearch: {
		Name:         model.StatusResearch,
		SystemPrompt: defaultResearchPrompt,
		NextColumn:   model.StatusPlan,
		OutputMarker: "<!-- KILN:RESEARCH_COMPLETE -->",
	},
	model.StatusPlan: {
		Name:         model.StatusPlan,
		SystemPrompt: defaultPlanPrompt,
		NextColumn:   model.StatusImplement,
		OutputMarker: "<!-- KILN:PLAN_COMPLETE -->",
	},
	model.StatusImplement: {
		Name:         model.StatusImplement,
		SystemPrompt: defaultImplementPrompt,
		NextColumn:   model.StatusValidate,
		OutputMarker: "<!-- KILN:IMPLEMENT_COMPLETE -->",
	},
	model.StatusValidate: {
		Name:         model.StatusValidate,
		SystemPrompt: defaultValidatePrompt,
		NextColumn:   "", // terminal; a successful run archives the item
		OutputMarker: "<!-- KILN:VALIDATE_COMPLETE -->",
	},
}

// For looks up the stage for a workflow column, reporting ok=false for
// Backlog/Unknown/anything that is not a workflow column.
func For(status string) (Stage, bool) {
	s, ok := Registry[status]
	return s, ok
}
