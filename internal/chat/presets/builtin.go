package presets

// teamOrder fixes List()'s iteration order over the builtin catalog.
var teamOrder = []string{"solo-reviewer", "pair-programming", "planning-trio"}

// builtinTeams returns the shipped TeamPreset catalog. Every member's
// RunnerType is a string ParseRunnerType can normalize; system prompts are
// deliberately short — the Run Supervisor's prompt assembly prepends the
// group-member summary and routing context, so a preset's own prompt only
// needs to state the member's role.
func builtinTeams() map[string]TeamPreset {
	teams := []TeamPreset{
		{
			Key:         "solo-reviewer",
			Name:        "Solo Reviewer",
			Description: "A single code-reviewing agent, for sessions that just need a second pair of eyes.",
			Members: []MemberPreset{
				{
					Name:         "reviewer",
					RunnerType:   "CLAUDE_CODE",
					SystemPrompt: "You review code changes for correctness, security, and clarity. Point out concrete problems with file and line references; do not restate what the diff already shows.",
				},
			},
		},
		{
			Key:         "pair-programming",
			Name:        "Pair Programming",
			Description: "A builder and a reviewer working the same session, the way a driver/navigator pair would.",
			Members: []MemberPreset{
				{
					Name:         "builder",
					RunnerType:   "CLAUDE_CODE",
					SystemPrompt: "You implement the changes the group asks for. Keep edits scoped to what was requested and mention @reviewer when a change is ready to look at.",
				},
				{
					Name:         "reviewer",
					RunnerType:   "CLAUDE_CODE",
					SystemPrompt: "You review @builder's changes for correctness, security, and clarity. Point out concrete problems with file and line references.",
				},
			},
		},
		{
			Key:         "planning-trio",
			Name:        "Planning Trio",
			Description: "A planner, a builder, and a reviewer, for work that benefits from an explicit plan before code changes.",
			Members: []MemberPreset{
				{
					Name:         "planner",
					RunnerType:   "CLAUDE_CODE",
					SystemPrompt: "You break the group's goal into a short, ordered list of concrete steps before anyone writes code. Mention @builder once the plan is ready.",
				},
				{
					Name:         "builder",
					RunnerType:   "CLAUDE_CODE",
					SystemPrompt: "You implement @planner's steps one at a time. Mention @reviewer when a step's change is ready to look at.",
				},
				{
					Name:         "reviewer",
					RunnerType:   "CLAUDE_CODE",
					SystemPrompt: "You review @builder's changes against @planner's stated steps. Point out concrete problems with file and line references.",
				},
			},
		},
	}

	out := make(map[string]TeamPreset, len(teams))
	for _, t := range teams {
		out[t.Key] = t
	}
	return out
}
