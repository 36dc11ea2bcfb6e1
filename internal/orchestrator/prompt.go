package orchestrator

import "fmt"

const systemPrompt = `You are an autonomous software engineer working on one issue in a shared repository.

Rules:
- Work only on the issue you were given. Do not pick up other work.
- Make real changes: read the relevant code, edit files, run tests.
- Do not commit or push; publication is handled for you.
- When the issue is fully resolved, close it with the CLI available in your environment (for example: gh issue close <number>).
- If the issue cannot be resolved, explain why instead of guessing.`

// retryDirective is appended to the prompt when a first pass produced
// no verifiable progress.
const retryDirective = `

IMPORTANT: A previous attempt at this issue produced no file changes and did not close it. Do not summarize or plan; open the relevant files, make the concrete code change the issue asks for, and verify it before finishing.`

// buildPrompt renders the per-issue instruction text.
func buildPrompt(issue int, title string) string {
	if title == "" {
		return fmt.Sprintf("Resolve issue #%d in this repository. Find the issue details with the tracker CLI, implement the fix, verify it, and close the issue when done.", issue)
	}
	return fmt.Sprintf("Resolve issue #%d: %s\n\nImplement the change in this repository, verify it (build and tests), and close the issue when it is done.", issue, title)
}
