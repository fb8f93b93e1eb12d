// Package prompts is the DeepThink/UltraThink prompt catalog: every
// stage-specific instruction template the engines send to a provider lives
// here, so a prompt can be tuned without touching engine control flow.
package prompts

import (
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc"
)

// InitialSolve is the first-pass prompt DeepThink sends before any
// verification has happened.
func InitialSolve(problem string) string {
	return heredoc.Docf(`
		Solve the following problem completely and show your reasoning.

		# PROBLEM

		%s

		Work through it step by step, then state your final answer clearly under
		a "## Final Answer" heading.
	`, problem)
}

// Correction is sent after a verification pass fails, carrying the judge's
// issues back to the same model for another attempt.
func Correction(problem, priorSolution string, issues []string) string {
	var issueList strings.Builder
	for _, issue := range issues {
		issueList.WriteString("- ")
		issueList.WriteString(issue)
		issueList.WriteString("\n")
	}
	return heredoc.Docf(`
		Your previous solution to this problem had issues that need fixing.

		# PROBLEM

		%s

		# YOUR PREVIOUS SOLUTION

		%s

		# ISSUES FOUND

		%s

		Revise your solution to address every issue above. Show your full
		reasoning again, then restate your final answer under "## Final Answer".
	`, problem, priorSolution, issueList.String())
}

// Summary asks a model to compress a DeepThink run's final solution into a
// short, presentable answer.
func Summary(problem, finalSolution string) string {
	return heredoc.Docf(`
		Summarize the following solved problem for someone who only wants the
		answer and the key justification, not the full derivation.

		# PROBLEM

		%s

		# FULL SOLUTION

		%s

		Respond with a concise summary: the final answer first, then at most
		three sentences of justification.
	`, problem, finalSolution)
}

// Plan is UltraThink's first stage: decide how to decompose a problem
// across N independent agents before any agent starts working.
func Plan(problem string, numAgents int) string {
	return heredoc.Docf(`
		You are planning how to split the following problem across %d
		independent agents that will work in parallel and never see each
		other's output until a later synthesis step.

		# PROBLEM

		%s

		Describe a distinct angle, sub-problem, or strategy for each of the %d
		agents so their results complement rather than duplicate each other.
	`, numAgents, problem, numAgents)
}

// AgentConfig asks for a strict-JSON per-agent brief derived from the plan,
// one call whose output is parsed into each DeepThink worker's system prompt
// and sampling parameters.
func AgentConfig(problem, plan string, numAgents int) string {
	return heredoc.Docf(`
		Given the plan below, produce exactly %d agent briefs as a JSON array.
		Each element must have the shape {"system_prompt": string, "temperature": number, "model_override": string (optional), "seed": integer (optional)}.
		Return only the JSON array, no surrounding text.

		# PROBLEM

		%s

		# PLAN

		%s
	`, numAgents, problem, plan)
}

// Synthesis combines every DeepThink worker's final solution into one
// answer, after all agents have finished.
func Synthesis(problem string, agentSolutions map[string]string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Synthesize the independent solutions below into one definitive answer to the problem. Where agents disagree, resolve the disagreement explicitly rather than hedging.\n\n# PROBLEM\n\n%s\n\n", problem))
	for agentID, solution := range agentSolutions {
		b.WriteString(fmt.Sprintf("# AGENT %s\n\n%s\n\n", agentID, solution))
	}
	b.WriteString("Produce one final answer under a \"## Final Answer\" heading, followed by a brief account of how the agents' solutions were reconciled.")
	return b.String()
}

// FinalSummary compresses an UltraThink run's synthesized answer the same
// way Summary does for a single DeepThink run.
func FinalSummary(problem, synthesis string) string {
	return Summary(problem, synthesis)
}
