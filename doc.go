// Package openswe is a multi-agent software-engineering orchestrator.
//
// Given a code-change request anchored to a source-control issue, it drives a
// pipeline of specialized agents (a Manager, a Planner, a Programmer, and a
// Reviewer) through an isolated execution sandbox to produce a pull request.
//
// The package is built from four composing subsystems:
//
//   - The graph runtime ([Graph], [Runtime], [ThreadStore]) executes typed
//     directed graphs of nodes with conditional edges, merges node updates
//     into [ThreadState] via per-field reducers, persists after every node,
//     and supports interrupt/resume for human-in-the-loop gates.
//   - The agent graphs ([NewManagerGraph], [NewPlannerGraph],
//     [NewProgrammerGraph], [NewReviewerGraph]) classify incoming requests,
//     maintain a versioned [TaskPlan], and iterate tool-calling loops with
//     fault recovery.
//   - The sandbox coordinator ([Coordinator], [SandboxProvider]) acquires,
//     reuses, and recreates remote execution environments and manages the
//     repository checkout, branch, and pull-request lifecycle.
//   - The tool loop ([ToolRegistry], [SafetyGate], [ModelRouter]) turns LLM
//     tool-calling intents into executed side effects under safety evaluation,
//     per-directory write approval, and fallback model routing.
//
// Driver subpackages supply the concrete backends: store/sqlite and
// store/postgres (thread persistence), sandbox/docker and sandbox/local
// (execution environments), provider/openaicompat (LLM transport), github
// (source-control host), and observer (OpenTelemetry tracing and metrics).
//
// See cmd/openswe for a complete wiring example.
package openswe
