// Package agents runs pipeline stages as prompts against a generation
// endpoint.
//
// Role policy (system prompt, template, temperature, emphasis) is data,
// built in and overridable from a TOML file. A single PromptRunner executes
// every stage; what differs per stage is the template and how the answer is
// parsed. Runners never write to the knowledge store: they return claims and
// protocols in the StageOutput and the orchestrator applies them.
package agents
