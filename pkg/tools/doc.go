// Package tools is the typed capability map the agent loop calls into.
//
// Invariants:
//   - Every tool is validated at registration time (definition + JSON schema).
//   - Arguments are validated against the schema before the handler runs.
//   - An unregistered name yields a Result with Unknown set, never a panic.
//
// Usage:
//
//	reg := tools.New()
//	_ = reg.Register(tools.Definition{Name: "echo", Description: "Echo", Handler: h})
//	res := reg.Execute(ctx, tools.Invocation{Name: "echo", Args: args})
package tools
