// Package core provides the foundational domain types used across VaultMind.
// It defines the core abstractions for:
//
//   - Conversations (ordered message containers with metadata)
//   - ChatMessages (streaming-aware user / assistant messages)
//   - ToolCalls (tool invocation records with a monotonic status lifecycle)
//   - SubagentProgress (lifecycle tracking for delegated sub-conversations)
//   - SessionEvents (discrete lifecycle notifications consumed by presenters)
//   - ToolIdentity (tagged classification of tool names resolved once at
//     tool-call creation)
//
// The package intentionally keeps implementation concerns (persistence, model
// transports, the session controller) out of scope, exposing small types so
// higher layers can branch on closed enumerations instead of string matching.
package core
