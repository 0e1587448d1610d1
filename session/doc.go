// Package session implements the orchestration core that drives one
// conversational turn at a time: streaming the model response, decoding
// protocol events, gating tool calls through the session policy, executing
// approved tools (including delegated sub-runs), enforcing budget and turn
// ceilings, and reporting every side effect as a SessionEvent.
package session
