// Package model defines the streaming transport contract between the session
// controller and a remote language model. Providers translate their native
// stream shapes into protocol.RawEvents; the controller never sees a
// provider-specific type. Sub-packages implement the Anthropic and OpenAI
// backends; ScriptedModel provides deterministic streams for tests.
package model
