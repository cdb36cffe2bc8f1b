// Package mcpgateway connects to a Model Context Protocol tool gateway over
// streamable HTTP, discovers its tools once, and executes tool calls on
// behalf of an agent.
//
// A Client authenticates with the session's bearer credential. Discovery is
// the expensive part of agent construction, so a Client lives as long as the
// agent handle that owns it.
package mcpgateway
