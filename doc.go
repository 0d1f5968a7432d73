// Package apibridge is a session-oriented WebSocket bridge that lets a hosted
// LLM call REST endpoints described by an OpenAPI document on behalf of chat
// users.
//
// A client opens a WebSocket, optionally configures credentials for the target
// API, and sends chat messages. The bridge keeps a per-session conversation,
// advertises the compiled OpenAPI operations to the model as tools, executes
// the tool calls the model makes, feeds the results back, and streams the
// final answer to the client. Claude, GPT and Llama wire families are
// supported behind a single adapter interface.
//
// The server binary lives in cmd/apibridge and is configured from a single
// YAML file; see examples/apibridge.yaml.
package apibridge
