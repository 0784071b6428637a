// Package api describes the AnalystFlow HTTP API and its wire types.
//
// # API Overview
//
// AnalystFlow runs the five-stage analysis pipeline
// (retrieval → fundamental + news → research → investment) and exposes:
//   - POST /v1/workflow/run            synchronous run, folded response
//   - POST /v1/workflow/stream         the same run as Server-Sent Events
//   - GET  /v1/workflow/ws             the same run over a WebSocket
//   - GET  /v1/workflow/runs           completed runs, newest first
//   - GET  /v1/workflow/runs/{id}      one run record
//   - GET  /v1/workflow/runs/{id}/events  the run's event log
//   - /health, /healthz, /ready, /version
//
// Prometheus metrics are served on a separate port at /metrics.
//
// # Authentication
//
// When API keys are configured, requests carry the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// When a JWT secret is configured, a bearer token is accepted instead:
//
//	Authorization: Bearer <token>
//
// # Streaming
//
// Each SSE frame is one event encoded as
//
//	data: {"workflow_id":"wf_...","event":"step_complete","step":"news","status":"completed","payload":{...}}
//
// followed by a blank line. The WebSocket transport sends the same JSON
// object as one text message per event; the client sends the run request
// as the first message.
package api
