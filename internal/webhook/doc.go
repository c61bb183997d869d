// Package webhook receives interview platform webhooks and answers
// completion status queries.
//
// # Security Model
//
// - Deliveries are signed with HMAC-SHA256 over the raw body and sent as
//   "X-Mobrule-Signature: sha256=<hex>"
// - Signatures are compared in constant time
// - Without a configured secret verification is skipped and every caller is
//   trusted (demo mode, logged at startup)
// - Bodies are capped by webhook.max_body_size
// - Request logging never includes payloads
//
// # Request Flow
//
//  1. POST /webhook arrives
//  2. Body size checked (413 if too large)
//  3. JSON parsed; malformed bodies are acknowledged with 200 so the
//     platform does not retry
//  4. Signature checked when a secret is configured (401 on failure)
//  5. interview_session.completed fetches the response detail and stores it
//  6. {"received": true} returned with 200
//
// A failed fetch is logged and kept as a dead letter; the delivery is still
// acknowledged. `mobrule-embed webhook replay` retries dead letters, either
// straight from a sqlite or postgres store or through POST /webhook/replay
// on the running server. GET /webhook/dead-letters lists them. Both routes
// require a signed body when a secret is configured.
//
// A dead letter keeps the arrival time of its completed event, and a replayed
// record is stored under it, so replay never displaces a later completion.
//
// # Status
//
// GET /webhook returns {"completed": false} until a completion is stored,
// then {"completed": true, "responseData": {...}} with an ETag of the
// payload fingerprint.
package webhook
