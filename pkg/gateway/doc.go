// Copyright 2024-2026 Aiku AI

// Package gateway bridges a single long-lived WhatsApp multi-device session
// to a downstream HTTP consumer. Inbound messages are deduplicated,
// normalized into a whapi-compatible payload, and forwarded to a configured
// webhook exactly once per message; the session's connection status and QR
// pairing code are exposed over HTTP.
//
// # Core Types
//
// [ConnectionManager] owns the session lifecycle: single-flight
// initialization, QR pairing, reconnection with bounded backoff, and
// terminal logout handling. It publishes every transition to [StateStore].
//
// [EventPipeline] consumes live message events from the session and drives
// [IdentityResolver], [DedupGuard], and the webhook delivery client to
// produce and forward a [NormalizedMessage].
//
// [IdentityResolver] maps rotating linked-device addresses (@lid) to stable
// phone addresses using a layered fallback strategy. Resolution failure is
// expected and non-fatal; the raw address is forwarded as a degraded but
// stable substitute.
//
// The whatsmeow transport sits behind the session seam so the state machine
// and pipeline are tested without a socket.
package gateway
