// Package tsdblite implements a lightweight time-series metric server.
//
// The server accepts OpenTSDB-style trace submissions over a single
// multiplexed TCP port: the first bytes of each connection are sniffed and
// the stream is routed to the plaintext line pipeline or the HTTP surface,
// with transparent gzip unwrapping. Submitted traces resolve to canonical
// metric identities held in an in-memory cache, and WebSocket subscribers
// follow the live population through pattern subscriptions.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│        server (port 4242)           │  sniff → gzip? → HTTP | plaintext
//	└───────────────┬─────────────────────┘
//	                ↓
//	┌───────────────┴─────────────────────┐
//	│   ingest (line + JSON decoders)     │  validation, identity resolution
//	└───────────────┬─────────────────────┘
//	                ↓
//	┌───────────────┴─────────────────────┐
//	│   metric (identity cache, expiry)   │  single-flight create, events
//	└───────────────┬─────────────────────┘
//	                ↓
//	┌───────────────┴─────────────────────┐
//	│  sub (patterns, WebSocket fan-out)  │  NEW_METRIC / EXPIRED_METRIC / DATA
//	└─────────────────────────────────────┘
//
// # Package Organization
//
// Core:
//   - metric: metric identity, trace values, the metric cache and expiry
//   - ingest: plaintext line and JSON wire decoders
//   - sub: subscription patterns, WebSocket sessions and event fan-out
//
// Transports:
//   - server: unified TCP listener and protocol multiplexer
//   - httpapi: JSON submission, WebSocket upgrade, prometheus, health
//   - natsbridge: optional cache event republisher
//
// Infrastructure:
//   - config: JSON/YAML configuration with environment overrides
//   - registry: prometheus registration and the live metric exposer
//   - errors: classified error handling
//   - pkg/worker: generic bounded worker pools
//   - pkg/retry: exponential backoff retry
package tsdblite
