// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation is the outbound half of the server-server API as
// the room core needs it: fetching single events, the state IDs at an
// event, backfill batches, and remote signing keys.
//
// [Client] is the contract the ingestion pipeline and timeline depend
// on; tests substitute in-memory fakes. [HTTPClient] implements it
// over HTTPS:
//
//   - every request carries an X-Matrix Authorization header signed
//     with this server's Ed25519 key ([SignRequest]);
//   - each destination has its own token-bucket limiter, so one slow
//     or hostile server cannot starve requests to the others;
//   - concurrent fetches of the same event from the same destination
//     share one request;
//   - response bodies are read up to [MaxResponseSize] and rejected
//     beyond it.
//
// Non-2xx responses become [*Error] values carrying the Matrix errcode.
// [IsTransient] separates failures worth retrying later (network
// errors, 5xx, rate limiting) from definitive answers.
//
// Server discovery (.well-known and SRV lookups) belongs to the
// transport layer; HTTPClient takes a resolver function and defaults to
// https://<server name>.
package federation
