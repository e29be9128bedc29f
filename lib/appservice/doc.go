// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package appservice matches room events against application service
// registrations and queues the interesting ones for delivery.
//
// Registrations are the YAML files operators hand to the homeserver
// (id, url, tokens, sender_localpart and regex namespaces for users,
// aliases and rooms). A [Registry] decides which registrations an
// event concerns; a [Queue] persists those events in the store and
// hands them out in transactions whose IDs are UUIDs, so a delivery
// that is retried after a failure reuses the same transaction ID.
//
// Delivery over HTTP is the transport layer's job and is not done
// here.
package appservice
