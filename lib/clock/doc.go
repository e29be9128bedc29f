// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The room core reads the time in three places: origin_server_ts on
// locally authored events, backoff bookkeeping for unreachable events,
// and signing-key expiry. Each takes a [Clock] so tests can pin the
// time with [Fake] and step it with [FakeClock.Advance] instead of
// sleeping.
//
// The maintenance loop in package server also waits on
// [Clock.After]; [FakeClock.WaitForTimers] lets a test block until the
// loop has registered its wait before advancing, which removes the
// race between registration and advancement.
package clock
