// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the room server.
//
// Configuration is loaded from a single file specified by either the
// ROOMSERVER_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search.
//
// Files are YAML. A file whose name ends in ".jsonc" is read as JSON
// with comments and trailing commas: the comments are stripped and
// the remainder parsed by the YAML decoder, which accepts JSON.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when
// [Config].Environment matches. Production defaults are stricter:
// federation requests time out sooner and debug logging is refused.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${ROOMSERVER_ROOT}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Database, Federation, Backoff,
//     Backfill and Appservice sections
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other room server packages.
package config
