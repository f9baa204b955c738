// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package mallard implements a pluggable Arrow Flight data-exchange server
// backed by an embedded DuckDB engine.
//
// A [Server] owns one DuckDB connection and one Flight serving loop, and
// answers the four Flight verbs through its [Handler]:
//
//   - DoGet: the ticket carries UTF-8 SQL. DDL statements return a one-row
//     status batch; queries stream their result batches with the
//     engine-reported schema.
//   - DoPut: the descriptor command names a target table. The input stream is
//     read to exhaustion, then inserted in one step, creating the table with
//     the incoming schema when it does not exist.
//   - DoExchange: the descriptor command is resolved against the server's
//     [Registry] of exchangers first; a registered command always wins, even
//     when the string also parses as SQL. Unregistered commands that start
//     with a SQL keyword run as queries; anything else fails with
//     [UnknownCommandError].
//   - DoAction: the single "register_exchanger" action installs a new
//     exchanger at runtime. The payload is a declarative registration
//     document (zstd-compressed JSON) resolved against a catalog of
//     compiled-in handler variants; the server never deserializes executable
//     code from the wire.
//
// Every server registers the built-in "mark_processed" exchanger at startup.
// It buffers the whole input stream, appends a boolean "processed" column set
// to true on every row, and streams the augmented table back. The buffering
// policy trades memory for simplicity: total input size bounds memory use,
// and the same rows always come back with exactly one extra column.
//
// [Fleet] coordinates multiple servers: ordered startup with rollback on
// failure, fleet-wide signal handling, and graceful shutdown with a bounded
// join of each serving loop.
//
// Authentication, when enabled, is enforced by gRPC interceptors before any
// handler runs. Basic credentials are exchanged for an opaque bearer token
// generated with crypto/rand; tokens live in the issuing server's memory for
// the lifetime of the process.
package mallard
