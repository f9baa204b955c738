// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package mallard

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnauthenticatedError reports missing or invalid credentials. Calls failing
// with it are refused by the auth middleware before reaching the handler.
type UnauthenticatedError struct {
	Reason string
}

func (e *UnauthenticatedError) Error() string {
	return "unauthenticated: " + e.Reason
}

// UnknownCommandError reports an exchange command that is neither a
// registered exchanger nor recognizable SQL. Registered carries the commands
// known at the time of the call for diagnosability.
type UnknownCommandError struct {
	Command    string
	Registered []string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("command %q is not a registered exchanger and not a recognized SQL query (registered: %v)",
		e.Command, e.Registered)
}

// UnknownActionError reports an unrecognized administrative action type.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action: %q", e.Action)
}

// InvalidPluginError reports a registration payload that does not satisfy the
// exchanger contract. A failed registration never alters the registry.
type InvalidPluginError struct {
	Reason string
}

func (e *InvalidPluginError) Error() string {
	return "invalid exchanger registration: " + e.Reason
}

// EngineExecutionError wraps a failure from the embedded engine. Op names the
// engine operation ("query", "exec", "ingest", "ping"), Query holds the SQL
// text when one was involved.
type EngineExecutionError struct {
	Op    string
	Query string
	Err   error
}

func (e *EngineExecutionError) Error() string {
	return fmt.Sprintf("engine %s failed: %v", e.Op, e.Err)
}

func (e *EngineExecutionError) Unwrap() error { return e.Err }

// statusFromError maps the mallard error taxonomy onto gRPC status codes for
// the Flight boundary. Errors that already carry a status pass through.
func statusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch err.(type) {
	case *UnauthenticatedError:
		return status.Error(codes.Unauthenticated, err.Error())
	case *UnknownCommandError:
		return status.Error(codes.NotFound, err.Error())
	case *UnknownActionError:
		return status.Error(codes.InvalidArgument, err.Error())
	case *InvalidPluginError:
		return status.Error(codes.InvalidArgument, err.Error())
	case *EngineExecutionError:
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
