// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package mallard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Handler is the central dispatcher for the four Flight verbs. One Handler
// serves one engine connection and one exchanger registry; the transport
// invokes its methods concurrently across calls.
type Handler struct {
	flight.BaseFlightServer

	engine   *Engine
	registry *Registry
	catalog  *variantCatalog
	serverID string
	log      *slog.Logger
	hook     DispatchHook
}

// NewHandler creates a Handler over the given engine and registry.
func NewHandler(engine *Engine, registry *Registry, serverID string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		engine:   engine,
		registry: registry,
		catalog:  newVariantCatalog(log),
		serverID: serverID,
		log:      log.With("server_id", serverID),
	}
}

// SetDispatchHook registers a hook that is called around each operation.
func (h *Handler) SetDispatchHook(hook DispatchHook) {
	h.hook = hook
}

// Registry returns the handler's exchanger registry.
func (h *Handler) Registry() *Registry { return h.registry }

// Handshake succeeds trivially. Credential checking happens in the auth
// middleware, which issues the bearer token via response headers during this
// call when Basic credentials are presented.
func (h *Handler) Handshake(stream flight.FlightService_HandshakeServer) error {
	return nil
}

// DoGet executes the SQL carried in the ticket. DDL statements return a
// one-row status batch; queries stream their full result.
func (h *Handler) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	query := strings.TrimSpace(string(tkt.GetTicket()))
	ctx, stats, end := h.beginDispatch(fs.Context(), OpRetrieve, query)

	h.log.Info("executing retrieve", "query", query)
	schema, recs, err := h.retrieve(ctx, query)
	if err != nil {
		h.log.Error("retrieve failed", "op", OpRetrieve, "query", query, "err", err)
		end(err)
		return statusFromError(err)
	}
	defer releaseAll(recs)

	wr := flight.NewRecordWriter(fs, ipc.WithSchema(schema))
	for _, rec := range recs {
		stats.RecordOutput(rec.NumRows(), batchBufferSize(rec))
		if err := wr.Write(rec); err != nil {
			end(err)
			return err
		}
	}
	err = wr.Close()
	end(err)
	return err
}

// retrieve runs the ticket text against the engine.
func (h *Handler) retrieve(ctx context.Context, query string) (*arrow.Schema, []arrow.RecordBatch, error) {
	if hasPrefixFold(query, ddlKeywords) {
		if err := h.engine.Exec(ctx, query); err != nil {
			return nil, nil, err
		}
		rec := statusBatch("OK")
		return rec.Schema(), []arrow.RecordBatch{rec}, nil
	}
	return h.engine.QueryArrow(ctx, query)
}

// DoPut ingests the incoming stream into the table named by the descriptor
// command. The stream is exhausted before insertion begins; zero batches is a
// logged no-op, not an error. The acknowledgement carries the inserted row
// count as its app metadata.
func (h *Handler) DoPut(fs flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(fs)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return status.Errorf(codes.InvalidArgument, "opening ingest stream: %v", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || len(desc.GetCmd()) == 0 {
		return status.Error(codes.InvalidArgument, "ingest descriptor must carry a target table command")
	}
	table := string(desc.GetCmd())
	ctx, stats, end := h.beginDispatch(fs.Context(), OpIngest, table)

	var recs []arrow.RecordBatch
	defer func() { releaseAll(recs) }()
	for rdr.Next() {
		rec := rdr.RecordBatch()
		rec.Retain()
		recs = append(recs, rec)
		stats.RecordInput(rec.NumRows(), batchBufferSize(rec))
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		end(err)
		return status.Errorf(codes.InvalidArgument, "reading ingest stream: %v", err)
	}

	if len(recs) == 0 {
		h.log.Info("ingest received no batches", "table", table)
		end(nil)
		return fs.Send(&flight.PutResult{AppMetadata: []byte("0")})
	}

	h.log.Info("inserting data", "table", table, "batches", len(recs))
	rows, err := h.engine.IngestRecords(ctx, table, recs[0].Schema(), recs)
	if err != nil {
		h.log.Error("ingest failed", "op", OpIngest, "table", table, "err", err)
		end(err)
		return statusFromError(err)
	}
	h.log.Info("ingest complete", "table", table, "rows", rows)
	end(nil)
	return fs.Send(&flight.PutResult{AppMetadata: []byte(strconv.FormatInt(rows, 10))})
}

// DoExchange resolves the descriptor command and runs the matched handler or
// SQL query over the bidirectional stream.
func (h *Handler) DoExchange(fs flight.FlightService_DoExchangeServer) error {
	rdr, err := flight.NewRecordReader(fs)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "opening exchange stream: %v", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || len(desc.GetCmd()) == 0 {
		return status.Error(codes.InvalidArgument, "exchange descriptor must carry a command")
	}
	command := string(desc.GetCmd())
	ctx, stats, end := h.beginDispatch(fs.Context(), OpExchange, command)
	h.log.Info("received exchange command", "command", command)

	sink := &flightSink{stream: fs, stats: stats}
	err = h.exchange(ctx, command, &countingReader{RecordReader: rdr, stats: stats}, sink)
	if closeErr := sink.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		h.log.Error("exchange failed", "op", OpExchange, "command", command, "err", err)
		end(err)
		return statusFromError(err)
	}
	end(nil)
	return nil
}

// exchange dispatches one exchange call. A registered command always routes
// to its exchanger, even when the string also parses as SQL.
func (h *Handler) exchange(ctx context.Context, command string, in array.RecordReader, out ExchangeSink) error {
	if ex, ok := h.registry.Lookup(command); ok {
		h.log.Info("executing registered exchanger", "command", command)
		return ex.Exchange(ctx, in, out)
	}

	if hasPrefixFold(command, sqlKeywords) {
		h.log.Info("executing SQL query via exchange", "command", command)
		schema, recs, err := h.engine.QueryArrow(ctx, command)
		if err != nil {
			return err
		}
		defer releaseAll(recs)
		if err := out.Begin(schema); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := out.Write(rec); err != nil {
				return err
			}
		}
		return nil
	}

	return &UnknownCommandError{Command: command, Registered: h.registry.Commands()}
}

// DoAction handles administrative actions. The only defined action installs a
// compiled-in exchanger variant; everything else is an UnknownActionError.
func (h *Handler) DoAction(action *flight.Action, fs flight.FlightService_DoActionServer) error {
	actionType := action.GetType()
	ctx, _, end := h.beginDispatch(fs.Context(), OpAdminister, actionType)
	h.log.Info("received action", "action", actionType)

	switch actionType {
	case ActionRegisterExchanger:
		ex, err := h.catalog.Build(ctx, action.GetBody())
		if err != nil {
			h.log.Warn("rejected exchanger registration", "op", OpAdminister, "err", err)
			end(err)
			return statusFromError(err)
		}
		h.registry.Register(ex)
		h.log.Info("registered exchanger", "command", ex.Command(), "commands", h.registry.Commands())
		end(nil)
		return fs.Send(&flight.Result{Body: []byte(ex.Command())})
	default:
		err := &UnknownActionError{Action: actionType}
		h.log.Error("action dispatch failed", "op", OpAdminister, "action", actionType, "err", err)
		end(err)
		return statusFromError(err)
	}
}

// ListActions advertises the administrative surface.
func (h *Handler) ListActions(_ *flight.Empty, fs flight.FlightService_ListActionsServer) error {
	return fs.Send(&flight.ActionType{
		Type:        ActionRegisterExchanger,
		Description: "Install a compiled-in exchanger variant under a command name. Body: zstd-compressed JSON registration.",
	})
}

// beginDispatch wires the dispatch hook around one operation. The returned
// func must be called exactly once with the operation's final error.
func (h *Handler) beginDispatch(ctx context.Context, op, command string) (context.Context, *CallStatistics, func(error)) {
	stats := &CallStatistics{}
	if h.hook == nil {
		return ctx, stats, func(error) {}
	}

	info := DispatchInfo{Operation: op, Command: command, ServerID: h.serverID}
	if user, ok := IdentityFromContext(ctx); ok {
		info.Identity = user
	}

	var token HookToken
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				h.log.Error("dispatch hook start panic", "err", rv)
			}
		}()
		hookCtx, t := h.hook.OnDispatchStart(ctx, info)
		if hookCtx != nil {
			ctx = hookCtx
		}
		token = t
	}()

	hook := h.hook
	endCtx := ctx
	return ctx, stats, func(err error) {
		defer func() {
			if rv := recover(); rv != nil {
				h.log.Error("dispatch hook end panic", "err", rv)
			}
		}()
		hook.OnDispatchEnd(endCtx, token, info, stats, err)
	}
}

// flightSink adapts an ExchangeSink onto a DoExchange stream. The record
// writer is created lazily on Begin, once the output schema is known.
type flightSink struct {
	stream flight.FlightService_DoExchangeServer
	stats  *CallStatistics
	writer *flight.Writer
}

func (s *flightSink) Begin(schema *arrow.Schema) error {
	if s.writer != nil {
		return fmt.Errorf("exchange output stream already begun")
	}
	s.writer = flight.NewRecordWriter(s.stream, ipc.WithSchema(schema))
	return nil
}

func (s *flightSink) Write(batch arrow.RecordBatch) error {
	if s.writer == nil {
		return fmt.Errorf("exchange output written before Begin")
	}
	if s.stats != nil {
		s.stats.RecordOutput(batch.NumRows(), batchBufferSize(batch))
	}
	return s.writer.Write(batch)
}

func (s *flightSink) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

// countingReader records per-batch input statistics as an exchanger consumes
// the stream.
type countingReader struct {
	array.RecordReader
	stats *CallStatistics
}

func (c *countingReader) Next() bool {
	ok := c.RecordReader.Next()
	if ok {
		rec := c.RecordReader.RecordBatch()
		c.stats.RecordInput(rec.NumRows(), batchBufferSize(rec))
	}
	return ok
}

var (
	ddlKeywords = []string{"CREATE", "DROP", "ALTER"}
	sqlKeywords = []string{"SELECT", "INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "ALTER", "WITH"}
)

// hasPrefixFold reports whether the first token of s matches one of the
// keywords, case-insensitively.
func hasPrefixFold(s string, keywords []string) bool {
	s = strings.TrimSpace(s)
	token := s
	if i := strings.IndexAny(s, " \t\r\n(;"); i >= 0 {
		token = s[:i]
	}
	for _, kw := range keywords {
		if strings.EqualFold(token, kw) {
			return true
		}
	}
	return false
}

// statusBatch builds the one-row DDL acknowledgement batch.
func statusBatch(value string) arrow.RecordBatch {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "status", Type: arrow.BinaryTypes.String},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).Append(value)
	return b.NewRecordBatch()
}
