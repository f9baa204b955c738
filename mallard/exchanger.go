// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package mallard

import (
	"context"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// DefaultExchangeCommand is the command every server registers at startup.
const DefaultExchangeCommand = "mark_processed"

// DefaultProcessedColumn is the boolean column the default exchanger appends.
const DefaultProcessedColumn = "processed"

// ExchangeSink receives the output side of an exchange. Begin must be called
// exactly once, before the first Write, with the output schema. The Flight
// layer adapts a sink onto the DoExchange stream; tests adapt it onto memory.
type ExchangeSink interface {
	Begin(schema *arrow.Schema) error
	Write(batch arrow.RecordBatch) error
}

// Exchanger is a transform handler invoked during a bidirectional exchange.
// The exchanger assumes full responsibility for consuming the input stream
// and producing the output stream. Implementations must be safe for
// concurrent calls, since one registration serves every matching exchange.
type Exchanger interface {
	// Command is the name this exchanger is dispatched under.
	Command() string
	// Exchange consumes in to exhaustion or error and writes output to out.
	Exchange(ctx context.Context, in array.RecordReader, out ExchangeSink) error
}

// MarkProcessedExchanger is the built-in transform. It buffers the entire
// input into memory, appends a boolean column set to true on every row, and
// streams the augmented batches back. Total input size bounds memory use;
// the contract is the same rows back plus one all-true boolean column.
type MarkProcessedExchanger struct {
	command string
	column  string
	log     *slog.Logger
}

// NewMarkProcessedExchanger creates a buffering exchanger registered under
// command that appends the named boolean column.
func NewMarkProcessedExchanger(command, column string, log *slog.Logger) *MarkProcessedExchanger {
	if log == nil {
		log = slog.Default()
	}
	return &MarkProcessedExchanger{command: command, column: column, log: log}
}

func (e *MarkProcessedExchanger) Command() string { return e.command }

// Exchange reads all input batches, then emits each with the extra column.
// Zero input batches begin an empty-schema output stream and return cleanly.
func (e *MarkProcessedExchanger) Exchange(ctx context.Context, in array.RecordReader, out ExchangeSink) error {
	start := time.Now()
	var (
		recs      []arrow.RecordBatch
		totalRows int64
	)
	defer func() { releaseAll(recs) }()

	for in.Next() {
		rec := in.RecordBatch()
		if rec.NumRows() == 0 {
			continue
		}
		rec.Retain()
		recs = append(recs, rec)
		totalRows += rec.NumRows()
	}
	if err := in.Err(); err != nil {
		return err
	}

	if len(recs) == 0 {
		e.log.Info("exchange received no data", "command", e.command)
		return out.Begin(arrow.NewSchema(nil, nil))
	}

	elapsed := time.Since(start)
	e.log.Info("exchange input buffered",
		"command", e.command,
		"rows", totalRows,
		"batches", len(recs),
		"elapsed", elapsed,
		"rows_per_sec", rowsPerSecond(totalRows, elapsed))

	outSchema := schemaWithBooleanColumn(recs[0].Schema(), e.column)
	if err := out.Begin(outSchema); err != nil {
		return err
	}

	mem := memory.DefaultAllocator
	sendStart := time.Now()
	for _, rec := range recs {
		marked := appendBooleanColumn(mem, outSchema, rec)
		err := out.Write(marked)
		marked.Release()
		if err != nil {
			return err
		}
	}

	sendElapsed := time.Since(sendStart)
	e.log.Info("exchange response sent",
		"command", e.command,
		"rows", totalRows,
		"elapsed", sendElapsed,
		"rows_per_sec", rowsPerSecond(totalRows, sendElapsed))
	return nil
}

// PassthroughExchanger echoes each input batch back as it arrives. It is the
// incremental alternative to the buffering default and is only available via
// explicit registration.
type PassthroughExchanger struct {
	command string
}

// NewPassthroughExchanger creates a per-batch echo exchanger.
func NewPassthroughExchanger(command string) *PassthroughExchanger {
	return &PassthroughExchanger{command: command}
}

func (e *PassthroughExchanger) Command() string { return e.command }

func (e *PassthroughExchanger) Exchange(ctx context.Context, in array.RecordReader, out ExchangeSink) error {
	schema := in.Schema()
	if schema == nil {
		schema = arrow.NewSchema(nil, nil)
	}
	if err := out.Begin(schema); err != nil {
		return err
	}
	for in.Next() {
		if err := out.Write(in.RecordBatch()); err != nil {
			return err
		}
	}
	return in.Err()
}

// schemaWithBooleanColumn extends schema with one non-nullable boolean field.
func schemaWithBooleanColumn(schema *arrow.Schema, name string) *arrow.Schema {
	fields := make([]arrow.Field, 0, schema.NumFields()+1)
	fields = append(fields, schema.Fields()...)
	fields = append(fields, arrow.Field{Name: name, Type: arrow.FixedWidthTypes.Boolean})
	return arrow.NewSchema(fields, nil)
}

// appendBooleanColumn rebuilds rec against outSchema with an all-true boolean
// column appended. outSchema must be rec's schema plus that one column.
func appendBooleanColumn(mem memory.Allocator, outSchema *arrow.Schema, rec arrow.RecordBatch) arrow.RecordBatch {
	b := array.NewBooleanBuilder(mem)
	defer b.Release()
	for range int(rec.NumRows()) {
		b.Append(true)
	}
	flag := b.NewArray()
	defer flag.Release()

	cols := make([]arrow.Array, 0, rec.NumCols()+1)
	for i := range int(rec.NumCols()) {
		cols = append(cols, rec.Column(i))
	}
	cols = append(cols, flag)
	return array.NewRecordBatch(outSchema, cols, rec.NumRows())
}

func rowsPerSecond(rows int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(rows) / elapsed.Seconds()
}
