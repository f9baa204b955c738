// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package mallard

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"
)

// eventSchema is the canonical two-column schema used across tests.
var eventSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "name", Type: arrow.BinaryTypes.String},
}, nil)

// makeEventBatch builds one batch over eventSchema. The caller must Release it.
func makeEventBatch(t *testing.T, ids []int64, names []string) arrow.RecordBatch {
	t.Helper()
	require.Equal(t, len(ids), len(names))

	b := array.NewRecordBuilder(memory.DefaultAllocator, eventSchema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues(ids, nil)
	b.Field(1).(*array.StringBuilder).AppendValues(names, nil)
	return b.NewRecordBatch()
}

// makeEventReader wraps batches in a single-pass reader. The reader takes its
// own references; the caller keeps ownership of the passed batches.
func makeEventReader(t *testing.T, recs ...arrow.RecordBatch) array.RecordReader {
	t.Helper()
	rdr, err := array.NewRecordReader(eventSchema, recs)
	require.NoError(t, err)
	return rdr
}

// memorySink captures exchange output in memory.
type memorySink struct {
	schema  *arrow.Schema
	batches []arrow.RecordBatch
	began   int
}

func (s *memorySink) Begin(schema *arrow.Schema) error {
	s.began++
	s.schema = schema
	return nil
}

func (s *memorySink) Write(batch arrow.RecordBatch) error {
	batch.Retain()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *memorySink) release() {
	releaseAll(s.batches)
	s.batches = nil
}

func (s *memorySink) totalRows() int64 {
	var rows int64
	for _, rec := range s.batches {
		rows += rec.NumRows()
	}
	return rows
}
