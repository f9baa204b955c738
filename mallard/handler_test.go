// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package mallard

import (
	"context"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	engine := openTestEngine(t)
	registry := NewRegistry()
	registry.Register(NewMarkProcessedExchanger(DefaultExchangeCommand, DefaultProcessedColumn, nil))
	return NewHandler(engine, registry, "test-server", nil)
}

func TestRetrieveSelect(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Exec(ctx, "CREATE TABLE t (x BIGINT)"))
	require.NoError(t, h.engine.Exec(ctx, "INSERT INTO t VALUES (42)"))

	schema, recs, err := h.retrieve(ctx, "SELECT x FROM t")
	require.NoError(t, err)
	defer releaseAll(recs)

	require.Equal(t, 1, schema.NumFields())
	require.Len(t, recs, 1)
	assert.Equal(t, int64(42), recs[0].Column(0).(*array.Int64).Value(0))
}

func TestRetrieveDDLReturnsStatusBatch(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	schema, recs, err := h.retrieve(ctx, "CREATE TABLE made_by_ddl (x INTEGER)")
	require.NoError(t, err)
	defer releaseAll(recs)

	require.Equal(t, 1, schema.NumFields())
	assert.Equal(t, "status", schema.Field(0).Name)
	require.Len(t, recs, 1)
	assert.Equal(t, "OK", recs[0].Column(0).(*array.String).Value(0))

	// The DDL actually ran.
	_, verify, err := h.engine.QueryArrow(ctx, "SELECT count(*) FROM made_by_ddl")
	require.NoError(t, err)
	releaseAll(verify)
}

func TestRetrieveBadSQL(t *testing.T) {
	h := newTestHandler(t)
	_, _, err := h.retrieve(context.Background(), "SELECT * FROM nowhere")
	var eerr *EngineExecutionError
	require.ErrorAs(t, err, &eerr)
}

func TestExchangeDispatchesRegisteredCommand(t *testing.T) {
	h := newTestHandler(t)

	rec := makeEventBatch(t, []int64{1, 2}, []string{"a", "b"})
	defer rec.Release()
	rdr := makeEventReader(t, rec)
	defer rdr.Release()

	sink := &memorySink{}
	defer sink.release()
	require.NoError(t, h.exchange(context.Background(), DefaultExchangeCommand, rdr, sink))

	require.Len(t, sink.batches, 1)
	assert.Equal(t, eventSchema.NumFields()+1, sink.schema.NumFields())
	assert.Equal(t, DefaultProcessedColumn, sink.schema.Field(sink.schema.NumFields()-1).Name)
}

func TestExchangeRegisteredCommandShadowsSQL(t *testing.T) {
	h := newTestHandler(t)
	// Register an exchanger whose command would also parse as SQL; the
	// registry must win.
	h.registry.Register(NewPassthroughExchanger("SELECT 1"))

	rec := makeEventBatch(t, []int64{5}, []string{"e"})
	defer rec.Release()
	rdr := makeEventReader(t, rec)
	defer rdr.Release()

	sink := &memorySink{}
	defer sink.release()
	require.NoError(t, h.exchange(context.Background(), "SELECT 1", rdr, sink))

	// Passthrough output, not a one-row query result over an int column.
	assert.True(t, sink.schema.Equal(eventSchema))
	assert.Equal(t, int64(1), sink.totalRows())
}

func TestExchangeFallsBackToSQL(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Exec(ctx, "CREATE TABLE nums (n BIGINT)"))
	require.NoError(t, h.engine.Exec(ctx, "INSERT INTO nums VALUES (1), (2)"))

	rdr := makeEventReader(t)
	defer rdr.Release()
	sink := &memorySink{}
	defer sink.release()
	require.NoError(t, h.exchange(ctx, "SELECT n FROM nums ORDER BY n", rdr, sink))

	assert.Equal(t, int64(2), sink.totalRows())
}

func TestExchangeUnknownCommand(t *testing.T) {
	h := newTestHandler(t)

	rdr := makeEventReader(t)
	defer rdr.Release()
	err := h.exchange(context.Background(), "definitely_not_registered", rdr, &memorySink{})

	var uerr *UnknownCommandError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "definitely_not_registered", uerr.Command)
	assert.Contains(t, uerr.Registered, DefaultExchangeCommand)
}

func TestRegistrationActionInstallsExchanger(t *testing.T) {
	h := newTestHandler(t)

	payload, err := EncodeRegistration(Registration{
		Command: "echo",
		Variant: VariantPassthrough,
	})
	require.NoError(t, err)

	ex, err := h.catalog.Build(context.Background(), payload)
	require.NoError(t, err)
	h.registry.Register(ex)

	// Immediately usable by an exchange.
	rec := makeEventBatch(t, []int64{9}, []string{"z"})
	defer rec.Release()
	rdr := makeEventReader(t, rec)
	defer rdr.Release()
	sink := &memorySink{}
	defer sink.release()
	require.NoError(t, h.exchange(context.Background(), "echo", rdr, sink))
	assert.Equal(t, int64(1), sink.totalRows())
}

func TestFailedRegistrationLeavesRegistryUnchanged(t *testing.T) {
	h := newTestHandler(t)
	before := h.registry.Commands()

	_, err := h.catalog.Build(context.Background(), []byte("garbage"))
	var perr *InvalidPluginError
	require.ErrorAs(t, err, &perr)

	assert.Equal(t, before, h.registry.Commands())
}

// fakeActionStream satisfies flight.FlightService_DoActionServer for direct
// DoAction calls; only Context and Send are exercised.
type fakeActionStream struct {
	grpc.ServerStream
	ctx     context.Context
	results []*flight.Result
}

func (s *fakeActionStream) Context() context.Context { return s.ctx }

func (s *fakeActionStream) Send(r *flight.Result) error {
	s.results = append(s.results, r)
	return nil
}

func TestDoActionRegistersExchanger(t *testing.T) {
	h := newTestHandler(t)
	hook := &recordingHook{}
	h.SetDispatchHook(hook)

	payload, err := EncodeRegistration(Registration{
		Command: "echo",
		Variant: VariantPassthrough,
	})
	require.NoError(t, err)

	stream := &fakeActionStream{ctx: context.Background()}
	err = h.DoAction(&flight.Action{Type: ActionRegisterExchanger, Body: payload}, stream)
	require.NoError(t, err)

	require.Len(t, stream.results, 1)
	assert.Equal(t, "echo", string(stream.results[0].GetBody()))
	_, ok := h.registry.Lookup("echo")
	assert.True(t, ok)
	assert.Equal(t, 1, hook.startCalls)
	assert.Equal(t, 1, hook.endCalls)
	assert.Equal(t, OpAdminister, hook.lastInfo.Operation)
}

// cancellingHook hands every dispatch an already-cancelled context.
type cancellingHook struct{}

func (cancellingHook) OnDispatchStart(ctx context.Context, _ DispatchInfo) (context.Context, HookToken) {
	ctx, cancel := context.WithCancel(ctx)
	cancel()
	return ctx, nil
}

func (cancellingHook) OnDispatchEnd(context.Context, HookToken, DispatchInfo, *CallStatistics, error) {
}

func TestDoActionUsesDispatchContext(t *testing.T) {
	h := newTestHandler(t)
	h.SetDispatchHook(cancellingHook{})
	before := h.registry.Commands()

	payload, err := EncodeRegistration(Registration{
		Command: "echo",
		Variant: VariantPassthrough,
	})
	require.NoError(t, err)

	stream := &fakeActionStream{ctx: context.Background()}
	err = h.DoAction(&flight.Action{Type: ActionRegisterExchanger, Body: payload}, stream)
	require.Error(t, err)

	assert.Empty(t, stream.results)
	assert.Equal(t, before, h.registry.Commands())
}

func TestHasPrefixFold(t *testing.T) {
	assert.True(t, hasPrefixFold("SELECT 1", sqlKeywords))
	assert.True(t, hasPrefixFold("  select * from t", sqlKeywords))
	assert.True(t, hasPrefixFold("WITH x AS (SELECT 1) SELECT * FROM x", sqlKeywords))
	assert.True(t, hasPrefixFold("create table t (x int)", ddlKeywords))
	assert.True(t, hasPrefixFold("SELECT(1)", sqlKeywords))
	assert.False(t, hasPrefixFold("mark_processed", sqlKeywords))
	assert.False(t, hasPrefixFold("SELECTION bias", sqlKeywords))
	assert.False(t, hasPrefixFold("", sqlKeywords))
}

type recordingHook struct {
	startCalls int
	endCalls   int
	lastInfo   DispatchInfo
	lastStats  *CallStatistics
	lastErr    error
}

func (h *recordingHook) OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken) {
	h.startCalls++
	h.lastInfo = info
	return ctx, "token"
}

func (h *recordingHook) OnDispatchEnd(_ context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error) {
	h.endCalls++
	h.lastInfo = info
	h.lastStats = stats
	h.lastErr = err
}

func TestBeginDispatchInvokesHook(t *testing.T) {
	h := newTestHandler(t)
	hook := &recordingHook{}
	h.SetDispatchHook(hook)

	_, stats, end := h.beginDispatch(context.Background(), OpRetrieve, "SELECT 1")
	stats.RecordOutput(5, 100)
	end(errors.New("boom"))

	assert.Equal(t, 1, hook.startCalls)
	assert.Equal(t, 1, hook.endCalls)
	assert.Equal(t, OpRetrieve, hook.lastInfo.Operation)
	assert.Equal(t, "SELECT 1", hook.lastInfo.Command)
	assert.Equal(t, "test-server", hook.lastInfo.ServerID)
	assert.Equal(t, int64(5), hook.lastStats.OutputRows)
	assert.EqualError(t, hook.lastErr, "boom")
}

type panickyHook struct{}

func (panickyHook) OnDispatchStart(ctx context.Context, _ DispatchInfo) (context.Context, HookToken) {
	panic("start")
}

func (panickyHook) OnDispatchEnd(context.Context, HookToken, DispatchInfo, *CallStatistics, error) {
	panic("end")
}

func TestBeginDispatchSurvivesHookPanics(t *testing.T) {
	h := newTestHandler(t)
	h.SetDispatchHook(panickyHook{})

	assert.NotPanics(t, func() {
		_, _, end := h.beginDispatch(context.Background(), OpExchange, "cmd")
		end(nil)
	})
}

func TestCountingReaderRecordsStats(t *testing.T) {
	rec := makeEventBatch(t, []int64{1, 2, 3}, []string{"a", "b", "c"})
	defer rec.Release()
	rdr := makeEventReader(t, rec)
	defer rdr.Release()

	stats := &CallStatistics{}
	cr := &countingReader{RecordReader: rdr, stats: stats}
	for cr.Next() {
	}
	require.NoError(t, cr.Err())

	assert.Equal(t, int64(1), stats.InputBatches)
	assert.Equal(t, int64(3), stats.InputRows)
	assert.Positive(t, stats.InputBytes)
}

func TestStatusBatch(t *testing.T) {
	rec := statusBatch("OK")
	defer rec.Release()
	assert.Equal(t, int64(1), rec.NumRows())
	assert.Equal(t, "OK", rec.Column(0).(*array.String).Value(0))
}

func TestBatchBufferSize(t *testing.T) {
	rec := makeEventBatch(t, []int64{1, 2}, []string{"a", "b"})
	defer rec.Release()
	assert.Positive(t, batchBufferSize(rec))
}
