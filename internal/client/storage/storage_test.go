package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadsync/internal/record"
	"threadsync/internal/transaction"
)

func setupStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func thread(id string, version int64, members ...string) *record.Record {
	ms := make([]any, len(members))
	for i, m := range members {
		ms[i] = m
	}
	return &record.Record{
		ID:      id,
		Version: version,
		Attrs: map[string]any{
			"createdBy": members[0],
			"memberIds": ms,
			"title":     "general",
			"repliedAt": "2026-01-02T10:00:00Z",
		},
	}
}

func message(id, threadID, createdAt string, version int64) *record.Record {
	return &record.Record{
		ID:      id,
		Version: version,
		Attrs: map[string]any{
			"authorId":  "u1",
			"threadId":  threadID,
			"text":      "hi " + id,
			"createdAt": createdAt,
		},
	}
}

func mapWith(tbl record.Table, recs ...*record.Record) record.RecordMap {
	m := record.NewRecordMap()
	for _, r := range recs {
		m.Set(record.Pointer{Table: tbl, ID: r.ID}, r)
	}
	return m
}

func TestWriteRecordMap_VersionRule(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()
	p := record.Pointer{Table: record.TableThread, ID: "t1"}

	require.NoError(t, s.WriteRecordMap(ctx, mapWith(record.TableThread, thread("t1", 2, "u1")), false))

	// stale write is a no-op
	require.NoError(t, s.WriteRecordMap(ctx, mapWith(record.TableThread, thread("t1", 1, "u1")), false))
	r, err := s.GetRecord(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Version)

	// newer wins
	require.NoError(t, s.WriteRecordMap(ctx, mapWith(record.TableThread, thread("t1", 5, "u1")), false))
	r, err = s.GetRecord(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(5), r.Version)

	// force overrides
	require.NoError(t, s.WriteRecordMap(ctx, mapWith(record.TableThread, thread("t1", 1, "u1")), true))
	r, err = s.GetRecord(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Version)
}

func TestWriteRecordMap_ForcedNilErases(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()
	p := record.Pointer{Table: record.TableThread, ID: "t1"}

	require.NoError(t, s.WriteRecordMap(ctx, mapWith(record.TableThread, thread("t1", 1, "u1")), false))

	m := record.NewRecordMap()
	m.Set(p, nil)
	require.NoError(t, s.WriteRecordMap(ctx, m, true))

	r, err := s.GetRecord(ctx, p)
	require.NoError(t, err)
	assert.Nil(t, r)

	threads, err := s.GetThreads(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, threads, "index rows must go with the record")
}

func TestGetRecordMap_DistinguishesMissing(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()
	p1 := record.Pointer{Table: record.TableThread, ID: "t1"}
	p2 := record.Pointer{Table: record.TableThread, ID: "nope"}

	require.NoError(t, s.WriteRecordMap(ctx, mapWith(record.TableThread, thread("t1", 1, "u1")), false))

	m, err := s.GetRecordMap(ctx, []record.Pointer{p1, p2})
	require.NoError(t, err)

	r, loaded := m.Get(p1)
	assert.True(t, loaded)
	assert.NotNil(t, r)

	r, loaded = m.Get(p2)
	assert.True(t, loaded)
	assert.Nil(t, r)
}

func TestGetMessages_LastNInOrder(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	m := record.NewRecordMap()
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("m%d", i)
		at := fmt.Sprintf("2026-01-02T10:00:0%dZ", i)
		m.Set(record.Pointer{Table: record.TableMessage, ID: id}, message(id, "t1", at, 1))
	}
	require.NoError(t, s.WriteRecordMap(ctx, m, false))

	msgs, err := s.GetMessages(ctx, "t1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m3", msgs[0].ID)
	assert.Equal(t, "m5", msgs[2].ID, "chronological order, newest last")

	// soft delete drops a message from the index
	del := message("m4", "t1", "2026-01-02T10:00:04Z", 2)
	del.Deleted = true
	require.NoError(t, s.WriteRecordMap(ctx, mapWith(record.TableMessage, del), false))

	msgs, err = s.GetMessages(ctx, "t1", 10)
	require.NoError(t, err)
	ids := make([]string, len(msgs))
	for i, r := range msgs {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m5"}, ids)
}

func TestGetThreads_MembershipIndex(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	require.NoError(t, s.WriteRecordMap(ctx, mapWith(record.TableThread,
		thread("t1", 1, "u1", "u2"), thread("t2", 1, "u2")), false))

	ths, err := s.GetThreads(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, ths, 2)

	// u2 leaves t1
	require.NoError(t, s.WriteRecordMap(ctx, mapWith(record.TableThread, thread("t1", 2, "u1")), false))
	ths, err = s.GetThreads(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, ths, 1)
	assert.Equal(t, "t2", ths[0].ID)
}

func TestQueueSlot_RoundTripInOrder(t *testing.T) {
	s := setupStorage(t)
	ctx := context.Background()

	txs := []transaction.Transaction{
		transaction.New("u1", transaction.Operation{
			Type: transaction.OpSet, Table: record.TableThread, ID: "t1",
			Value: map[string]any{"createdBy": "u1", "memberIds": []any{"u1"}},
		}),
		transaction.New("u1", transaction.Operation{
			Type: transaction.OpSet, Table: record.TableThread, ID: "t1",
			Path: []string{"title"}, Value: "x",
		}),
	}
	require.NoError(t, s.SaveQueue(ctx, txs))

	got, err := s.LoadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, txs[0].TxID, got[0].TxID)
	assert.Equal(t, txs[1].TxID, got[1].TxID)

	// shrink and re-save
	require.NoError(t, s.SaveQueue(ctx, txs[1:]))
	got, err = s.LoadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, txs[1].TxID, got[0].TxID)

	// empty queue round-trips as empty, not as "never saved"
	require.NoError(t, s.SaveQueue(ctx, nil))
	got, err = s.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadQueue_NothingSaved(t *testing.T) {
	s := setupStorage(t)
	got, err := s.LoadQueue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}
