package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func thread(id string, version int64, members ...string) *Record {
	ms := make([]any, len(members))
	for i, m := range members {
		ms[i] = m
	}
	return &Record{
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

func message(id, author, threadID string, version int64) *Record {
	return &Record{
		ID:      id,
		Version: version,
		Attrs: map[string]any{
			"authorId":  author,
			"threadId":  threadID,
			"text":      "hi",
			"createdAt": "2026-01-02T10:00:01Z",
		},
	}
}

func lookupIn(m RecordMap) Lookup {
	return func(p Pointer) *Record {
		r, _ := m.Get(p)
		return r
	}
}

func TestThreadIndexEntries(t *testing.T) {
	th := thread("t1", 1, "u1", "u2")
	spec, _ := Spec(TableThread)

	entries := spec.IndexEntries(th)
	require.Len(t, entries, 2)
	assert.Equal(t, ThreadsKey("u1"), entries[0].Key)
	assert.Equal(t, "t1", entries[0].Value)
	assert.Equal(t, ThreadsKey("u2"), entries[1].Key)

	th.Deleted = true
	assert.Empty(t, spec.IndexEntries(th), "soft-deleted records derive no entries")
	assert.Empty(t, spec.IndexEntries(nil))
}

func TestMessageIndexEntries(t *testing.T) {
	m := message("m1", "u1", "t1", 1)
	spec, _ := Spec(TableMessage)

	entries := spec.IndexEntries(m)
	require.Len(t, entries, 1)
	assert.Equal(t, MessagesKey("t1"), entries[0].Key)
	assert.Equal(t, "m1", entries[0].Value)
	assert.Equal(t, "2026-01-02T10:00:01Z#m1", entries[0].Sort)
}

func TestThreadValidateWrite(t *testing.T) {
	spec, _ := Spec(TableThread)

	t.Run("create by member", func(t *testing.T) {
		assert.NoError(t, spec.ValidateWrite("u1", nil, thread("t1", 1, "u1"), lookupIn(NewRecordMap())))
	})

	t.Run("create with foreign creator", func(t *testing.T) {
		assert.Error(t, spec.ValidateWrite("u2", nil, thread("t1", 1, "u1"), lookupIn(NewRecordMap())))
	})

	t.Run("creator must be member", func(t *testing.T) {
		th := thread("t1", 1, "u1")
		th.Attrs["createdBy"] = "u2"
		assert.Error(t, spec.ValidateWrite("u2", nil, th, lookupIn(NewRecordMap())))
	})

	t.Run("update by non-member", func(t *testing.T) {
		before := thread("t1", 1, "u1")
		after := thread("t1", 2, "u1", "u3")
		assert.Error(t, spec.ValidateWrite("u3", before, after, lookupIn(NewRecordMap())))
	})

	t.Run("createdBy is immutable", func(t *testing.T) {
		before := thread("t1", 1, "u1")
		after := thread("t1", 2, "u1")
		after.Attrs["createdBy"] = "u9"
		err := spec.ValidateWrite("u1", before, after, lookupIn(NewRecordMap()))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "immutable")
	})
}

func TestMessageValidateWrite_AfterStateThread(t *testing.T) {
	spec, _ := Spec(TableMessage)

	// the thread is created in the same transaction: membership must be
	// checked against the transaction's after-state
	state := NewRecordMap()
	state.Set(Pointer{Table: TableThread, ID: "t1"}, thread("t1", 1, "u1"))

	msg := message("m1", "u1", "t1", 1)
	assert.NoError(t, spec.ValidateWrite("u1", nil, msg, lookupIn(state)))

	// non-member cannot post
	other := message("m2", "u2", "t1", 1)
	assert.Error(t, spec.ValidateWrite("u2", nil, other, lookupIn(state)))

	// author identity cannot be forged
	forged := message("m3", "u9", "t1", 1)
	assert.Error(t, spec.ValidateWrite("u1", nil, forged, lookupIn(state)))

	// missing thread denies
	orphan := message("m4", "u1", "t9", 1)
	assert.Error(t, spec.ValidateWrite("u1", nil, orphan, lookupIn(state)))
}

func TestMessageValidateWrite_UpdateAllowList(t *testing.T) {
	spec, _ := Spec(TableMessage)
	state := NewRecordMap()
	state.Set(Pointer{Table: TableThread, ID: "t1"}, thread("t1", 1, "u1", "u2"))

	before := message("m1", "u1", "t1", 1)
	after := before.Clone()
	after.Version = 2
	after.Attrs["text"] = "edited"
	assert.NoError(t, spec.ValidateWrite("u1", before, after, lookupIn(state)))

	// another member cannot edit
	assert.Error(t, spec.ValidateWrite("u2", before, after, lookupIn(state)))

	// threadId cannot be changed
	moved := before.Clone()
	moved.Version = 2
	moved.Attrs["threadId"] = "t2"
	state.Set(Pointer{Table: TableThread, ID: "t2"}, thread("t2", 1, "u1"))
	assert.Error(t, spec.ValidateWrite("u1", before, moved, lookupIn(state)))
}

func TestReadPredicates(t *testing.T) {
	state := NewRecordMap()
	state.Set(Pointer{Table: TableThread, ID: "t1"}, thread("t1", 1, "u1", "u2"))
	lookup := lookupIn(state)

	threadSpecImpl, _ := Spec(TableThread)
	messageSpecImpl, _ := Spec(TableMessage)
	fileSpecImpl, _ := Spec(TableFile)

	th, _ := state.Get(Pointer{Table: TableThread, ID: "t1"})
	assert.NoError(t, threadSpecImpl.ValidateRead("u1", th, lookup))
	assert.Error(t, threadSpecImpl.ValidateRead("u3", th, lookup))

	msg := message("m1", "u1", "t1", 1)
	assert.NoError(t, messageSpecImpl.ValidateRead("u2", msg, lookup))
	assert.Error(t, messageSpecImpl.ValidateRead("u3", msg, lookup))

	// a file inherits its parent thread's readability
	f := &Record{ID: "f1", Version: 1, Attrs: map[string]any{
		"ownerId": "u1", "threadId": "t1", "filename": "a.png",
	}}
	assert.NoError(t, fileSpecImpl.ValidateRead("u2", f, lookup))
	assert.Error(t, fileSpecImpl.ValidateRead("u3", f, lookup))
}

func TestServerManagedTables(t *testing.T) {
	for _, tbl := range []Table{TablePassword, TableAuthToken} {
		spec, _ := Spec(tbl)
		r := &Record{ID: "u1", Version: 1, Attrs: map[string]any{}}
		assert.Error(t, spec.ValidateWrite("u1", nil, r, lookupIn(NewRecordMap())), "%s must not be writable", tbl)
		assert.Error(t, spec.ValidateRead("u1", r, lookupIn(NewRecordMap())), "%s must not be readable", tbl)
	}
}

func TestUserValidateWrite(t *testing.T) {
	spec, _ := Spec(TableUser)

	u := &Record{ID: "u1", Version: 1, Attrs: map[string]any{"name": "alice", "createdAt": "2026-01-01T00:00:00Z"}}
	assert.NoError(t, spec.ValidateWrite("u1", nil, u, lookupIn(NewRecordMap())))
	assert.Error(t, spec.ValidateWrite("u2", nil, u, lookupIn(NewRecordMap())))

	renamed := u.Clone()
	renamed.Version = 2
	renamed.Attrs["name"] = "alicia"
	assert.NoError(t, spec.ValidateWrite("u1", u, renamed, lookupIn(NewRecordMap())))

	redated := u.Clone()
	redated.Version = 2
	redated.Attrs["createdAt"] = "2027-01-01T00:00:00Z"
	assert.Error(t, spec.ValidateWrite("u1", u, redated, lookupIn(NewRecordMap())))

	tomb := u.Clone()
	tomb.Version = 2
	tomb.Deleted = true
	assert.Error(t, spec.ValidateWrite("u1", u, tomb, lookupIn(NewRecordMap())))
}
