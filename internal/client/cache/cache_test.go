package cache

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadsync/internal/record"
)

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
			"text":      "hi",
			"createdAt": createdAt,
		},
	}
}

func mapOf(recs ...*record.Record) record.RecordMap {
	m := record.NewRecordMap()
	for _, r := range recs {
		var tbl record.Table
		switch {
		case r.Attrs["threadId"] != nil && r.Attrs["text"] != nil:
			tbl = record.TableMessage
		default:
			tbl = record.TableThread
		}
		m.Set(record.Pointer{Table: tbl, ID: r.ID}, r)
	}
	return m
}

func TestWriteRecordMap_VersionRule(t *testing.T) {
	c := New()
	p := record.Pointer{Table: record.TableThread, ID: "t1"}

	c.WriteRecordMap(mapOf(thread("t1", 2, "u1")), false)
	require.Equal(t, int64(2), c.Get(p).Version)

	// stale write is a no-op
	c.WriteRecordMap(mapOf(thread("t1", 1, "u1")), false)
	assert.Equal(t, int64(2), c.Get(p).Version)

	// equal version is a no-op too
	same := thread("t1", 2, "u1")
	same.Attrs["title"] = "sneaky"
	c.WriteRecordMap(mapOf(same), false)
	assert.Equal(t, "general", c.Get(p).StringAttr("title"))

	// newer version wins
	c.WriteRecordMap(mapOf(thread("t1", 3, "u1")), false)
	assert.Equal(t, int64(3), c.Get(p).Version)

	// force overrides the version gate (rollback path)
	c.WriteRecordMap(mapOf(thread("t1", 1, "u1")), true)
	assert.Equal(t, int64(1), c.Get(p).Version)
}

func TestWriteRecordMap_ForcedNilErasesRecord(t *testing.T) {
	c := New()
	p := record.Pointer{Table: record.TableThread, ID: "t1"}
	c.WriteRecordMap(mapOf(thread("t1", 1, "u1")), false)

	m := record.NewRecordMap()
	m.Set(p, nil)

	c.WriteRecordMap(m, false)
	assert.NotNil(t, c.Get(p), "unforced nil must not erase")

	c.WriteRecordMap(m, true)
	assert.Nil(t, c.Get(p))
	assert.Empty(t, c.IndexValues(record.ThreadsKey("u1")))
}

func TestListeners_FireOncePerBatch(t *testing.T) {
	c := New()
	p1 := record.Pointer{Table: record.TableThread, ID: "t1"}
	p2 := record.Pointer{Table: record.TableThread, ID: "t2"}

	calls := 0
	unsub := c.SubscribePointer(p1, func() { calls++ })
	defer unsub()

	both := 0
	c.SubscribeKey(record.RecordKey(p1), func() { both++ })
	c.SubscribeKey(record.RecordKey(p2), func() { both++ })

	m := record.NewRecordMap()
	m.Set(p1, thread("t1", 1, "u1"))
	m.Set(p2, thread("t2", 1, "u1"))
	c.WriteRecordMap(m, false)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, both)

	// a rejected (stale) write fires nothing
	c.WriteRecordMap(mapOf(thread("t1", 1, "u1")), false)
	assert.Equal(t, 1, calls)
}

func TestListeners_UnsubscribeStops(t *testing.T) {
	c := New()
	p := record.Pointer{Table: record.TableThread, ID: "t1"}
	calls := 0
	unsub := c.SubscribePointer(p, func() { calls++ })

	c.WriteRecordMap(mapOf(thread("t1", 1, "u1")), false)
	unsub()
	c.WriteRecordMap(mapOf(thread("t1", 2, "u1")), false)

	assert.Equal(t, 1, calls)
}

func TestListeners_StaleUnsubscribeLeavesLaterSubscriber(t *testing.T) {
	c := New()
	p := record.Pointer{Table: record.TableThread, ID: "t1"}

	unsub := c.SubscribePointer(p, func() {})
	unsub()

	calls := 0
	c.SubscribePointer(p, func() { calls++ })

	// releasing the first subscription again must not detach the second
	unsub()

	c.WriteRecordMap(mapOf(thread("t1", 1, "u1")), false)
	assert.Equal(t, 1, calls)
}

func TestIndexes_MessageOrderAndInvalidation(t *testing.T) {
	c := New()
	key := record.MessagesKey("t1")

	notified := 0
	c.SubscribeKey(key, func() { notified++ })

	m := record.NewRecordMap()
	m.Set(record.Pointer{Table: record.TableMessage, ID: "m2"}, message("m2", "t1", "2026-01-02T10:00:02Z", 1))
	m.Set(record.Pointer{Table: record.TableMessage, ID: "m1"}, message("m1", "t1", "2026-01-02T10:00:01Z", 1))
	c.WriteRecordMap(m, false)

	assert.Equal(t, []string{"m1", "m2"}, c.IndexValues(key), "index is ordered by createdAt")
	assert.Equal(t, 1, notified, "index listener fires once per batch")

	// soft delete removes the entry
	del := message("m1", "t1", "2026-01-02T10:00:01Z", 2)
	del.Deleted = true
	c.WriteRecordMap(mapOf(del), false)
	assert.Equal(t, []string{"m2"}, c.IndexValues(key))
	assert.Equal(t, 2, notified)
}

func TestIndexes_ThreadMembershipDiff(t *testing.T) {
	c := New()

	c.WriteRecordMap(mapOf(thread("t1", 1, "u1", "u2")), false)
	assert.Equal(t, []string{"t1"}, c.IndexValues(record.ThreadsKey("u1")))
	assert.Equal(t, []string{"t1"}, c.IndexValues(record.ThreadsKey("u2")))

	// u2 leaves, u3 joins
	c.WriteRecordMap(mapOf(thread("t1", 2, "u1", "u3")), false)
	assert.Equal(t, []string{"t1"}, c.IndexValues(record.ThreadsKey("u1")))
	assert.Empty(t, c.IndexValues(record.ThreadsKey("u2")))
	assert.Equal(t, []string{"t1"}, c.IndexValues(record.ThreadsKey("u3")))
}

func TestIndexes_RewriteIsIdempotent(t *testing.T) {
	c := New()
	c.WriteRecordMap(mapOf(message("m1", "t1", "2026-01-02T10:00:01Z", 1)), false)
	c.WriteRecordMap(mapOf(message("m1", "t1", "2026-01-02T10:00:01Z", 2)), false)
	c.WriteRecordMap(mapOf(message("m1", "t1", "2026-01-02T10:00:01Z", 3)), true)

	assert.Equal(t, []string{"m1"}, c.IndexValues(record.MessagesKey("t1")))
}

// TestIndexes_RandomizedMatchesModel drives the cache with a long random
// sequence of creates, updates, soft deletes, and forced erases, mirroring
// the version gate in a plain model map, and then checks that every stored
// record and every index key agree with the model.
func TestIndexes_RandomizedMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := New()
	model := map[record.Pointer]*record.Record{}

	users := []string{"u1", "u2", "u3"}
	threadIDs := []string{"t1", "t2", "t3"}
	messageIDs := []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8"}

	for step := 0; step < 500; step++ {
		var p record.Pointer
		var r *record.Record
		if rng.Intn(2) == 0 {
			id := threadIDs[rng.Intn(len(threadIDs))]
			p = record.Pointer{Table: record.TableThread, ID: id}
			r = thread(id, int64(1+rng.Intn(6)), users[:1+rng.Intn(len(users))]...)
		} else {
			id := messageIDs[rng.Intn(len(messageIDs))]
			p = record.Pointer{Table: record.TableMessage, ID: id}
			createdAt := fmt.Sprintf("2026-01-02T10:00:%02dZ", rng.Intn(60))
			r = message(id, threadIDs[rng.Intn(len(threadIDs))], createdAt, int64(1+rng.Intn(6)))
		}
		force := rng.Intn(8) == 0
		switch {
		case force && rng.Intn(4) == 0:
			// rollback erase
			r = nil
		case rng.Intn(4) == 0:
			r.Deleted = true
		}

		m := record.NewRecordMap()
		m.Set(p, r)
		c.WriteRecordMap(m, force)

		cur, stored := model[p]
		switch {
		case force && r == nil:
			delete(model, p)
		case force, !stored, cur != nil && r.Version > cur.Version:
			model[p] = r
		}
	}

	for p, want := range model {
		got := c.Get(p)
		require.NotNil(t, got, "record %v missing", p)
		assert.Equal(t, want.Version, got.Version, "record %v", p)
		assert.Equal(t, want.Deleted, got.Deleted, "record %v", p)
	}

	wantEntries := map[string][]record.IndexEntry{}
	for p, r := range model {
		spec, ok := record.Spec(p.Table)
		require.True(t, ok)
		for _, e := range spec.IndexEntries(r) {
			wantEntries[e.Key] = append(wantEntries[e.Key], e)
		}
	}
	var keys []string
	for _, id := range threadIDs {
		keys = append(keys, record.MessagesKey(id))
	}
	for _, u := range users {
		keys = append(keys, record.ThreadsKey(u))
	}
	for _, key := range keys {
		entries := wantEntries[key]
		sort.Slice(entries, func(i, j int) bool { return entries[i].Sort < entries[j].Sort })
		want := make([]string, 0, len(entries))
		for _, e := range entries {
			want = append(want, e.Value)
		}
		got := c.IndexValues(key)
		if len(want) == 0 {
			assert.Empty(t, got, "key %s", key)
		} else {
			assert.Equal(t, want, got, "key %s", key)
		}
	}
}

func TestGetRecordMap_MarksRequestedPointersLoaded(t *testing.T) {
	c := New()
	p1 := record.Pointer{Table: record.TableThread, ID: "t1"}
	p2 := record.Pointer{Table: record.TableThread, ID: "missing"}
	c.WriteRecordMap(mapOf(thread("t1", 1, "u1")), false)

	m := c.GetRecordMap([]record.Pointer{p1, p2})
	r, loaded := m.Get(p1)
	assert.True(t, loaded)
	assert.Equal(t, int64(1), r.Version)

	r, loaded = m.Get(p2)
	assert.True(t, loaded)
	assert.Nil(t, r)
}
