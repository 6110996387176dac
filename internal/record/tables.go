package record

import (
	"fmt"
	"reflect"
	"sort"
)

// IndexEntry is one row of a secondary index, denormalized from a record.
// Key doubles as the invalidation key published to subscribers, so the
// index name space and the subscription key space are the same by
// construction.
type IndexEntry struct {
	Key   string
	Sort  string
	Value string
}

// Lookup resolves a pointer to a record during permission evaluation. For
// write checks it must reflect the after-state of the whole transaction;
// for read checks it resolves parents out of the fetched state, loading
// them on demand. A nil result means the record does not exist or is not
// visible.
type Lookup func(Pointer) *Record

// TableSpec is implemented once per table. All callers obtain it through
// Spec, which switches exhaustively over the table kind, so adding a table
// without wiring it up fails at compile time rather than at runtime.
type TableSpec interface {
	Table() Table

	// Validate checks the attribute shape of a record of this table.
	Validate(r *Record) error

	// IndexEntries derives the secondary-index rows of a live record.
	// Nil and soft-deleted records derive no entries.
	IndexEntries(r *Record) []IndexEntry

	// Refs returns parent pointers that relationship checks depend on, so
	// the server can load them before validating.
	Refs(r *Record) []Pointer

	// ValidateWrite authorizes the before→after change made by authorID.
	// A nil return allows the write.
	ValidateWrite(authorID string, before, after *Record, lookup Lookup) error

	// ValidateRead authorizes userID reading r. A nil return allows it.
	ValidateRead(userID string, r *Record, lookup Lookup) error
}

// Spec returns the TableSpec for t. The switch is the single dispatch point
// over table kinds.
func Spec(t Table) (TableSpec, bool) {
	switch t {
	case TableUser:
		return userSpec{}, true
	case TableUserSettings:
		return userSettingsSpec{}, true
	case TablePassword:
		return passwordSpec{}, true
	case TableAuthToken:
		return authTokenSpec{}, true
	case TableThread:
		return threadSpec{}, true
	case TableMessage:
		return messageSpec{}, true
	case TableFile:
		return fileSpec{}, true
	}
	return nil, false
}

// writeClass classifies a before→after pair.
type writeClass int

const (
	writeCreate writeClass = iota
	writeUpdate
	writeDelete
)

func classify(before, after *Record) writeClass {
	switch {
	case before == nil:
		return writeCreate
	case after.Deleted && !before.Deleted:
		return writeDelete
	default:
		return writeUpdate
	}
}

// changedAttrs lists attribute names whose value differs between before and
// after. For a create every attribute of after counts as changed.
func changedAttrs(before, after *Record) []string {
	names := map[string]struct{}{}
	var ba map[string]any
	if before != nil {
		ba = before.Attrs
	}
	for k := range ba {
		names[k] = struct{}{}
	}
	for k := range after.Attrs {
		names[k] = struct{}{}
	}
	var changed []string
	for k := range names {
		var bv any
		if ba != nil {
			bv = ba[k]
		}
		if !reflect.DeepEqual(bv, after.Attrs[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// allowOnly rejects any changed attribute outside the allow-list.
func allowOnly(changed []string, allowed ...string) error {
	ok := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		ok[a] = struct{}{}
	}
	for _, c := range changed {
		if _, found := ok[c]; !found {
			return fmt.Errorf("field %q is immutable", c)
		}
	}
	return nil
}

func requireString(r *Record, key string) error {
	if _, ok := r.Attrs[key].(string); !ok {
		return fmt.Errorf("%s.%s must be a string", r.ID, key)
	}
	return nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func memberOfThread(userID string, thread *Record) bool {
	if thread == nil || thread.Deleted {
		return false
	}
	return contains(thread.StringListAttr("memberIds"), userID)
}

// user: {name, createdAt}

type userSpec struct{}

func (userSpec) Table() Table { return TableUser }

func (userSpec) Validate(r *Record) error {
	return requireString(r, "name")
}

func (userSpec) IndexEntries(r *Record) []IndexEntry { return nil }

func (userSpec) Refs(r *Record) []Pointer { return nil }

func (userSpec) ValidateWrite(authorID string, before, after *Record, lookup Lookup) error {
	if after.ID != authorID {
		return fmt.Errorf("cannot write another user's record")
	}
	if classify(before, after) == writeDelete {
		return fmt.Errorf("user records cannot be deleted")
	}
	return allowOnly(changedAttrs(before, after), "name")
}

func (userSpec) ValidateRead(userID string, r *Record, lookup Lookup) error {
	// any authenticated user may see user profiles
	return nil
}

// user_settings: id == owning user id, {theme, lastThreadId}

type userSettingsSpec struct{}

func (userSettingsSpec) Table() Table { return TableUserSettings }

func (userSettingsSpec) Validate(r *Record) error { return nil }

func (userSettingsSpec) IndexEntries(r *Record) []IndexEntry { return nil }

func (userSettingsSpec) Refs(r *Record) []Pointer { return nil }

func (userSettingsSpec) ValidateWrite(authorID string, before, after *Record, lookup Lookup) error {
	if after.ID != authorID {
		return fmt.Errorf("cannot write another user's settings")
	}
	return allowOnly(changedAttrs(before, after), "theme", "lastThreadId")
}

func (userSettingsSpec) ValidateRead(userID string, r *Record, lookup Lookup) error {
	if r.ID != userID {
		return fmt.Errorf("cannot read another user's settings")
	}
	return nil
}

// password and auth_token are managed by the auth endpoints only: they are
// never readable or writable through the record API.

type passwordSpec struct{}

func (passwordSpec) Table() Table { return TablePassword }

func (passwordSpec) Validate(r *Record) error {
	if err := requireString(r, "hash"); err != nil {
		return err
	}
	return requireString(r, "salt")
}

func (passwordSpec) IndexEntries(r *Record) []IndexEntry { return nil }

func (passwordSpec) Refs(r *Record) []Pointer { return nil }

func (passwordSpec) ValidateWrite(authorID string, before, after *Record, lookup Lookup) error {
	return fmt.Errorf("password records are server managed")
}

func (passwordSpec) ValidateRead(userID string, r *Record, lookup Lookup) error {
	return fmt.Errorf("password records are server managed")
}

type authTokenSpec struct{}

func (authTokenSpec) Table() Table { return TableAuthToken }

func (authTokenSpec) Validate(r *Record) error {
	if err := requireString(r, "userId"); err != nil {
		return err
	}
	return requireString(r, "expiresAt")
}

func (authTokenSpec) IndexEntries(r *Record) []IndexEntry { return nil }

func (authTokenSpec) Refs(r *Record) []Pointer { return nil }

func (authTokenSpec) ValidateWrite(authorID string, before, after *Record, lookup Lookup) error {
	return fmt.Errorf("auth_token records are server managed")
}

func (authTokenSpec) ValidateRead(userID string, r *Record, lookup Lookup) error {
	return fmt.Errorf("auth_token records are server managed")
}

// thread: {createdBy, memberIds, title, repliedAt}

type threadSpec struct{}

func (threadSpec) Table() Table { return TableThread }

func (threadSpec) Validate(r *Record) error {
	if err := requireString(r, "createdBy"); err != nil {
		return err
	}
	if len(r.StringListAttr("memberIds")) == 0 {
		return fmt.Errorf("thread %s must have at least one member", r.ID)
	}
	return nil
}

func (threadSpec) IndexEntries(r *Record) []IndexEntry {
	if r == nil || r.Deleted {
		return nil
	}
	members := r.StringListAttr("memberIds")
	entries := make([]IndexEntry, 0, len(members))
	for _, m := range members {
		entries = append(entries, IndexEntry{
			Key:   ThreadsKey(m),
			Sort:  r.StringAttr("repliedAt") + "#" + r.ID,
			Value: r.ID,
		})
	}
	return entries
}

func (threadSpec) Refs(r *Record) []Pointer { return nil }

func (threadSpec) ValidateWrite(authorID string, before, after *Record, lookup Lookup) error {
	switch classify(before, after) {
	case writeCreate:
		if after.StringAttr("createdBy") != authorID {
			return fmt.Errorf("thread creator must be the acting user")
		}
		if !contains(after.StringListAttr("memberIds"), authorID) {
			return fmt.Errorf("thread creator must be a member")
		}
		return nil
	default:
		if !memberOfThread(authorID, before) {
			return fmt.Errorf("only thread members may modify a thread")
		}
		return allowOnly(changedAttrs(before, after), "title", "memberIds", "repliedAt")
	}
}

func (threadSpec) ValidateRead(userID string, r *Record, lookup Lookup) error {
	if !contains(r.StringListAttr("memberIds"), userID) {
		return fmt.Errorf("not a member of thread %s", r.ID)
	}
	return nil
}

// message: {authorId, threadId, text, createdAt, fileIds}

type messageSpec struct{}

func (messageSpec) Table() Table { return TableMessage }

func (messageSpec) Validate(r *Record) error {
	for _, key := range []string{"authorId", "threadId", "text", "createdAt"} {
		if err := requireString(r, key); err != nil {
			return err
		}
	}
	return nil
}

func (messageSpec) IndexEntries(r *Record) []IndexEntry {
	if r == nil || r.Deleted {
		return nil
	}
	return []IndexEntry{{
		Key:   MessagesKey(r.StringAttr("threadId")),
		Sort:  r.StringAttr("createdAt") + "#" + r.ID,
		Value: r.ID,
	}}
}

func (messageSpec) Refs(r *Record) []Pointer {
	if r == nil {
		return nil
	}
	return []Pointer{{Table: TableThread, ID: r.StringAttr("threadId")}}
}

func (messageSpec) ValidateWrite(authorID string, before, after *Record, lookup Lookup) error {
	// membership is evaluated against the after-state of the thread so a
	// thread created or joined in the same transaction counts
	thread := lookup(Pointer{Table: TableThread, ID: after.StringAttr("threadId")})
	if !memberOfThread(authorID, thread) {
		return fmt.Errorf("message author must be a member of the thread")
	}
	switch classify(before, after) {
	case writeCreate:
		if after.StringAttr("authorId") != authorID {
			return fmt.Errorf("message author must be the acting user")
		}
		return nil
	default:
		if before.StringAttr("authorId") != authorID {
			return fmt.Errorf("only the author may modify a message")
		}
		return allowOnly(changedAttrs(before, after), "text", "fileIds")
	}
}

func (messageSpec) ValidateRead(userID string, r *Record, lookup Lookup) error {
	thread := lookup(Pointer{Table: TableThread, ID: r.StringAttr("threadId")})
	if !memberOfThread(userID, thread) {
		return fmt.Errorf("message %s is not readable", r.ID)
	}
	return nil
}

// file: {ownerId, threadId, messageId, filename}; readability is inherited
// from the parent thread

type fileSpec struct{}

func (fileSpec) Table() Table { return TableFile }

func (fileSpec) Validate(r *Record) error {
	for _, key := range []string{"ownerId", "threadId", "filename"} {
		if err := requireString(r, key); err != nil {
			return err
		}
	}
	return nil
}

func (fileSpec) IndexEntries(r *Record) []IndexEntry { return nil }

func (fileSpec) Refs(r *Record) []Pointer {
	if r == nil {
		return nil
	}
	return []Pointer{{Table: TableThread, ID: r.StringAttr("threadId")}}
}

func (fileSpec) ValidateWrite(authorID string, before, after *Record, lookup Lookup) error {
	thread := lookup(Pointer{Table: TableThread, ID: after.StringAttr("threadId")})
	if !memberOfThread(authorID, thread) {
		return fmt.Errorf("file owner must be a member of the thread")
	}
	switch classify(before, after) {
	case writeCreate:
		if after.StringAttr("ownerId") != authorID {
			return fmt.Errorf("file owner must be the acting user")
		}
		return nil
	default:
		if before.StringAttr("ownerId") != authorID {
			return fmt.Errorf("only the owner may modify a file")
		}
		return allowOnly(changedAttrs(before, after), "filename")
	}
}

func (fileSpec) ValidateRead(userID string, r *Record, lookup Lookup) error {
	thread := lookup(Pointer{Table: TableThread, ID: r.StringAttr("threadId")})
	if !memberOfThread(userID, thread) {
		return fmt.Errorf("file %s is not readable", r.ID)
	}
	return nil
}
