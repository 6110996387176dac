package record

import (
	"fmt"
	"strings"
)

// Subscription keys are the wire-level names for "things a client can watch":
// a single record or a parametrized list query. The string encoding is part
// of the protocol between the subscription cache, the websocket transport
// and the server.
//
// Grammar: "<queryType>:<param>[:<param>...]".

const (
	QueryRecord   = "getRecord"
	QueryMessages = "getMessages"
	QueryThreads  = "getThreads"
)

// RecordKey encodes a single-record subscription: "getRecord:<table>:<id>".
func RecordKey(p Pointer) string {
	return QueryRecord + ":" + string(p.Table) + ":" + p.ID
}

// MessagesKey encodes the messages-in-thread query: "getMessages:<threadId>".
func MessagesKey(threadID string) string {
	return QueryMessages + ":" + threadID
}

// ThreadsKey encodes the threads-for-user query: "getThreads:<userId>".
func ThreadsKey(userID string) string {
	return QueryThreads + ":" + userID
}

// Key is a decoded subscription key.
type Key struct {
	Query string
	// Pointer is set for getRecord keys.
	Pointer Pointer
	// Param carries the query parameter for list keys (threadId or userId).
	Param string
}

// ParseKey decodes a subscription key string.
func ParseKey(key string) (Key, error) {
	parts := strings.Split(key, ":")
	switch {
	case len(parts) == 3 && parts[0] == QueryRecord:
		tbl := Table(parts[1])
		if _, ok := Spec(tbl); !ok {
			return Key{}, fmt.Errorf("subscription key %q: unknown table", key)
		}
		return Key{Query: QueryRecord, Pointer: Pointer{Table: tbl, ID: parts[2]}}, nil
	case len(parts) == 2 && parts[0] == QueryMessages:
		return Key{Query: QueryMessages, Param: parts[1]}, nil
	case len(parts) == 2 && parts[0] == QueryThreads:
		return Key{Query: QueryThreads, Param: parts[1]}, nil
	}
	return Key{}, fmt.Errorf("malformed subscription key %q", key)
}
