package chatserver

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/driftchat/drift/pkg/eventbus"
)

// Message is one chat line as stored in the transcript.
type Message struct {
	Username string `json:"username"`
	Text     string `json:"message"`
}

// IndexedMessage pairs a message with its transcript index. On the wire it
// travels as the two-element array [index, {username, message}], the form
// both message_history and the migration transfer use.
type IndexedMessage struct {
	Index   uint64
	Message Message
}

// MarshalJSON encodes the pair-array form.
func (im IndexedMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{im.Index, im.Message})
}

// MessageLog is the in-memory transcript: a mapping from dense, strictly
// monotonic indices to message bodies. Appends happen on chat; readers take
// sorted snapshots.
type MessageLog struct {
	mu   sync.Mutex
	msgs map[uint64]Message
}

func NewMessageLog() *MessageLog {
	return &MessageLog{msgs: make(map[uint64]Message)}
}

// Append stores m at index, overwriting any previous occupant (the
// duplicate-index replication hazard resolves by last write).
func (l *MessageLog) Append(index uint64, m Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs[index] = m
}

// Get returns the message at index.
func (l *MessageLog) Get(index uint64) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.msgs[index]
	return m, ok
}

// Len is the number of stored messages.
func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// SortedPairs snapshots the transcript in index order.
func (l *MessageLog) SortedPairs() []IndexedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]IndexedMessage, 0, len(l.msgs))
	for idx, m := range l.msgs {
		out = append(out, IndexedMessage{Index: idx, Message: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Replace swaps the whole transcript; used when a migration target receives
// the predecessor's state.
func (l *MessageLog) Replace(pairs []IndexedMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.msgs = make(map[uint64]Message, len(pairs))
	for _, p := range pairs {
		l.msgs[p.Index] = p.Message
	}
}

// MaxIndex returns the highest stored index; ok is false on an empty log.
func (l *MessageLog) MaxIndex() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var best uint64
	found := false
	for idx := range l.msgs {
		if !found || idx > best {
			best, found = idx, true
		}
	}
	return best, found
}

// decodeIndexedMessages converts pair arrays that arrived through the event
// bus (as []any of [number, object]) back into IndexedMessages. Pairs that
// do not match the shape are skipped.
func decodeIndexedMessages(v any) []IndexedMessage {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]IndexedMessage, 0, len(list))
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		idx, ok := pair[0].(float64)
		if !ok {
			continue
		}
		body := eventbus.AsPayload(pair[1])
		out = append(out, IndexedMessage{
			Index: uint64(idx),
			Message: Message{
				Username: body.String("username"),
				Text:     body.String("message"),
			},
		})
	}
	return out
}
