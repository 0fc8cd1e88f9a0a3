package chatserver

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// User is one chat participant as the server sees it. The struct is treated
// as immutable; the table swaps whole entries on every change.
//
// UUID is stable for the user's logical identity across reconnects. SID is
// the transport session and changes on every reconnect. Replicated marks
// users learned through replica sync rather than a direct connection.
// Disconnected entries are tombstones kept so a reconnecting user can
// reclaim their uuid and name.
type User struct {
	Name         string
	UUID         string
	URI          string
	SID          string
	Replicated   bool
	Disconnected bool
}

// UserTable maps session ids to users with secondary lookups by name
// (case-insensitive) and by uuid. Among non-tombstoned entries, names are
// unique. All mutations run under one mutex.
type UserTable struct {
	mu    sync.Mutex
	users map[string]User
}

func NewUserTable() *UserTable {
	return &UserTable{users: make(map[string]User)}
}

// Add registers a user under sid. The interesting cases, in order:
//
//   - name owned by a tombstone: the tombstone is deleted and the new entry
//     reclaims its uuid.
//   - name owned by a replicated entry: the directly-connecting user is the
//     real one; the replicated entry is dropped and a fresh one created.
//   - name owned by a live entry and the incoming user is itself a replica
//     sync: the existing entry is kept and returned.
//   - name owned by a live entry otherwise: ErrDuplicateName.
func (t *UserTable) Add(name, sid, uri string, replicated bool) (User, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if name == "" {
		return User{}, fmt.Errorf("%w: empty username", ErrDuplicateName)
	}

	if old, ok := t.byNameLocked(name); ok {
		switch {
		case old.Disconnected:
			delete(t.users, old.SID)
			u := User{Name: old.Name, UUID: old.UUID, URI: uri, SID: sid, Replicated: old.Replicated}
			t.users[sid] = u
			return u, nil
		case old.Replicated && !replicated:
			// The real user arrives at a server that only knew the
			// replicated shadow.
			delete(t.users, old.SID)
		case replicated:
			return old, nil
		default:
			return User{}, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
	}

	u := User{Name: name, UUID: uuid.NewString(), URI: uri, SID: sid, Replicated: replicated}
	t.users[sid] = u
	return u, nil
}

// Rebind moves a user's published p2p endpoint onto a new session id.
func (t *UserTable) Rebind(name, newSID, newURI string) (User, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok := t.byNameLocked(name)
	if !ok {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}
	delete(t.users, old.SID)
	u := User{Name: old.Name, UUID: old.UUID, URI: newURI, SID: newSID, Replicated: old.Replicated}
	t.users[newSID] = u
	return u, nil
}

// Tombstone marks the sid's user as disconnected, keeping the entry. The
// second return is false when the sid is unknown.
func (t *UserTable) Tombstone(sid string) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[sid]
	if !ok {
		return User{}, false
	}
	u.Disconnected = true
	t.users[sid] = u
	return u, true
}

// BySID returns the user bound to a session id.
func (t *UserTable) BySID(sid string) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[sid]
	return u, ok
}

// ByName returns the entry for a name, preferring a live one. Lookup is
// case-insensitive.
func (t *UserTable) ByName(name string) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byNameLocked(name)
}

// ByUUID returns the entry for a uuid, preferring a live one.
func (t *UserTable) ByUUID(id string) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var tomb User
	var found bool
	for _, u := range t.users {
		if u.UUID == id {
			if !u.Disconnected {
				return u, true
			}
			tomb, found = u, true
		}
	}
	return tomb, found
}

func (t *UserTable) byNameLocked(name string) (User, bool) {
	upper := strings.ToUpper(name)
	var tomb User
	var found bool
	for _, u := range t.users {
		if strings.ToUpper(u.Name) == upper {
			if !u.Disconnected {
				return u, true
			}
			tomb, found = u, true
		}
	}
	return tomb, found
}

// Live returns every non-tombstoned user.
func (t *UserTable) Live() []User {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]User, 0, len(t.users))
	for _, u := range t.users {
		if !u.Disconnected {
			out = append(out, u)
		}
	}
	return out
}

// LiveCount is the number of non-tombstoned users; it gates history sending
// and chat broadcast.
func (t *UserTable) LiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, u := range t.users {
		if !u.Disconnected {
			n++
		}
	}
	return n
}
