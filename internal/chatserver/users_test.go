package chatserver

import (
	"errors"
	"testing"
)

func TestAddAndLookup(t *testing.T) {
	tab := NewUserTable()

	u, err := tab.Add("ana", "sid-1", "http://10.0.0.5:7000", false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if u.UUID == "" {
		t.Fatal("new user got no uuid")
	}

	if got, ok := tab.BySID("sid-1"); !ok || got.Name != "ana" {
		t.Errorf("BySID = %+v ok=%v", got, ok)
	}
	if got, ok := tab.ByName("ANA"); !ok || got.SID != "sid-1" {
		t.Errorf("case-insensitive ByName = %+v ok=%v", got, ok)
	}
	if got, ok := tab.ByUUID(u.UUID); !ok || got.Name != "ana" {
		t.Errorf("ByUUID = %+v ok=%v", got, ok)
	}
	if tab.LiveCount() != 1 {
		t.Errorf("LiveCount = %d", tab.LiveCount())
	}
}

func TestAddDuplicateNameRefused(t *testing.T) {
	tab := NewUserTable()
	tab.Add("ana", "sid-1", "", false)

	_, err := tab.Add("Ana", "sid-2", "", false)
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("err = %v, want ErrDuplicateName", err)
	}
}

func TestAddEmptyNameRefused(t *testing.T) {
	tab := NewUserTable()
	if _, err := tab.Add("", "sid-1", "", false); err == nil {
		t.Fatal("empty name accepted")
	}
}

func TestTombstoneReclaimKeepsUUID(t *testing.T) {
	tab := NewUserTable()
	first, _ := tab.Add("ana", "sid-1", "", false)

	if _, ok := tab.Tombstone("sid-1"); !ok {
		t.Fatal("tombstone failed")
	}
	if tab.LiveCount() != 0 {
		t.Fatalf("LiveCount after tombstone = %d", tab.LiveCount())
	}

	// Reconnecting under the same name reclaims the identity.
	second, err := tab.Add("ana", "sid-2", "", false)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if second.UUID != first.UUID {
		t.Errorf("uuid changed across reconnect: %s → %s", first.UUID, second.UUID)
	}
	if second.SID != "sid-2" {
		t.Errorf("sid = %q", second.SID)
	}
	if _, ok := tab.BySID("sid-1"); ok {
		t.Error("old tombstone still present")
	}
}

func TestReplicatedShadowReplacedByRealUser(t *testing.T) {
	tab := NewUserTable()
	shadow, _ := tab.Add("bruno", "sid-r", "", true)

	real, err := tab.Add("bruno", "sid-1", "", false)
	if err != nil {
		t.Fatalf("real user refused: %v", err)
	}
	if real.Replicated {
		t.Error("real user marked replicated")
	}
	if real.UUID == shadow.UUID {
		t.Error("replacement should mint a fresh identity")
	}
	if _, ok := tab.BySID("sid-r"); ok {
		t.Error("shadow entry still present")
	}
}

func TestReplicatedDuplicateKeepsExisting(t *testing.T) {
	tab := NewUserTable()
	orig, _ := tab.Add("carla", "sid-1", "", false)

	got, err := tab.Add("carla", "sid-r", "", true)
	if err != nil {
		t.Fatalf("replica sync refused: %v", err)
	}
	if got.SID != orig.SID || got.UUID != orig.UUID {
		t.Errorf("replica sync replaced the live entry: %+v", got)
	}
}

func TestRebindMovesEndpoint(t *testing.T) {
	tab := NewUserTable()
	orig, _ := tab.Add("dora", "sid-1", "http://10.0.0.5:7000", false)

	u, err := tab.Rebind("dora", "sid-2", "http://10.0.0.6:7000")
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if u.UUID != orig.UUID {
		t.Error("rebind changed the uuid")
	}
	if u.URI != "http://10.0.0.6:7000" || u.SID != "sid-2" {
		t.Errorf("rebind = %+v", u)
	}
	if _, ok := tab.BySID("sid-1"); ok {
		t.Error("old session entry still present")
	}

	if _, err := tab.Rebind("nobody", "sid-9", ""); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("rebind unknown = %v", err)
	}
}

func TestLiveSkipsTombstones(t *testing.T) {
	tab := NewUserTable()
	tab.Add("ana", "sid-1", "", false)
	tab.Add("bruno", "sid-2", "", false)
	tab.Tombstone("sid-2")

	live := tab.Live()
	if len(live) != 1 || live[0].Name != "ana" {
		t.Fatalf("Live = %+v", live)
	}
}
