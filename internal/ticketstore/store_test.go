package ticketstore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tickets.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoad(t *testing.T) {
	s := openTemp(t)

	ticket := bytes.Repeat([]byte{0xab}, MaxTicketLen)
	state := []byte("state-bytes")
	if err := s.Save("example.test:443", ticket, state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	gotTicket, gotState, ok := s.Load("example.test:443")
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if !bytes.Equal(gotTicket, ticket) || !bytes.Equal(gotState, state) {
		t.Error("loaded entry does not match saved entry")
	}

	if _, _, ok := s.Load("missing"); ok {
		t.Error("expected missing key not to be found")
	}
}

func TestSaveRejectsLongTicket(t *testing.T) {
	s := openTemp(t)

	err := s.Save("k", make([]byte, MaxTicketLen+1), nil)
	if !errors.Is(err, ErrTicketTooLong) {
		t.Fatalf("expected ErrTicketTooLong, got %v", err)
	}
	if _, _, ok := s.Load("k"); ok {
		t.Error("rejected ticket must not be stored")
	}
}

func TestLatestAndDelete(t *testing.T) {
	s := openTemp(t)

	if _, _, ok := s.Latest(); ok {
		t.Error("empty store should have no latest ticket")
	}
	if err := s.Save("a", []byte("t1"), nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	key, ticket, ok := s.Latest()
	if !ok || key != "a" || string(ticket) != "t1" {
		t.Errorf("unexpected latest: %q %q %v", key, ticket, ok)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, ok := s.Load("a"); ok {
		t.Error("deleted entry still present")
	}
}

func TestGetIgnoresUnparsableState(t *testing.T) {
	s := openTemp(t)
	if err := s.Save("k", []byte("ticket"), []byte("not a session state")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := s.Get("k"); ok {
		t.Error("expected Get to miss on unparsable state")
	}
}

func TestPutNilEvicts(t *testing.T) {
	s := openTemp(t)
	if err := s.Save("k", []byte("ticket"), nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s.Put("k", nil)
	if _, _, ok := s.Load("k"); ok {
		t.Error("Put(nil) should evict the entry")
	}
}

func TestGC(t *testing.T) {
	s := openTemp(t)
	if err := s.Save("k", []byte("ticket"), nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	removed, err := s.GC(time.Hour)
	if err != nil || removed != 0 {
		t.Fatalf("fresh entry removed: %d %v", removed, err)
	}
	removed, err = s.GC(-time.Hour)
	if err != nil || removed != 1 {
		t.Errorf("expected one stale entry removed, got %d %v", removed, err)
	}
}
