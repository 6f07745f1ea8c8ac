package content

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	s, err := NewRedisStore(ctx, mr.Addr(), "dev1", time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()

	added, err := s.Add(ctx, Record{ID: 42, Types: []string{"image/png"}, Description: "img", Payload: []byte{0, 1, 2}})
	if err != nil || !added {
		t.Fatalf("Add = %v, %v; want true, nil", added, err)
	}
	added, err = s.Add(ctx, Record{ID: 42, Description: "other"})
	if err != nil || added {
		t.Fatalf("second Add = %v, %v; want false, nil", added, err)
	}

	rec, ok, err := s.Get(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if rec.Description != "img" || string(rec.Payload) != "\x00\x01\x02" {
		t.Fatalf("unexpected record %#v", rec)
	}
	if _, ok, _ := s.Get(ctx, 43); ok {
		t.Fatalf("unexpected hit for 43")
	}

	// Another device namespace does not see dev1 records.
	other, err := NewRedisStore(ctx, mr.Addr(), "dev2", 0)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer other.Close()
	if n, _ := other.Len(ctx); n != 0 {
		t.Fatalf("dev2 Len = %d; want 0", n)
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Fatalf("dev1 Len = %d; want 1", n)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, 42); ok {
		t.Fatalf("record should have expired")
	}
}

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		url    string
		addrs  int
		master string
		db     int
		tls    bool
	}{
		{"localhost:6379", 1, "", 0, false},
		{"redis://:pass@localhost:6379/1", 1, "", 1, false},
		{"redis://host1:6379,host2:6379/0", 2, "", 0, false},
		{"rediss://localhost:6380?db=3", 1, "", 3, true},
		{"redis-sentinel://localhost:26379/mymaster?db=2", 1, "mymaster", 2, false},
	}
	for _, tt := range tests {
		opts, err := parseRedisURL(tt.url)
		if err != nil {
			t.Fatalf("parseRedisURL(%q): %v", tt.url, err)
		}
		if len(opts.Addrs) != tt.addrs {
			t.Fatalf("%q addrs = %d; want %d", tt.url, len(opts.Addrs), tt.addrs)
		}
		if opts.MasterName != tt.master {
			t.Fatalf("%q master = %q; want %q", tt.url, opts.MasterName, tt.master)
		}
		if opts.DB != tt.db {
			t.Fatalf("%q db = %d; want %d", tt.url, opts.DB, tt.db)
		}
		if (opts.TLSConfig != nil) != tt.tls {
			t.Fatalf("%q tls = %v; want %v", tt.url, opts.TLSConfig != nil, tt.tls)
		}
	}
	if _, err := parseRedisURL("http://localhost"); err == nil {
		t.Fatalf("expected error for bad scheme")
	}
}
