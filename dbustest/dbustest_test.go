package dbustest_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danderson/ldbus/dbustest"
)

func TestBus(t *testing.T) {
	b := dbustest.New(t, testing.Verbose())
	conn := b.MustConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Peer("org.freedesktop.DBus").Ping(ctx); err != nil {
		t.Fatalf("failed to ping test bus: %v", err)
	}
	if name := conn.UniqueName(); !strings.HasPrefix(name, ":") {
		t.Errorf("UniqueName() = %q, want a unique bus name", name)
	}
	if !strings.HasPrefix(b.Address(), "unix:path=") || !strings.HasSuffix(b.Address(), b.Socket()) {
		t.Errorf("Address() = %q, Socket() = %q", b.Address(), b.Socket())
	}
}
