// Package dbustest runs private bus instances for tests.
package dbustest

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/danderson/ldbus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// busConfig is the bus configuration. @LISTEN@ is replaced with the
// bus address.
//
//go:embed dbus.config
var busConfig []byte

// Available reports whether dbus-daemon and dbus-monitor are
// installed.
func Available() bool {
	for _, bin := range []string{"dbus-daemon", "dbus-monitor"} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// Bus is a private bus instance, stopped when its test completes.
type Bus struct {
	sock string
	bus  *exec.Cmd
	mon  *exec.Cmd
	lw   *logWriter

	stopping chan struct{}
	procs    *taskgroup.Group
	// died is closed when a bus process exits before the bus is
	// closed. err is the reason, valid once died is closed.
	died     chan struct{}
	diedOnce sync.Once
	err      error
}

// New launches a bus dedicated to the calling test. It calls t.Skip
// if [Available] reports false.
//
// If logMonitor is true, all traffic on the bus is logged with
// t.Log.
func New(t *testing.T, logMonitor bool) *Bus {
	if !Available() {
		t.Skip("dbus-daemon and dbus-monitor not available, cannot run test bus")
	}
	tmp := t.TempDir()
	ret := &Bus{
		sock:     filepath.Join(tmp, "bus.sock"),
		stopping: make(chan struct{}),
		died:     make(chan struct{}),
	}
	ret.procs = taskgroup.New(ret.procFailed)

	cfg, err := renderConfig(ret.Address())
	if err != nil {
		t.Fatalf("rendering bus config: %v", err)
	}
	cfgPath := filepath.Join(tmp, "bus.config")
	if err := os.WriteFile(cfgPath, cfg, 0600); err != nil {
		t.Fatalf("writing bus config: %v", err)
	}

	ret.bus = exec.Command("dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog")
	ret.bus.Stdout = os.Stdout
	ret.bus.Stderr = os.Stderr
	if err := ret.start(ret.bus, "dbus-daemon"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ret.close(t) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ret.waitForSocket(ctx); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	if logMonitor {
		ret.lw = newLogWriter(t)
		ret.mon = exec.Command("dbus-monitor", "--address", ret.Address())
		ret.mon.Stdout = ret.lw
		ret.mon.Stderr = ret.lw
		if err := ret.start(ret.mon, "dbus-monitor"); err != nil {
			t.Fatal(err)
		}
		if err := ret.lw.waitForFirstMessage(ctx, ret.died); err != nil {
			t.Fatalf("waiting for dbus-monitor: %v", err)
		}
	}

	return ret
}

// renderConfig returns the bus configuration, listening on addr.
func renderConfig(addr string) ([]byte, error) {
	var esc bytes.Buffer
	if err := xml.EscapeText(&esc, []byte(addr)); err != nil {
		return nil, err
	}
	return bytes.ReplaceAll(busConfig, []byte("@LISTEN@"), esc.Bytes()), nil
}

// start runs cmd in the background. The process must keep running
// until the bus is closed.
func (b *Bus) start(cmd *exec.Cmd, name string) error {
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	b.procs.Go(func() error {
		err := cmd.Wait()
		select {
		case <-b.stopping:
			return nil
		default:
			return fmt.Errorf("%s stopped prematurely: %w", name, err)
		}
	})
	return nil
}

// procFailed records the first premature exit of a bus process.
func (b *Bus) procFailed(err error) {
	b.diedOnce.Do(func() {
		b.err = err
		close(b.died)
	})
}

func (b *Bus) waitForSocket(ctx context.Context) error {
	for {
		_, err := os.Stat(b.sock)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.died:
			return b.err
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (b *Bus) close(t *testing.T) {
	close(b.stopping)
	b.bus.Process.Kill()
	if b.mon != nil {
		b.mon.Process.Kill()
	}
	done := make(chan error, 1)
	go func() {
		done <- b.procs.Wait()
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("test bus: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Errorf("test bus: timed out waiting for bus processes to stop")
	}
	if b.lw != nil {
		b.lw.Flush()
	}
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// Address returns the bus's DBus address.
func (b *Bus) Address() string {
	return "unix:path=" + b.sock
}

// MustConn returns a connection to the bus, closed when the test
// completes. It calls t.Fatal if it cannot connect.
func (b *Bus) MustConn(t *testing.T) *ldbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opts := &ldbus.Options{
		Logger: zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)),
	}
	ret, err := ldbus.Open(ctx, b.Address(), opts)
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}

// logWriter relays dbus-monitor output to the test log, one bus
// message per log entry.
type logWriter struct {
	t      *testing.T
	first  chan struct{}
	once   sync.Once
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func newLogWriter(t *testing.T) *logWriter {
	return &logWriter{
		t:     t,
		first: make(chan struct{}),
	}
}

// isMessageStart reports whether line begins a new bus message in
// dbus-monitor's output.
func isMessageStart(line []byte) bool {
	for _, p := range []string{"method ", "signal ", "error "} {
		if bytes.HasPrefix(line, []byte(p)) {
			return true
		}
	}
	return false
}

func (l *logWriter) Write(bs []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return len(bs), nil
	}
	l.buf.Write(bs)
	l.emitComplete()
	return len(bs), nil
}

// emitComplete logs every buffered message that is followed by the
// start of another.
func (l *logWriter) emitComplete() {
	bs := l.buf.Bytes()
	end := 0
	for {
		i := bytes.IndexByte(bs[end:], '\n')
		if i == -1 {
			return
		}
		end += i + 1
		if end < len(bs) && isMessageStart(bs[end:]) {
			l.t.Log(string(bytes.TrimSpace(l.buf.Next(end))))
			l.once.Do(func() { close(l.first) })
			bs, end = l.buf.Bytes(), 0
		}
	}
}

// Flush logs any remaining output, and discards subsequent writes.
func (l *logWriter) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rest := bytes.TrimSpace(l.buf.Bytes()); len(rest) > 0 {
		l.t.Log(string(rest))
	}
	l.buf.Reset()
	l.closed = true
}

func (l *logWriter) waitForFirstMessage(ctx context.Context, died <-chan struct{}) error {
	select {
	case <-l.first:
		return nil
	case <-died:
		return errors.New("bus process stopped before dbus-monitor was ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}
