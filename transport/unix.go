package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// Transport is an authenticated byte stream to a DBus server, able
// to carry unix file descriptors alongside the bytes.
type Transport interface {
	io.ReadWriteCloser

	// GetFiles removes and returns the next n files received
	// alongside previously read bytes.
	GetFiles(n int) ([]*os.File, error)
	// WriteWithFiles writes bs, with fds attached.
	WriteWithFiles(bs []byte, fds []*os.File) (int, error)
	// ServerID returns the GUID that the server sent during
	// authentication.
	ServerID() string
	// UnixFDs reports whether the server agreed to pass unix file
	// descriptors.
	UnixFDs() bool
	// Anonymous reports whether the server accepted the client
	// without establishing its identity.
	Anonymous() bool
}

// maxFDsPerRead is the most file descriptors the kernel passes in a
// single control message (SCM_MAX_FD on Linux).
const maxFDsPerRead = 253

// DialUnix connects and authenticates to the server at the given
// socket path. Paths beginning with '@' are in the Linux abstract
// socket namespace.
func DialUnix(ctx context.Context, path string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}

	ret := &unixTransport{
		conn: conn.(*net.UnixConn),
		oob:  make([]byte, unix.CmsgSpace(maxFDsPerRead*4)),
	}
	ret.buf = bufio.NewReader(readerFunc(ret.readMsg))

	// The handshake has no cancellation of its own, bound it with
	// the context's deadline instead.
	if deadline, ok := ctx.Deadline(); ok {
		if err := ret.conn.SetDeadline(deadline); err != nil {
			ret.Close()
			return nil, err
		}
	}
	res, err := authenticate(ret.buf, ret.conn, os.Getuid(), true)
	if err != nil {
		ret.Close()
		return nil, fmt.Errorf("authenticating to %s: %w", path, err)
	}
	ret.auth = res
	if err := ret.conn.SetDeadline(time.Time{}); err != nil {
		ret.Close()
		return nil, err
	}

	return ret, nil
}

type unixTransport struct {
	conn *net.UnixConn
	oob  []byte
	buf  *bufio.Reader
	// fds are received files not yet claimed by GetFiles. The read
	// loop is the only reader, so it needs no lock.
	fds  queue.Queue[*os.File]
	auth authResult
}

func (u *unixTransport) ServerID() string { return u.auth.ServerID }
func (u *unixTransport) UnixFDs() bool    { return u.auth.UnixFDs }
func (u *unixTransport) Anonymous() bool  { return u.auth.Anonymous }

func (u *unixTransport) Read(bs []byte) (int, error) {
	return u.buf.Read(bs)
}

func (u *unixTransport) Write(bs []byte) (int, error) {
	return u.conn.Write(bs)
}

func (u *unixTransport) Close() error {
	for {
		f, ok := u.fds.Pop()
		if !ok {
			break
		}
		f.Close()
	}
	return u.conn.Close()
}

func (u *unixTransport) WriteWithFiles(bs []byte, fs []*os.File) (int, error) {
	if len(fs) == 0 {
		return u.Write(bs)
	}
	if !u.auth.UnixFDs {
		return 0, errors.New("server does not accept file descriptors")
	}

	fds := make([]int, len(fs))
	for i, f := range fs {
		fds[i] = int(f.Fd())
	}
	scm := unix.UnixRights(fds...)
	n, oobn, err := u.conn.WriteMsgUnix(bs, scm, nil)
	if err != nil {
		return n, err
	}
	if oobn != len(scm) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (u *unixTransport) GetFiles(n int) ([]*os.File, error) {
	if n > u.fds.Len() {
		return nil, fmt.Errorf("%d files requested, only %d received", n, u.fds.Len())
	}
	ret := make([]*os.File, n)
	for i := range ret {
		ret[i], _ = u.fds.Pop()
	}
	return ret, nil
}

// readMsg reads bytes from the socket, and queues any files that
// arrive alongside them.
func (u *unixTransport) readMsg(bs []byte) (int, error) {
	n, oobn, flags, _, err := u.conn.ReadMsgUnix(bs, u.oob)
	if oobn > 0 {
		// Files must be taken into custody even when the read failed,
		// so that Close releases them.
		if fdErr := u.queueFiles(u.oob[:oobn]); fdErr != nil {
			err = errors.Join(err, fdErr)
		}
	}
	if flags&unix.MSG_CTRUNC != 0 {
		err = errors.Join(err, errors.New("file descriptors lost to control message truncation"))
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (u *unixTransport) queueFiles(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			if f := os.NewFile(uintptr(fd), "dbus-fd"); f != nil {
				u.fds.Add(f)
			} else {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received", fd))
			}
		}
	}
	return errors.Join(errs...)
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(bs []byte) (int, error) { return f(bs) }
