package transport

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// authResult is the outcome of a successful SASL exchange.
type authResult struct {
	ServerID  string
	UnixFDs   bool
	Anonymous bool
}

// saslClient speaks the client half of the DBus SASL handshake, one
// command line at a time.
type saslClient struct {
	r *bufio.Reader
	w io.Writer
}

func (c *saslClient) send(cmd string, args ...string) error {
	line := strings.Join(append([]string{cmd}, args...), " ") + "\r\n"
	_, err := io.WriteString(c.w, line)
	return err
}

// recv reads one server reply, and splits it into the command and
// its argument string.
func (c *saslClient) recv() (cmd, arg string, err error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	line, ok := strings.CutSuffix(line, "\r\n")
	if !ok {
		return "", "", fmt.Errorf("malformed SASL reply %q", line)
	}
	cmd, arg, _ = strings.Cut(line, " ")
	return cmd, arg, nil
}

// authenticate runs the SASL handshake as the user uid. It prefers
// the EXTERNAL mechanism, and falls back to ANONYMOUS if the server
// rejects EXTERNAL but offers ANONYMOUS. If negotiateFDs is set, it
// also asks the server for unix fd passing, and carries on without
// it if the server refuses.
func authenticate(r *bufio.Reader, w io.Writer, uid int, negotiateFDs bool) (authResult, error) {
	var ret authResult
	c := &saslClient{r: r, w: w}

	// The handshake starts with a single NUL byte, which carries
	// credentials on some platforms.
	if _, err := w.Write([]byte{0}); err != nil {
		return ret, err
	}

	id := hex.EncodeToString([]byte(strconv.Itoa(uid)))
	if err := c.send("AUTH", "EXTERNAL", id); err != nil {
		return ret, err
	}
	for ret.ServerID == "" {
		cmd, arg, err := c.recv()
		if err != nil {
			return ret, err
		}
		switch cmd {
		case "OK":
			if arg == "" {
				return ret, fmt.Errorf("server accepted authentication without a server ID")
			}
			ret.ServerID = arg
		case "DATA":
			// The server wants the identity again, having ignored
			// the initial response.
			if err := c.send("DATA", id); err != nil {
				return ret, err
			}
		case "REJECTED":
			if ret.Anonymous || !slices.Contains(strings.Fields(arg), "ANONYMOUS") {
				return ret, fmt.Errorf("authentication rejected, server supports %q", arg)
			}
			ret.Anonymous = true
			if err := c.send("AUTH", "ANONYMOUS", hex.EncodeToString([]byte("ldbus"))); err != nil {
				return ret, err
			}
		case "ERROR":
			return ret, fmt.Errorf("authentication failed, server said %q", arg)
		default:
			return ret, fmt.Errorf("unexpected SASL reply %q during authentication", cmd)
		}
	}

	if negotiateFDs {
		if err := c.send("NEGOTIATE_UNIX_FD"); err != nil {
			return ret, err
		}
		cmd, arg, err := c.recv()
		if err != nil {
			return ret, err
		}
		switch cmd {
		case "AGREE_UNIX_FD":
			ret.UnixFDs = true
		case "ERROR":
		default:
			return ret, fmt.Errorf("unexpected SASL reply %q to NEGOTIATE_UNIX_FD (%s)", cmd, arg)
		}
	}

	if err := c.send("BEGIN"); err != nil {
		return ret, err
	}
	return ret, nil
}
