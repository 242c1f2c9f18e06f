//go:build unix

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/creachadair/chirp/channel"
	"golang.org/x/sys/unix"
)

// tokenSize is the length of a uuid token in its string form.
const tokenSize = 36

// UnixExchange passes connections as file descriptors over a unix
// SOCK_SEQPACKET socket. Each message carries one token and one descriptor.
type UnixExchange struct {
	sock   *net.UnixConn
	logger *slog.Logger
	box    *inbox

	sendMu sync.Mutex
	done   chan struct{}
}

// NewUnixExchange starts receiving on sock. Received descriptors are parked
// until claimed.
func NewUnixExchange(sock *net.UnixConn, logger *slog.Logger) *UnixExchange {
	if logger == nil {
		logger = slog.Default()
	}
	x := &UnixExchange{
		sock:   sock,
		logger: logger.With("component", "exchange"),
		box:    newInbox(),
		done:   make(chan struct{}),
	}
	go x.recvLoop()
	return x
}

// ExchangeFromFile wraps an inherited socket descriptor.
func ExchangeFromFile(f *os.File, logger *slog.Logger) (*UnixExchange, error) {
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("exchange socket: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("exchange socket: not a unix socket (%T)", c)
	}
	return NewUnixExchange(uc, logger), nil
}

// SocketPair returns the two ends of a fresh SOCK_SEQPACKET pair as files,
// suitable for handing one end to a child process.
func SocketPair() (local, remote *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "exchange-local"), os.NewFile(uintptr(fds[1]), "exchange-remote"), nil
}

// StreamPair returns the two ends of a fresh SOCK_STREAM pair, used to carry
// the chirp packets of a control link.
func StreamPair() (local, remote *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "control-local"), os.NewFile(uintptr(fds[1]), "control-remote"), nil
}

type filer interface {
	File() (*os.File, error)
}

// Send duplicates the descriptor of c to the remote end and closes c.
func (x *UnixExchange) Send(token string, c net.Conn) error {
	defer c.Close()
	if len(token) != tokenSize {
		return fmt.Errorf("exchange: bad token %q", token)
	}
	fc, ok := c.(filer)
	if !ok {
		return fmt.Errorf("exchange: cannot pass %T", c)
	}
	f, err := fc.File()
	if err != nil {
		return fmt.Errorf("exchange: dup: %w", err)
	}
	defer f.Close()

	x.sendMu.Lock()
	defer x.sendMu.Unlock()
	rights := unix.UnixRights(int(f.Fd()))
	if _, _, err := x.sock.WriteMsgUnix([]byte(token), rights, nil); err != nil {
		return fmt.Errorf("exchange: send: %w", err)
	}
	return nil
}

// Receive waits for the connection sent under token.
func (x *UnixExchange) Receive(ctx context.Context, token string) (net.Conn, error) {
	return x.box.take(ctx, token)
}

// Close stops receiving and closes any unclaimed connections.
func (x *UnixExchange) Close() error {
	err := x.sock.Close()
	<-x.done
	x.box.close()
	return err
}

func (x *UnixExchange) recvLoop() {
	defer close(x.done)
	buf := make([]byte, tokenSize)
	oob := make([]byte, unix.CmsgSpace(4))
	for {
		n, oobn, _, _, err := x.sock.ReadMsgUnix(buf, oob)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				x.logger.Debug("exchange receive stopped", "error", err)
			}
			return
		}
		if n == 0 && oobn == 0 {
			return
		}
		c, err := connFromRights(oob[:oobn])
		if err != nil {
			x.logger.Warn("dropping malformed attachment", "error", err)
			continue
		}
		x.box.put(string(buf[:n]), c)
	}
}

func connFromRights(oob []byte) (net.Conn, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	if len(msgs) != 1 {
		return nil, fmt.Errorf("expected one control message, got %d", len(msgs))
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, fmt.Errorf("parse rights: %w", err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("expected one descriptor, got %d", len(fds))
	}
	f := os.NewFile(uintptr(fds[0]), "attachment")
	defer f.Close()
	return net.FileConn(f)
}

// LinkFromFiles builds a link from an inherited stream socket carrying
// control packets and a seqpacket socket carrying attachments. Both files
// may be closed by the caller once LinkFromFiles returns.
func LinkFromFiles(ctrl, xch *os.File, logger *slog.Logger) (*Link, error) {
	cc, err := net.FileConn(ctrl)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}
	x, err := ExchangeFromFile(xch, logger)
	if err != nil {
		cc.Close()
		return nil, err
	}
	return NewLink(channel.IO(cc, cc), x), nil
}
