package peerlink

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TCPTransport carries links over TCP.
//
// Invariants:
//   - Wire format is the link frame format: [4-byte big-endian length][tag][payload].
//   - An inbound connection must send its Hello frame within
//     HandshakeTimeout; it is then held until the handshake is decided.
//   - A closing link half-closes its socket after the Bye frame and waits
//     up to tcpLinger for the remote side to finish, so the Bye is not
//     lost to a reset.
//   - Best-effort delivery is carried as reliable; TCP has no
//     unreliable channel.
type TCPTransport struct {
	transportBase
	listener net.Listener
}

// tcpLinger bounds how long a closing link waits for the remote EOF.
const tcpLinger = 2 * time.Second

// NewTCPTransport is the TransportFactory for NetworkTCP.
func NewTCPTransport(cfg TransportConfig) (Transport, error) {
	t := &TCPTransport{}
	t.init(cfg)
	return t, nil
}

// Start binds the listener when ListenAddr is set. Non-blocking.
func (t *TCPTransport) Start() error {
	if t.cfg.ListenAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Addr returns the listener's network address (useful when binding to ":0").
func (t *TCPTransport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Connect dials addr in the background.
func (t *TCPTransport) Connect(addr string, hello []byte) error {
	if err := t.beginDial(); err != nil {
		return err
	}
	var local *net.TCPAddr
	if t.cfg.LocalAddr != "" {
		a, err := net.ResolveTCPAddr("tcp", t.cfg.LocalAddr)
		if err != nil {
			t.endDial()
			return fmt.Errorf("transport local addr: %w", err)
		}
		local = a
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.endDial()

		ctx, cancel := t.dialContext(t.cfg.ConnectTimeout)
		d := net.Dialer{LocalAddr: local}
		conn, err := d.DialContext(ctx, "tcp", addr)
		cancel()
		if err != nil {
			t.dialFailed(addr, fmt.Errorf("transport dial %s: %w", addr, err))
			return
		}
		t.finishDial(t.newLink(conn), hello)
	}()
	return nil
}

// Shutdown closes every link and the listener, then waits for goroutines
// to exit. Safe to call multiple times.
func (t *TCPTransport) Shutdown(reason string) error {
	var err error
	t.stopOnce.Do(func() {
		t.closeAll(reason)
		if t.listener != nil {
			err = multierr.Append(err, t.listener.Close())
		}
		t.wg.Wait()
	})
	return err
}

func (t *TCPTransport) newLink(conn net.Conn) *link {
	l := newLink(&t.transportBase, conn.RemoteAddr().String(), conn)
	l.closeConn = func(closeCode, string) {
		if tc, ok := conn.(*net.TCPConn); ok && tc.CloseWrite() == nil {
			conn.SetReadDeadline(time.Now().Add(tcpLinger))
			return
		}
		conn.Close()
	}
	l.release = func() { conn.Close() }
	return l
}

// --- accept loop ---

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	var backoff acceptBackoff
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.log.Error("transport accept error", zap.Error(err))
			if !backoff.wait(t.done) {
				return
			}
			continue
		}
		backoff.reset()
		t.wg.Add(1)
		go t.handleInbound(conn)
	}
}

// handleInbound reads the Hello frame and hands the connection to the
// handshake.
func (t *TCPTransport) handleInbound(conn net.Conn) {
	defer t.wg.Done()

	conn.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))

	l := t.newLink(conn)
	tag, hello, err := readFrame(l.reader)
	if err != nil || tag != tagHello {
		t.log.Warn("transport handshake read failed",
			zap.String("remote", l.remote), zap.String("tag", tagName(tag)), zap.Error(err))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	t.finishAccept(l, hello)
}
