package peerlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// QUICTransport carries links over QUIC.
//
// Invariants:
//   - Each connection has one bidirectional control stream, opened by the
//     dialer, carrying the same frames as TCP.
//   - Best-effort data rides unreliable datagrams as [tagData][message].
//     A datagram the connection cannot carry falls back to the stream.
//   - Denials and closes are signalled with CloseWithError, so the reason
//     reaches the remote side even when the stream frame is discarded.
type QUICTransport struct {
	transportBase
	listener *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQUICTransport is the TransportFactory for NetworkQUIC.
func NewQUICTransport(cfg TransportConfig) (Transport, error) {
	t := &QUICTransport{}
	t.init(cfg)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

func (t *QUICTransport) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: t.cfg.ConnectTimeout,
		MaxIdleTimeout:       t.cfg.IdleTimeout,
		KeepAlivePeriod:      t.cfg.PingInterval,
		EnableDatagrams:      true,
	}
}

// Start binds the UDP listener when ListenAddr is set. Non-blocking.
func (t *QUICTransport) Start() error {
	if t.cfg.ListenAddr == "" {
		return nil
	}
	tlsConf, err := serverTLS(t.cfg.TLS)
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(t.cfg.ListenAddr, tlsConf, t.quicConfig())
	if err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *QUICTransport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Connect dials addr in the background from a fresh UDP socket bound to
// LocalAddr.
func (t *QUICTransport) Connect(addr string, hello []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("transport resolve %s: %w", addr, err)
	}
	var local *net.UDPAddr
	if t.cfg.LocalAddr != "" {
		if local, err = net.ResolveUDPAddr("udp", t.cfg.LocalAddr); err != nil {
			return fmt.Errorf("transport local addr: %w", err)
		}
	}
	if err := t.beginDial(); err != nil {
		return err
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.endDial()

		udp, err := net.ListenUDP("udp", local)
		if err != nil {
			t.dialFailed(addr, fmt.Errorf("transport bind: %w", err))
			return
		}
		tr := &quic.Transport{Conn: udp}
		closeSocket := func() {
			tr.Close()
			udp.Close()
		}

		ctx, cancel := t.dialContext(t.cfg.ConnectTimeout)
		qc, err := tr.Dial(ctx, raddr, clientTLS(t.cfg.TLS), t.quicConfig())
		if err != nil {
			cancel()
			closeSocket()
			t.dialFailed(addr, fmt.Errorf("transport dial %s: %w", addr, err))
			return
		}
		stream, err := qc.OpenStreamSync(ctx)
		cancel()
		if err != nil {
			qc.CloseWithError(quic.ApplicationErrorCode(closeBye), "no control stream")
			closeSocket()
			t.dialFailed(addr, fmt.Errorf("transport open stream: %w", err))
			return
		}

		l := t.newLink(qc, stream)
		l.release = closeSocket
		t.finishDial(l, hello)
	}()
	return nil
}

// Shutdown closes every link, waits for goroutines to exit, then closes
// the listener. Safe to call multiple times.
func (t *QUICTransport) Shutdown(reason string) error {
	var err error
	t.stopOnce.Do(func() {
		t.closeAll(reason)
		t.cancel()
		// Links send CloseWithError over the listener's socket.
		t.wg.Wait()
		if t.listener != nil {
			err = multierr.Append(err, t.listener.Close())
		}
	})
	return err
}

func (t *QUICTransport) newLink(qc quic.Connection, stream quic.Stream) *link {
	l := newLink(&t.transportBase, qc.RemoteAddr().String(), stream)
	l.dgram = qc
	l.closeConn = func(code closeCode, reason string) {
		qc.CloseWithError(quic.ApplicationErrorCode(code), reason)
	}
	l.remoteClose = quicCloseReason
	return l
}

func quicCloseReason(err error) (reason string, denied, ok bool) {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.ErrorMessage, appErr.ErrorCode == quic.ApplicationErrorCode(closeDeny), true
	}
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return "idle timeout", false, true
	}
	return "", false, false
}

// --- accept loop ---

func (t *QUICTransport) acceptLoop() {
	defer t.wg.Done()
	var backoff acceptBackoff
	for {
		qc, err := t.listener.Accept(t.ctx)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return
			}
			t.log.Error("transport accept error", zap.Error(err))
			if !backoff.wait(t.done) {
				return
			}
			continue
		}
		backoff.reset()
		t.wg.Add(1)
		go t.handleInbound(qc)
	}
}

// handleInbound waits for the control stream and its Hello frame.
func (t *QUICTransport) handleInbound(qc quic.Connection) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.HandshakeTimeout)
	stream, err := qc.AcceptStream(ctx)
	cancel()
	if err != nil {
		t.log.Warn("transport control stream not opened",
			zap.String("remote", qc.RemoteAddr().String()), zap.Error(err))
		qc.CloseWithError(quic.ApplicationErrorCode(closeBye), "no control stream")
		return
	}

	l := t.newLink(qc, stream)
	stream.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	tag, hello, err := readFrame(l.reader)
	if err != nil || tag != tagHello {
		t.log.Warn("transport handshake read failed",
			zap.String("remote", l.remote), zap.String("tag", tagName(tag)), zap.Error(err))
		qc.CloseWithError(quic.ApplicationErrorCode(closeBye), "malformed handshake")
		return
	}
	stream.SetReadDeadline(time.Time{})

	t.finishAccept(l, hello)
}
