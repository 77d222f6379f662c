package peerlink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// link is one framed connection, shared by the TCP and QUIC transports.
//
// Invariants:
//   - Exactly one goroutine (writeLoop) writes to the stream once the
//     link is running. Handshake frames are written before run starts.
//   - The reader pushes events in arrival order. The Disconnected event
//     is pushed after every reader goroutine has exited, so it always
//     follows the last Data event of the link.
//   - The first close reason recorded wins: a local Close, a remote Bye,
//     or the read error that ended the link.
//   - Any goroutine failing cancels the group; the closer then half-closes
//     the underlying connection so the remaining goroutines unblock.
type link struct {
	base   *transportBase
	remote string
	stream frameStream
	reader *bufio.Reader
	dgram  datagramConn // nil when the transport has no unreliable channel

	// closeConn starts tearing the connection down. release frees it once
	// every goroutine has exited.
	closeConn func(code closeCode, reason string)
	release   func()
	// remoteClose interprets transport-specific close errors.
	remoteClose func(err error) (reason string, denied, ok bool)

	sendCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	reason string
}

type frameStream interface {
	io.ReadWriter
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

type datagramConn interface {
	SendDatagram([]byte) error
	ReceiveDatagram(context.Context) ([]byte, error)
}

// closeCode tells the remote side why a connection was torn down, for
// transports that can carry it.
type closeCode uint64

const (
	closeBye  closeCode = 0x100
	closeDeny closeCode = 0x101
)

// linkSendBuffer is the capacity of each link's outbound frame channel.
const linkSendBuffer = 4096

// maxBatchBytes caps how many queued bytes the writer coalesces into one Write.
const maxBatchBytes = 256 << 10

var (
	errLinkClosed = errors.New("link closed")
	errRemoteBye  = errors.New("remote closed")
)

func newLink(b *transportBase, remote string, stream frameStream) *link {
	return &link{
		base:        b,
		remote:      remote,
		stream:      stream,
		reader:      bufio.NewReaderSize(stream, 65536),
		closeConn:   func(closeCode, string) {},
		release:     func() {},
		remoteClose: func(error) (string, bool, bool) { return "", false, false },
		sendCh:      make(chan []byte, linkSendBuffer),
		closed:      make(chan struct{}),
	}
}

func (l *link) RemoteAddr() string {
	return l.remote
}

func (l *link) Send(data []byte, mode DeliveryMode) error {
	if mode == DeliveryBestEffort && l.dgram != nil {
		dg := make([]byte, 0, len(data)+1)
		dg = append(dg, tagData)
		dg = append(dg, data...)
		if err := l.dgram.SendDatagram(dg); err == nil {
			return nil
		}
		// Too large for a datagram, or datagrams not negotiated. Use the stream.
	}
	return l.enqueue(appendFrame(make([]byte, 0, 5+len(data)), tagData, data))
}

func (l *link) enqueue(frame []byte) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	select {
	case l.sendCh <- frame:
		return nil
	case <-l.closed:
		return ErrClosed
	}
}

// trySend queues a control frame, dropping it if the queue is full.
func (l *link) trySend(frame []byte) {
	select {
	case l.sendCh <- frame:
	default:
	}
}

func (l *link) Close(reason string) error {
	l.setReason(reason)
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *link) setReason(reason string) {
	l.mu.Lock()
	if l.reason == "" {
		l.reason = reason
	}
	l.mu.Unlock()
}

func (l *link) closeReason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reason == "" {
		return "connection closed"
	}
	return l.reason
}

// --- handshake ---

// accept runs the listening side of the handshake. hello has already
// been read. It reports whether the link was approved; a denied link is
// torn down before accept returns.
func (l *link) accept(hello []byte) bool {
	a := newApproval()
	ev := Event{Type: EventConnectionRequest, Conn: l, Payload: hello, Approval: a}
	if !l.base.push(ev) {
		a.decide(false, nil, "shutting down")
	}
	ok, resp, reason := a.await(l.base.cfg.HandshakeTimeout, l.base.done)

	l.stream.SetWriteDeadline(time.Now().Add(l.base.cfg.WriteTimeout))
	if !ok {
		if err := writeFrame(l.stream, tagDeny, []byte(reason)); err != nil {
			l.base.log.Debug("transport deny write failed", zap.String("remote", l.remote), zap.Error(err))
		}
		l.setReason(reason)
		l.closeConn(closeDeny, reason)
		l.release()
		l.base.log.Info("transport handshake denied", zap.String("remote", l.remote), zap.String("reason", reason))
		return false
	}
	if err := writeFrame(l.stream, tagApprove, resp); err != nil {
		// The reader fails straight away and a Disconnected event follows.
		l.setReason(fmt.Sprintf("approve write: %v", err))
	}
	l.stream.SetWriteDeadline(time.Time{})
	return true
}

// handshake runs the dialing side: send hello, wait for the verdict.
func (l *link) handshake(hello []byte, timeout time.Duration) (accepted bool, payload []byte, reason string, err error) {
	deadline := time.Now().Add(timeout)
	l.stream.SetWriteDeadline(deadline)
	l.stream.SetReadDeadline(deadline)
	defer func() {
		l.stream.SetWriteDeadline(time.Time{})
		l.stream.SetReadDeadline(time.Time{})
	}()

	if err := writeFrame(l.stream, tagHello, hello); err != nil {
		return false, nil, "", fmt.Errorf("transport handshake write: %w", err)
	}
	tag, payload, err := readFrame(l.reader)
	if err != nil {
		if r, denied, ok := l.remoteClose(err); ok && denied {
			return false, nil, r, nil
		}
		return false, nil, "", fmt.Errorf("transport handshake read: %w", err)
	}
	switch tag {
	case tagApprove:
		return true, payload, "", nil
	case tagDeny:
		return false, nil, string(payload), nil
	default:
		return false, nil, "", fmt.Errorf("transport handshake: unexpected %s frame", tagName(tag))
	}
}

// --- running link ---

// run drives the link until it closes, on the goroutine that accepted
// or dialed it.
func (l *link) run() {
	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error { return l.writeLoop(ctx) })
	g.Go(func() error { return l.readLoop(ctx) })
	g.Go(func() error { return l.pingLoop(ctx) })
	if l.dgram != nil {
		g.Go(func() error { return l.datagramLoop(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		l.Close("connection closed")
		l.closeConn(closeBye, l.closeReason())
		return nil
	})

	err := g.Wait()
	l.release()
	l.base.untrack(l)

	reason := l.closeReason()
	l.base.log.Info("transport peer disconnected",
		zap.String("remote", l.remote),
		zap.String("reason", reason),
		zap.NamedError("cause", err))

	l.base.push(Event{Type: EventStatusChanged, Conn: l, State: ConnDisconnected, Reason: reason})
}

func (l *link) writeLoop(ctx context.Context) error {
	var buf []byte
	for {
		select {
		case f := <-l.sendCh:
			buf = append(buf[:0], f...)
		drain:
			for len(buf) < maxBatchBytes {
				select {
				case f := <-l.sendCh:
					buf = append(buf, f...)
				default:
					break drain
				}
			}
			if err := l.write(buf); err != nil {
				l.setReason(fmt.Sprintf("write failed: %v", err))
				return fmt.Errorf("transport write: %w", err)
			}
		case <-l.closed:
			return l.flushBye(buf)
		case <-l.base.done:
			l.Close("shutting down")
			return l.flushBye(buf)
		case <-ctx.Done():
			return nil
		}
	}
}

// flushBye writes whatever is still queued followed by a Bye frame.
func (l *link) flushBye(buf []byte) error {
	buf = buf[:0]
	for drained := false; !drained; {
		select {
		case f := <-l.sendCh:
			buf = append(buf, f...)
		default:
			drained = true
		}
	}
	buf = appendFrame(buf, tagBye, []byte(l.closeReason()))
	if err := l.write(buf); err != nil {
		l.base.log.Debug("transport bye write failed", zap.String("remote", l.remote), zap.Error(err))
	}
	return errLinkClosed
}

func (l *link) write(buf []byte) error {
	if d := l.base.cfg.WriteTimeout; d > 0 {
		l.stream.SetWriteDeadline(time.Now().Add(d))
	}
	_, err := l.stream.Write(buf)
	return err
}

func (l *link) readLoop(ctx context.Context) error {
	idle := l.base.cfg.IdleTimeout
	for {
		if idle > 0 && ctx.Err() == nil {
			l.stream.SetReadDeadline(time.Now().Add(idle))
		}
		tag, payload, err := readFrame(l.reader)
		if err != nil {
			if r, _, ok := l.remoteClose(err); ok {
				l.setReason(r)
			} else {
				l.setReason(readErrorReason(err))
			}
			return fmt.Errorf("transport read: %w", err)
		}

		switch tag {
		case tagData:
			if ctx.Err() != nil {
				continue
			}
			l.base.push(Event{Type: EventData, Conn: l, Payload: payload})
		case tagPing:
			l.trySend(appendFrame(nil, tagPong, payload))
		case tagPong:
			if sent, ok := pingTime(payload); ok {
				l.base.push(Event{Type: EventLatencyUpdated, Conn: l, Latency: time.Since(sent)})
			}
		case tagBye:
			l.setReason(string(payload))
			return errRemoteBye
		default:
			l.base.log.Debug("transport unexpected frame",
				zap.String("remote", l.remote), zap.String("tag", tagName(tag)))
		}
	}
}

func (l *link) pingLoop(ctx context.Context) error {
	interval := l.base.cfg.PingInterval
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.trySend(appendFrame(nil, tagPing, pingPayload(time.Now())))
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *link) datagramLoop(ctx context.Context) error {
	for {
		b, err := l.dgram.ReceiveDatagram(ctx)
		if err != nil {
			// Connection errors surface through the stream reader.
			return nil
		}
		if len(b) < 1 || b[0] != tagData || ctx.Err() != nil {
			continue
		}
		l.base.push(Event{Type: EventData, Conn: l, Payload: b[1:]})
	}
}

func readErrorReason(err error) string {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "connection closed by remote"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "idle timeout"
	case errors.Is(err, net.ErrClosed):
		return "connection closed"
	default:
		return err.Error()
	}
}

// --- shared dial path ---

// finishDial completes an outbound connection whose stream is open and
// reports the outcome as a status event.
func (b *transportBase) finishDial(l *link, hello []byte) {
	ok, payload, reason, err := l.handshake(hello, b.cfg.ConnectTimeout)
	if err != nil || !ok {
		l.closeConn(closeBye, "handshake failed")
		l.release()
		ev := Event{Type: EventStatusChanged, Conn: l, State: ConnDisconnected, Reason: reason, Denied: err == nil}
		if err != nil {
			ev.Reason = err.Error()
		}
		b.log.Info("transport connect failed", zap.String("remote", l.remote), zap.String("reason", ev.Reason))
		b.push(ev)
		return
	}
	if !b.track(l) {
		l.closeConn(closeBye, "shutting down")
		l.release()
		return
	}
	b.log.Info("transport peer connected", zap.String("direction", "outbound"), zap.String("remote", l.remote))
	b.push(Event{Type: EventStatusChanged, Conn: l, State: ConnConnected, Payload: payload})
	l.run()
}

// finishAccept completes an inbound connection once hello has been read.
func (b *transportBase) finishAccept(l *link, hello []byte) {
	if !l.accept(hello) {
		return
	}
	if !b.track(l) {
		l.closeConn(closeBye, "shutting down")
		l.release()
		return
	}
	b.log.Info("transport peer connected", zap.String("direction", "inbound"), zap.String("remote", l.remote))
	b.push(Event{Type: EventStatusChanged, Conn: l, State: ConnConnected})
	l.run()
}

// dialFailed reports a connect attempt that never produced a link.
func (b *transportBase) dialFailed(addr string, err error) {
	b.log.Info("transport connect failed", zap.String("remote", addr), zap.Error(err))
	b.push(Event{Type: EventStatusChanged, State: ConnDisconnected, Reason: err.Error()})
}
