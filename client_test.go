package peerlink

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newFakeClient(t *testing.T, opts ...Option) (*Client, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	opts = append([]Option{
		WithTransport(ft.factory()),
		WithLogger(zaptest.NewLogger(t)),
		WithPollInterval(10 * time.Millisecond),
		WithAlias("IpcClient"),
	}, opts...)
	c, err := NewClient(opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Disconnect("test done") })
	return c, ft
}

type connectOutcome struct {
	resp Message
	err  error
}

func connectAsync(c *Client, timeout time.Duration, hs Content) <-chan connectOutcome {
	ch := make(chan connectOutcome, 1)
	go func() {
		resp, err := c.Connect("127.0.0.1", 4000, timeout, hs)
		ch <- connectOutcome{resp, err}
	}()
	return ch
}

func waitOutcome(t *testing.T, ch <-chan connectOutcome) connectOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
		return connectOutcome{}
	}
}

// connectFake drives a successful handshake and returns the server conn.
func connectFake(t *testing.T, c *Client, ft *fakeTransport) *fakeConn {
	t.Helper()
	dials := ft.dialCount()
	done := connectAsync(c, time.Second, Content{})
	eventually(t, "dial", func() bool { return ft.dialCount() > dials })

	conn := newFakeConn("127.0.0.1:4000")
	ft.push(Event{Type: EventStatusChanged, Conn: conn, State: ConnConnected})
	o := waitOutcome(t, done)
	require.NoError(t, o.err)
	return conn
}

func TestClient_ConnectSendsAliasInHello(t *testing.T) {
	c, ft := newFakeClient(t)

	done := connectAsync(c, time.Second, Content{Metadata: Metadata{"Token": "abc"}, Payload: []byte{1}})
	eventually(t, "dial", func() bool { return ft.lastHello() != nil })
	assert.Equal(t, ClientConnecting, c.Status())

	hello, err := Decode(ft.lastHello())
	require.NoError(t, err)
	hc := ContentOf(hello)
	assert.Equal(t, "IpcClient", hc.Metadata[MetaAlias])
	assert.Equal(t, "abc", hc.Metadata["Token"])
	assert.Equal(t, []byte{1}, hc.Payload)
	assert.Equal(t, []string{"127.0.0.1:4000"}, ft.dials)

	welcome := mustEncode(t, NewInfo(Content{Metadata: Metadata{"Welcome": "1", MetaAlias: "srv"}}))
	conn := newFakeConn("127.0.0.1:4000")
	ft.push(Event{Type: EventStatusChanged, Conn: conn, State: ConnConnected, Payload: welcome})

	o := waitOutcome(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, "1", ContentOf(o.resp).Metadata["Welcome"])
	assert.Equal(t, ClientConnected, c.Status())
	assert.Equal(t, "srv", c.Server().Alias)
}

func TestClient_ConnectWithoutResponse(t *testing.T) {
	c, ft := newFakeClient(t)
	done := connectAsync(c, time.Second, Content{})
	eventually(t, "dial", func() bool { return ft.lastHello() != nil })

	ft.push(Event{Type: EventStatusChanged, Conn: newFakeConn("s:1"), State: ConnConnected})
	o := waitOutcome(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, KindInvalid, o.resp.Kind())
}

func TestClient_ConnectDenied(t *testing.T) {
	c, ft := newFakeClient(t)
	done := connectAsync(c, time.Second, Content{})
	eventually(t, "dial", func() bool { return ft.lastHello() != nil })

	ft.push(Event{Type: EventStatusChanged, Conn: newFakeConn("s:1"), State: ConnDisconnected, Reason: "go away", Denied: true})
	o := waitOutcome(t, done)
	require.ErrorIs(t, o.err, ErrHandshakeDenied)

	var denied *HandshakeDeniedError
	require.True(t, errors.As(o.err, &denied))
	assert.Equal(t, "go away", denied.Reason)
	assert.Equal(t, ClientIdle, c.Status())
}

func TestClient_ConnectFailed(t *testing.T) {
	c, ft := newFakeClient(t)
	done := connectAsync(c, time.Second, Content{})
	eventually(t, "dial", func() bool { return ft.lastHello() != nil })

	ft.push(Event{Type: EventStatusChanged, State: ConnDisconnected, Reason: "connection refused"})
	o := waitOutcome(t, done)
	require.ErrorIs(t, o.err, ErrConnectFailed)
	assert.Equal(t, ClientIdle, c.Status())
}

func TestClient_ConnectTimeoutClosesLateConnection(t *testing.T) {
	c, ft := newFakeClient(t)

	_, err := c.Connect("127.0.0.1", 4000, 30*time.Millisecond, Content{})
	require.ErrorIs(t, err, ErrTimeout)

	// Still waiting on the transport, so no new attempt yet.
	_, err = c.Connect("127.0.0.1", 4000, 30*time.Millisecond, Content{})
	require.ErrorIs(t, err, ErrInvalidState)

	late := newFakeConn("127.0.0.1:4000")
	ft.push(Event{Type: EventStatusChanged, Conn: late, State: ConnConnected})
	eventually(t, "late conn closed", func() bool { return late.closeReason() != "" })
	assert.Nil(t, c.Server())

	ft.push(Event{Type: EventStatusChanged, Conn: late, State: ConnDisconnected, Reason: "connect abandoned"})
	eventually(t, "idle", func() bool { return c.Status() == ClientIdle })
}

func TestClient_ConnectWhileConnected(t *testing.T) {
	c, ft := newFakeClient(t)
	connectFake(t, c, ft)

	_, err := c.Connect("127.0.0.1", 4000, time.Second, Content{})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestClient_ConnectBeforeStart(t *testing.T) {
	c, err := NewClient(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	_, err = c.Connect("127.0.0.1", 4000, time.Second, Content{})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestClient_SendRequiresConnection(t *testing.T) {
	c, _ := newFakeClient(t)
	assert.ErrorIs(t, c.Send(Content{}, DeliveryDefault), ErrInvalidState)
	_, err := c.Query(Content{}, time.Second, DeliveryDefault)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestClient_QueryServer(t *testing.T) {
	c, ft := newFakeClient(t)
	conn := connectFake(t, c, ft)

	type result struct {
		r   *Reply
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := c.Query(Content{Metadata: Metadata{MetaHeader: "Hello"}, Payload: []byte{1, 2, 3}}, time.Second, DeliveryDefault)
		done <- result{r, err}
	}()

	q, ok := conn.next(t).(*Query)
	require.True(t, ok)
	ft.push(Event{Type: EventData, Conn: conn, Payload: mustEncode(t, &Reply{ID: q.ID, Status: StatusSuccess, Content: Content{Payload: []byte{3, 2, 1}}})})

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StatusSuccess, res.r.Status)
	assert.Equal(t, []byte{3, 2, 1}, res.r.Payload)
}

func TestClient_AnswersServerQueries(t *testing.T) {
	c, ft := newFakeClient(t)
	conn := connectFake(t, c, ft)

	c.HandleQuery("Version", func(qe *QueryEvent) {
		qe.Respond(Content{Payload: []byte("1.0")}, StatusSuccess)
	})
	ft.push(Event{Type: EventData, Conn: conn, Payload: mustEncode(t, &Query{ID: 77, Content: Content{Metadata: Metadata{MetaHeader: "Version"}}})})

	r, ok := conn.next(t).(*Reply)
	require.True(t, ok)
	assert.Equal(t, QueryID(77), r.ID)
	assert.Equal(t, "1.0", string(r.Payload))
}

func TestClient_DataFromOtherConnectionDropped(t *testing.T) {
	c, ft := newFakeClient(t)
	connectFake(t, c, ft)

	got := make(chan struct{}, 1)
	c.OnMessageReceived(func(*MessageEvent) { got <- struct{}{} })
	ft.push(Event{Type: EventData, Conn: newFakeConn("intruder:1"), Payload: mustEncode(t, NewInfo(Content{}))})

	eventually(t, "drop counted", func() bool {
		return c.Metrics().Snapshot()["frames_dropped_total."+dropUnauthorized] == 1
	})
	select {
	case <-got:
		t.Fatal("message from unknown connection dispatched")
	default:
	}
}

func TestClient_ServerDisconnectAllowsReconnect(t *testing.T) {
	c, ft := newFakeClient(t)

	reasons := make(chan string, 1)
	c.OnDisconnected(func(reason string) { reasons <- reason })
	conn := connectFake(t, c, ft)

	ft.push(Event{Type: EventStatusChanged, Conn: conn, State: ConnDisconnected, Reason: "server stopping"})
	select {
	case r := <-reasons:
		assert.Equal(t, "server stopping", r)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not called")
	}
	eventually(t, "idle", func() bool { return c.Status() == ClientIdle })
	assert.Nil(t, c.Server())

	connectFake(t, c, ft)
	assert.Equal(t, ClientConnected, c.Status())
}

func TestClient_OnConnectedGetsResponse(t *testing.T) {
	c, ft := newFakeClient(t)
	got := make(chan Message, 1)
	c.OnConnected(func(resp Message) { got <- resp })

	done := connectAsync(c, time.Second, Content{})
	eventually(t, "dial", func() bool { return ft.lastHello() != nil })
	ft.push(Event{Type: EventStatusChanged, Conn: newFakeConn("s:1"), State: ConnConnected,
		Payload: mustEncode(t, NewInfo(Content{Payload: []byte("hi")}))})
	require.NoError(t, waitOutcome(t, done).err)

	select {
	case m := <-got:
		assert.Equal(t, "hi", string(ContentOf(m).Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnected not called")
	}
}

func TestClient_Disconnect(t *testing.T) {
	c, ft := newFakeClient(t)
	connectFake(t, c, ft)

	var reasons []string
	c.OnDisconnected(func(reason string) { reasons = append(reasons, reason) })

	require.NoError(t, c.Disconnect("done here"))
	require.NoError(t, c.Disconnect("again"))
	assert.Equal(t, []string{"done here"}, reasons)
	assert.Equal(t, ClientClosed, c.Status())
	assert.Equal(t, "done here", ft.shutdown)

	_, err := c.Connect("127.0.0.1", 4000, time.Second, Content{})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, c.Start(), ErrClosed)
}

func TestClient_DisconnectReleasesConnect(t *testing.T) {
	c, ft := newFakeClient(t)
	done := connectAsync(c, time.Minute, Content{})
	eventually(t, "dial", func() bool { return ft.lastHello() != nil })

	c.Disconnect("abort")
	o := waitOutcome(t, done)
	assert.ErrorIs(t, o.err, ErrClosed)
}

func TestClient_DialError(t *testing.T) {
	c, ft := newFakeClient(t)
	ft.dialErr = errors.New("no route")

	_, err := c.Connect("127.0.0.1", 4000, time.Second, Content{})
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, ClientIdle, c.Status())
}

func TestClient_AliasDefaultsToLocalAddr(t *testing.T) {
	ft := newFakeTransport()
	c, err := NewClient(WithTransport(ft.factory()), WithLogger(zaptest.NewLogger(t)), WithLocalAddr("127.0.0.1:6000"))
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Disconnect("done")
	assert.Equal(t, "127.0.0.1:6000", c.Alias())
}
