package peerlink

import (
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HandshakeFunc decides a connection request by calling exactly one of
// req.Approve or req.Deny, now or later from another goroutine. Returning
// an error denies the request. A request left undecided is denied when
// the handshake timeout expires.
type HandshakeFunc func(req *HandshakeRequest) error

// HandshakeRequest is a client asking to be admitted.
type HandshakeRequest struct {
	Address string
	Alias   string
	Message Message // the client's handshake message

	ctl      *handshakeController
	conn     Conn
	approval Approval
	decided  atomic.Bool
}

// Approve admits the client. response (may be nil) is delivered to the
// client's Connect. The peer is registered before the client is told.
func (r *HandshakeRequest) Approve(response Message) error {
	if !r.decided.CompareAndSwap(false, true) {
		return ErrHandshakeDecided
	}
	var payload []byte
	if response != nil {
		b, err := Encode(response)
		if err != nil {
			r.ctl.deny(r, "handshake response rejected")
			return err
		}
		payload = b
	}

	p := newPeer(r.Address, r.Alias, r.conn, r.ctl.now())
	if err := r.ctl.registry.Add(p); err != nil {
		reason := "registration failed"
		if errors.Is(err, ErrDuplicateAlias) {
			reason = reasonDuplicateAlias
		}
		r.ctl.deny(r, reason)
		return err
	}
	if err := r.approval.Approve(payload); err != nil {
		// The transport already gave up on this request.
		r.ctl.registry.Remove(r.Address)
		r.ctl.result("expired")
		return err
	}
	r.ctl.result("approved")
	r.ctl.log.Info("handshake approved",
		zap.String("remote", r.Address), zap.String("peer_alias", r.Alias), zap.Stringer("session", p.Session))
	return nil
}

// Deny rejects the client with reason.
func (r *HandshakeRequest) Deny(reason string) error {
	if !r.decided.CompareAndSwap(false, true) {
		return ErrHandshakeDecided
	}
	return r.ctl.deny(r, reason)
}

const (
	reasonDuplicateAlias = "duplicate alias"
	reasonMalformed      = "malformed handshake"
	reasonRateLimited    = "rate limited"
	reasonHandlerFailed  = "handshake handler failed"
	reasonUnauthorized   = "unauthorized"
)

// handshakeController admits or rejects connection requests for a Server.
type handshakeController struct {
	registry *Registry
	limiter  *rate.Limiter // nil when unlimited
	metrics  *Metrics
	log      *zap.Logger
	now      func() time.Time

	allowDuplicate bool
	handler        atomic.Pointer[HandshakeFunc]
}

func (h *handshakeController) result(r string) {
	h.metrics.Handshakes.WithLabelValues(r).Inc()
}

func (h *handshakeController) deny(r *HandshakeRequest, reason string) error {
	err := r.approval.Deny(reason)
	h.result("denied")
	h.log.Info("handshake denied", zap.String("remote", r.Address), zap.String("peer_alias", r.Alias), zap.String("reason", reason))
	return err
}

// handle runs on the endpoint loop for every connection request.
func (h *handshakeController) handle(ev Event, call func(what string, fn func()) bool) {
	req := &HandshakeRequest{
		Address:  ev.Conn.RemoteAddr(),
		ctl:      h,
		conn:     ev.Conn,
		approval: ev.Approval,
	}

	msg, err := Decode(ev.Payload)
	if err != nil {
		h.log.Debug("handshake decode failed", zap.String("remote", req.Address), zap.Error(err))
		req.Deny(reasonMalformed)
		return
	}
	req.Message = msg
	req.Alias = ContentOf(msg).Metadata[MetaAlias]
	if req.Alias == "" {
		req.Alias = req.Address
	}

	if h.limiter != nil && !h.limiter.Allow() {
		req.Deny(reasonRateLimited)
		return
	}
	if !h.allowDuplicate && h.registry.HasAlias(req.Alias) {
		req.Deny(reasonDuplicateAlias)
		return
	}

	fnp := h.handler.Load()
	if fnp == nil {
		req.Approve(nil)
		return
	}

	var herr error
	panicked := call("handshake", func() { herr = (*fnp)(req) })
	switch {
	case panicked:
		req.Deny(reasonHandlerFailed)
	case herr != nil:
		req.Deny(herr.Error())
	}
}
