package peerlink

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// Network selects the built-in transport.
type Network string

const (
	NetworkTCP  Network = "tcp"
	NetworkQUIC Network = "quic"
)

type Option func(*config)

type config struct {
	alias     string
	localAddr string

	network   Network
	transport TransportFactory // overrides network when set
	tls       *tls.Config

	delivery            DeliveryMode
	allowDuplicateAlias bool

	connectTimeout   time.Duration
	queryTimeout     time.Duration
	handshakeTimeout time.Duration
	pollInterval     time.Duration
	pingInterval     time.Duration
	idleTimeout      time.Duration
	writeTimeout     time.Duration

	// Bind retries on consecutive ports after the first failure. 0 = none.
	portRetries int

	// Handshake admission rate. rate.Inf = unlimited.
	handshakeRate  rate.Limit
	handshakeBurst int

	// Admin server address (e.g. "127.0.0.1:9090"). Empty = disabled.
	adminAddr string

	logger   *zap.Logger
	logLevel zapcore.Level

	clock           clock.Clock
	lateReplyMemory int
}

func defaultConfig() config {
	return config{
		network:          NetworkTCP,
		delivery:         DeliveryReliableOrdered,
		connectTimeout:   5 * time.Second,
		queryTimeout:     5 * time.Second,
		handshakeTimeout: 5 * time.Second,
		pollInterval:     200 * time.Millisecond,
		pingInterval:     2 * time.Second,
		idleTimeout:      30 * time.Second,
		writeTimeout:     5 * time.Second,
		handshakeRate:    rate.Inf,
		logLevel:         zapcore.InfoLevel,
		lateReplyMemory:  defaultLateReplyMemory,
	}
}

func (c *config) validate() error {
	switch {
	case c.network != NetworkTCP && c.network != NetworkQUIC && c.transport == nil:
		return fmt.Errorf("peerlink: unknown network %q", c.network)
	case c.delivery != DeliveryReliableOrdered && c.delivery != DeliveryBestEffort:
		return fmt.Errorf("peerlink: default delivery must be reliable or best-effort, got %v", c.delivery)
	case c.connectTimeout <= 0, c.queryTimeout <= 0, c.handshakeTimeout <= 0:
		return fmt.Errorf("peerlink: timeouts must be positive")
	case c.pollInterval <= 0:
		return fmt.Errorf("peerlink: poll interval must be positive")
	case c.pingInterval < 0, c.idleTimeout < 0, c.writeTimeout < 0:
		return fmt.Errorf("peerlink: intervals must not be negative")
	case c.portRetries < 0:
		return fmt.Errorf("peerlink: port retries must not be negative")
	case c.handshakeRate != rate.Inf && (c.handshakeRate <= 0 || c.handshakeBurst < 1):
		return fmt.Errorf("peerlink: handshake rate needs a positive limit and burst")
	}
	return nil
}

func (c *config) transportFactory() TransportFactory {
	if c.transport != nil {
		return c.transport
	}
	if c.network == NetworkQUIC {
		return NewQUICTransport
	}
	return NewTCPTransport
}

func (c *config) transportConfig(listenAddr string, log *zap.Logger) TransportConfig {
	return TransportConfig{
		ListenAddr:       listenAddr,
		LocalAddr:        c.localAddr,
		HandshakeTimeout: c.handshakeTimeout,
		ConnectTimeout:   c.connectTimeout,
		PingInterval:     c.pingInterval,
		IdleTimeout:      c.idleTimeout,
		WriteTimeout:     c.writeTimeout,
		TLS:              c.tls,
		Logger:           log,
	}
}

// WithAlias sets the name this endpoint presents to peers. Defaults to
// the local address.
func WithAlias(alias string) Option {
	return func(c *config) {
		c.alias = alias
	}
}

// WithLocalAddr binds outbound connections to addr.
func WithLocalAddr(addr string) Option {
	return func(c *config) {
		c.localAddr = addr
	}
}

func WithNetwork(n Network) Option {
	return func(c *config) {
		c.network = n
	}
}

// WithTransport replaces the built-in transports.
func WithTransport(f TransportFactory) Option {
	return func(c *config) {
		c.transport = f
	}
}

// WithTLSConfig overrides the QUIC TLS configuration.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *config) {
		c.tls = cfg
	}
}

// WithDeliveryMode sets the mode used when a call passes DeliveryDefault.
func WithDeliveryMode(m DeliveryMode) Option {
	return func(c *config) {
		c.delivery = m
	}
}

func WithAllowDuplicateAlias(allow bool) Option {
	return func(c *config) {
		c.allowDuplicateAlias = allow
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) {
		c.connectTimeout = d
	}
}

// WithQueryTimeout sets the timeout used when Query is passed zero.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) {
		c.queryTimeout = d
	}
}

// WithHandshakeTimeout bounds how long a connection request may wait for
// a decision before it is denied.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		c.handshakeTimeout = d
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		c.pollInterval = d
	}
}

// WithPingInterval sets how often latency probes are sent. 0 disables them.
func WithPingInterval(d time.Duration) Option {
	return func(c *config) {
		c.pingInterval = d
	}
}

// WithIdleTimeout closes connections that receive nothing for d. 0 disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) {
		c.idleTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		c.writeTimeout = d
	}
}

// WithPortRetries lets Server.Start try up to n following ports when the
// configured one is taken.
func WithPortRetries(n int) Option {
	return func(c *config) {
		c.portRetries = n
	}
}

// WithHandshakeRate limits admissions to r per second with the given burst.
func WithHandshakeRate(r rate.Limit, burst int) Option {
	return func(c *config) {
		c.handshakeRate = r
		c.handshakeBurst = burst
	}
}

func WithAdminAddr(addr string) Option {
	return func(c *config) {
		c.adminAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithLogLevel sets the level of the default logger. Ignored when
// WithLogger is used.
func WithLogLevel(level zapcore.Level) Option {
	return func(c *config) {
		c.logLevel = level
	}
}

// WithClock replaces the clock used for query and connect timeouts.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}

// WithLateReplyMemory sets how many timed-out query ids are remembered.
func WithLateReplyMemory(n int) Option {
	return func(c *config) {
		c.lateReplyMemory = n
	}
}
