package relay

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"vauchi/internal/vcrypto"
)

func marshalHandshake(p HandshakePayload) ([]byte, error) { return json.Marshal(p) }

func newFrameID() string { return uuid.NewString() }

// Connection states, mirroring the core's single-connection lifecycle.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var (
	ErrNotConnected  = errors.New("relay: not connected")
	ErrNoRelayReady  = errors.New("relay: every configured relay is in cooldown")
	ErrMissingIdentity = errors.New("relay: identity signing key is required")
)

// Config controls one Client's connection behavior.
type Config struct {
	URLs                []string
	PinnedCertSHA256    []byte
	HandshakeTimeout    time.Duration
	ReconnectInterval   time.Duration
	ReconnectBackoffMax time.Duration
	RelayCooldown       time.Duration
}

// DefaultConfig mirrors the teacher's reconnect defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:    5 * time.Second,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
		RelayCooldown:       30 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.RelayCooldown <= 0 {
		cfg.RelayCooldown = def.RelayCooldown
	}
	return cfg
}

// Status is a point-in-time snapshot of the client's connection.
type Status struct {
	State        string
	ConnectedURL string
	LastConnect  time.Time
	Reconnects   int
}

// Client holds one identity's relay connection: it dials the next
// configured relay not in cooldown, performs the signed handshake, and
// exposes Send/Subscribe over the resulting framed connection.
type Client struct {
	mu      sync.RWMutex
	cfg     Config
	dialer  Dialer
	health  *HealthTracker
	signPub ed25519.PublicKey
	signKey ed25519.PrivateKey

	conn    Conn
	status  Status
	handler func(Frame)

	backoff        time.Duration
	readCancel     context.CancelFunc
	readWG         sync.WaitGroup
}

// NewClient builds a client over dialer, authenticating the handshake
// with the given identity signing key pair.
func NewClient(cfg Config, dialer Dialer, signPub ed25519.PublicKey, signKey ed25519.PrivateKey) *Client {
	cfg = normalizeConfig(cfg)
	return &Client{
		cfg:     cfg,
		dialer:  dialer,
		health:  NewHealthTracker(cfg.URLs, cfg.RelayCooldown),
		signPub: signPub,
		signKey: signKey,
		status:  Status{State: StateDisconnected},
		backoff: cfg.ReconnectInterval,
	}
}

// Connect dials the next healthy relay and performs the signed
// handshake. On success the client is Connected; on failure the
// attempted URL is put into cooldown and the error is returned.
func (c *Client) Connect(ctx context.Context) error {
	if len(c.signPub) == 0 || len(c.signKey) == 0 {
		return ErrMissingIdentity
	}
	url, ok := c.health.Next(time.Now())
	if !ok {
		return ErrNoRelayReady
	}

	c.mu.Lock()
	c.status.State = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(dialCtx, url, c.cfg.PinnedCertSHA256)
	if err != nil {
		c.health.MarkFailure(url, time.Now())
		c.setDisconnected()
		return err
	}

	handshake, err := c.buildHandshake()
	if err != nil {
		_ = conn.Close()
		c.setDisconnected()
		return err
	}
	if err := conn.WriteFrame(dialCtx, handshake); err != nil {
		_ = conn.Close()
		c.health.MarkFailure(url, time.Now())
		c.setDisconnected()
		return err
	}

	c.health.MarkSuccess(url)
	c.mu.Lock()
	c.conn = conn
	c.status = Status{State: StateConnected, ConnectedURL: url, LastConnect: time.Now(), Reconnects: c.status.Reconnects}
	c.backoff = c.cfg.ReconnectInterval
	c.mu.Unlock()
	return nil
}

func (c *Client) buildHandshake() (Frame, error) {
	nonce, err := vcrypto.RandomBytes(32)
	if err != nil {
		return Frame{}, err
	}
	now := time.Now().UTC()
	sig := ed25519.Sign(c.signKey, HandshakeSigningBytes(nonce, now))
	payload := HandshakePayload{IdentityPub: c.signPub, Nonce: nonce, Timestamp: now, Signature: sig}
	raw, err := marshalHandshake(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{MessageID: newFrameID(), Timestamp: now, Kind: KindHandshake, Payload: raw}, nil
}

// Send writes a frame over the current connection.
func (c *Client) Send(ctx context.Context, f Frame) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.status.State == StateConnected || c.status.State == StateDegraded
	c.mu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteFrame(ctx, f); err != nil {
		c.degrade()
		return err
	}
	return nil
}

// Subscribe starts a background read loop delivering inbound frames to
// handler until the client disconnects or ctx is canceled.
func (c *Client) Subscribe(ctx context.Context, handler func(Frame)) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.handler = handler
	readCtx, cancel := context.WithCancel(ctx)
	c.readCancel = cancel
	c.readWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.readWG.Done()
		for {
			f, err := conn.ReadFrame(readCtx)
			if err != nil {
				c.degrade()
				return
			}
			handler(f)
		}
	}()
	return nil
}

// Handler returns the most recently registered Subscribe callback, so
// a reconnect loop can resubscribe on the new connection without
// keeping its own copy of the handler.
func (c *Client) Handler() func(Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

// Status returns a snapshot of the client's current connection state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Close tears down the current connection and stops the read loop.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.readCancel
	c.conn = nil
	c.readCancel = nil
	c.status.State = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		c.readWG.Wait()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// NextBackoff returns, and doubles, the client's reconnect backoff,
// capped at ReconnectBackoffMax.
func (c *Client) NextBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.backoff
	c.backoff *= 2
	if c.backoff > c.cfg.ReconnectBackoffMax {
		c.backoff = c.cfg.ReconnectBackoffMax
	}
	return current
}

func (c *Client) degrade() {
	c.mu.Lock()
	if c.status.State == StateConnected {
		c.status.State = StateDegraded
	}
	c.mu.Unlock()
}

func (c *Client) setDisconnected() {
	c.mu.Lock()
	c.status.State = StateDisconnected
	c.mu.Unlock()
}
