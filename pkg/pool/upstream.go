// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ArieGato/amqproxy/pkg/amqp"
	perrors "github.com/ArieGato/amqproxy/pkg/errors"
)

// ConnState is the lifecycle state of an upstream connection.
type ConnState int

const (
	StateHandshaking ConnState = iota
	StateIdle
	StateLeased
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameSink receives traffic from an upstream connection while it is
// leased. Deliver is called from the read pump goroutine with frames
// addressed to mapped channels plus channel-0 flow-control methods.
// UpstreamClosed is called at most once, when the broker closes or
// resets the connection under the lease.
type FrameSink interface {
	Deliver(f amqp.Frame)
	UpstreamClosed(replyCode uint16, replyText string)
}

// Upstream is one pooled broker connection. It owns the socket, the
// channel-id space and the protocol keepalive; sessions borrow it via
// Pool.Lease and multiplex their channels onto ids handed out by
// AllocateChannel.
type Upstream struct {
	id       string
	identity Identity
	conn     net.Conn
	br       *bufio.Reader
	logger   *slog.Logger

	// writeMu serializes whole frames onto the socket. Keepalive and
	// session relay write concurrently.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        ConnState
	broken       bool
	lastIdle     time.Time
	sink         FrameSink
	channelMax   uint16
	nextChannel  uint16
	inUse        map[uint16]struct{}
	pendingClose map[uint16]struct{}

	heartbeat time.Duration
	cancel    context.CancelFunc
	onBroken  func(*Upstream)
}

// dialUpstream connects, performs the client-role handshake and starts
// the read pump and keepalive goroutines.
func dialUpstream(ctx context.Context, identity Identity, cfg Config, onBroken func(*Upstream)) (*Upstream, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", identity.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %s", perrors.ErrUpstreamUnavailable, identity.Addr(), err)
	}

	if identity.TLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         identity.Host,
			InsecureSkipVerify: cfg.TLSSkipVerify,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: tls %s: %s", perrors.ErrUpstreamUnavailable, identity.Addr(), err)
		}
		conn = tlsConn
	}

	u := &Upstream{
		id:           uuid.NewString(),
		identity:     identity,
		conn:         conn,
		br:           bufio.NewReaderSize(conn, 64*1024),
		logger:       cfg.Logger,
		state:        StateHandshaking,
		channelMax:   amqp.DefaultChannelMax,
		nextChannel:  1,
		inUse:        make(map[uint16]struct{}),
		pendingClose: make(map[uint16]struct{}),
		heartbeat:    cfg.Heartbeat,
		onBroken:     onBroken,
	}
	if u.logger == nil {
		u.logger = slog.Default()
	}
	u.logger = u.logger.With(slog.String("upstream_id", u.id), slog.String("upstream", identity.String()))

	if err := u.handshake(ctx, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake %s: %s", perrors.ErrUpstreamUnavailable, identity.Addr(), err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	go u.readPump(pumpCtx)
	if u.heartbeat > 0 {
		go u.keepalive(pumpCtx)
	}

	return u, nil
}

// handshake runs the client side of the connection negotiation:
// protocol header, start/start-ok, tune/tune-ok, open/open-ok.
func (u *Upstream) handshake(ctx context.Context, cfg Config) error {
	deadline := time.Now().Add(cfg.DialTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := u.conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer u.conn.SetDeadline(time.Time{})

	if _, err := u.conn.Write(amqp.ProtocolHeader); err != nil {
		return err
	}

	if _, err := u.expectMethod(amqp.ClassConnection, amqp.MethodConnectionStart); err != nil {
		return err
	}

	props := map[string]string{
		"product":  "amqproxy",
		"platform": "golang",
	}
	startOk := amqp.MethodFrame(0, amqp.ClassConnection, amqp.MethodConnectionStartOk,
		amqp.StartOkArgs(props, u.identity.Username, u.identity.Password))
	if err := amqp.WriteFrame(u.conn, startOk); err != nil {
		return err
	}

	tuneArgs, err := u.expectMethod(amqp.ClassConnection, amqp.MethodConnectionTune)
	if err != nil {
		return err
	}
	serverChannelMax, _, serverHeartbeat, err := amqp.ParseTune(tuneArgs)
	if err != nil {
		return err
	}
	if serverChannelMax != 0 && serverChannelMax < u.channelMax {
		u.channelMax = serverChannelMax
	}
	if cfg.Heartbeat == 0 || (serverHeartbeat > 0 && time.Duration(serverHeartbeat)*time.Second < cfg.Heartbeat) {
		u.heartbeat = time.Duration(serverHeartbeat) * time.Second
	}
	if serverHeartbeat == 0 {
		u.heartbeat = 0
	}

	tuneOk := amqp.MethodFrame(0, amqp.ClassConnection, amqp.MethodConnectionTuneOk,
		amqp.TuneArgs(u.channelMax, amqp.DefaultFrameMax, uint16(u.heartbeat/time.Second)))
	if err := amqp.WriteFrame(u.conn, tuneOk); err != nil {
		return err
	}

	open := amqp.MethodFrame(0, amqp.ClassConnection, amqp.MethodConnectionOpen,
		amqp.OpenArgs(u.identity.VHost))
	if err := amqp.WriteFrame(u.conn, open); err != nil {
		return err
	}
	if _, err := u.expectMethod(amqp.ClassConnection, amqp.MethodConnectionOpenOk); err != nil {
		return err
	}

	return nil
}

// expectMethod reads frames until a channel-0 method arrives and checks
// it is the one awaited. A connection.close here surfaces the broker's
// reply text, typically an authentication or vhost refusal.
func (u *Upstream) expectMethod(classID, methodID uint16) ([]byte, error) {
	for {
		f, err := amqp.ReadFrame(u.br)
		if err != nil {
			return nil, err
		}
		if f.IsHeartbeat() {
			continue
		}
		if f.Type != amqp.FrameMethod || f.Channel != 0 {
			return nil, fmt.Errorf("%w: unexpected frame type %d channel %d during handshake",
				amqp.ErrMalformedFrame, f.Type, f.Channel)
		}
		class, method, args, err := amqp.ParseMethod(f.Payload)
		if err != nil {
			return nil, err
		}
		if class == amqp.ClassConnection && method == amqp.MethodConnectionClose {
			code, text, _ := amqp.ParseClose(args)
			closeOk := amqp.MethodFrame(0, amqp.ClassConnection, amqp.MethodConnectionCloseOk, nil)
			_ = amqp.WriteFrame(u.conn, closeOk)
			return nil, fmt.Errorf("broker refused connection: %d %s", code, text)
		}
		if class != classID || method != methodID {
			return nil, fmt.Errorf("%w: expected method %d.%d, got %d.%d",
				amqp.ErrMalformedFrame, classID, methodID, class, method)
		}
		return args, nil
	}
}

// ID returns the connection's unique identifier.
func (u *Upstream) ID() string { return u.id }

// Identity returns the pooling key this connection was opened for.
func (u *Upstream) Identity() Identity { return u.identity }

// ChannelMax returns the negotiated channel ceiling.
func (u *Upstream) ChannelMax() uint16 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.channelMax
}

// State returns the current lifecycle state.
func (u *Upstream) State() ConnState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Broken reports whether the broker side failed.
func (u *Upstream) Broken() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.broken
}

// WriteFrame sends one frame upstream. Safe for concurrent use.
func (u *Upstream) WriteFrame(f amqp.Frame) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	return amqp.WriteFrame(u.conn, f)
}

// Attach points the read pump at a session's sink. Must be called
// before the session forwards any client frame.
func (u *Upstream) Attach(sink FrameSink) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sink = sink
}

// Detach disconnects the sink. Frames arriving afterwards for channels
// still in pendingClose are absorbed by the pump.
func (u *Upstream) Detach() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sink = nil
}

// AllocateChannel reserves a free upstream channel id. Ids in
// pendingClose stay reserved until the broker confirms the close, so a
// new session can never collide with a predecessor's in-flight channel.
func (u *Upstream) AllocateChannel() (uint16, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for scanned := uint16(0); scanned < u.channelMax; scanned++ {
		id := u.nextChannel
		u.nextChannel++
		if u.nextChannel > u.channelMax {
			u.nextChannel = 1
		}
		if _, busy := u.inUse[id]; busy {
			continue
		}
		if _, closing := u.pendingClose[id]; closing {
			continue
		}
		u.inUse[id] = struct{}{}
		return id, nil
	}
	return 0, perrors.ErrChannelExhausted
}

// FreeChannel returns an id to the allocator. Idempotent.
func (u *Upstream) FreeChannel(id uint16) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.inUse, id)
	delete(u.pendingClose, id)
}

// CloseChannel sends channel.close for id and parks it in pendingClose
// until the broker's close-ok arrives. Used when a session ends without
// the client closing its channels.
func (u *Upstream) CloseChannel(id uint16) error {
	u.mu.Lock()
	if _, busy := u.inUse[id]; !busy {
		u.mu.Unlock()
		return nil
	}
	delete(u.inUse, id)
	u.pendingClose[id] = struct{}{}
	u.mu.Unlock()

	f := amqp.MethodFrame(id, amqp.ClassChannel, amqp.MethodChannelClose,
		amqp.CloseArgs(amqp.ReplySuccess, "session ended", 0, 0))
	return u.WriteFrame(f)
}

// OpenChannels returns the number of allocated plus pending-close ids.
func (u *Upstream) OpenChannels() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.inUse) + len(u.pendingClose)
}

func (u *Upstream) setLeased() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = StateLeased
}

// setIdle stamps lastIdle. The stamp happens exactly once per release,
// so the idle sweeper measures time since last use, not creation.
func (u *Upstream) setIdle() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state = StateIdle
	u.lastIdle = time.Now()
	u.sink = nil
}

func (u *Upstream) idleBefore(cutoff time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == StateIdle && u.lastIdle.Before(cutoff)
}

// readPump owns all reads from the broker for the connection's
// lifetime, across leases and idle periods.
func (u *Upstream) readPump(ctx context.Context) {
	for {
		f, err := amqp.ReadFrame(u.br)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			u.mu.Lock()
			done := u.state == StateClosing || u.state == StateClosed
			u.mu.Unlock()
			if done {
				return
			}
			u.fail(amqp.ReplyConnectionForced, "upstream connection lost")
			return
		}

		if f.Channel == 0 {
			if !u.handleChannelZero(f) {
				return
			}
			continue
		}

		u.mu.Lock()
		if _, closing := u.pendingClose[f.Channel]; closing {
			if f.Type == amqp.FrameMethod {
				class, method, _, perr := amqp.ParseMethod(f.Payload)
				if perr == nil && class == amqp.ClassChannel && method == amqp.MethodChannelCloseOk {
					delete(u.pendingClose, f.Channel)
				}
			}
			// Residual traffic on a closing channel is absorbed.
			u.mu.Unlock()
			continue
		}
		sink := u.sink
		u.mu.Unlock()

		if sink != nil {
			sink.Deliver(f)
		} else {
			u.logger.Debug("dropping frame for unleased connection",
				slog.Int("channel", int(f.Channel)), slog.Int("type", int(f.Type)))
		}
	}
}

// handleChannelZero processes connection-scope frames from the broker.
// Returns false when the pump must stop.
func (u *Upstream) handleChannelZero(f amqp.Frame) bool {
	if f.IsHeartbeat() {
		return true
	}
	if f.Type != amqp.FrameMethod {
		u.fail(amqp.ReplyFrameError, "non-method frame on channel 0")
		return false
	}

	class, method, args, err := amqp.ParseMethod(f.Payload)
	if err != nil {
		u.fail(amqp.ReplyFrameError, "malformed method frame on channel 0")
		return false
	}
	if class != amqp.ClassConnection {
		u.logger.Debug("ignoring channel 0 method", slog.Int("class", int(class)), slog.Int("method", int(method)))
		return true
	}

	switch method {
	case amqp.MethodConnectionClose:
		code, text, _ := amqp.ParseClose(args)
		closeOk := amqp.MethodFrame(0, amqp.ClassConnection, amqp.MethodConnectionCloseOk, nil)
		_ = u.WriteFrame(closeOk)
		u.fail(code, text)
		return false
	case amqp.MethodConnectionBlocked, amqp.MethodConnectionUnblocked:
		u.mu.Lock()
		sink := u.sink
		u.mu.Unlock()
		if sink != nil {
			sink.Deliver(f)
		}
		return true
	default:
		u.logger.Debug("ignoring connection method from broker", slog.Int("method", int(method)))
		return true
	}
}

// fail marks the connection broken and notifies the leaseholder and the
// pool. Runs its callbacks outside u.mu; at most once per connection.
func (u *Upstream) fail(replyCode uint16, replyText string) {
	u.mu.Lock()
	if u.broken || u.state == StateClosing || u.state == StateClosed {
		u.mu.Unlock()
		return
	}
	u.broken = true
	sink := u.sink
	u.mu.Unlock()

	u.logger.Warn("upstream connection broken",
		slog.Int("reply_code", int(replyCode)), slog.String("reply_text", replyText))

	if sink != nil {
		sink.UpstreamClosed(replyCode, replyText)
	}
	if u.onBroken != nil {
		u.onBroken(u)
	}
}

// keepalive emits heartbeats at half the negotiated interval so the
// broker keeps idle pooled connections alive.
func (u *Upstream) keepalive(ctx context.Context) {
	interval := u.heartbeat / 2
	if interval <= 0 {
		interval = u.heartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.WriteFrame(amqp.HeartbeatFrame()); err != nil {
				if ctx.Err() == nil {
					u.fail(amqp.ReplyConnectionForced, "heartbeat write failed")
				}
				return
			}
		}
	}
}

// Close tears the connection down. With sendClose, a polite
// connection.close precedes the socket close. Idempotent.
func (u *Upstream) Close(sendClose bool) {
	u.mu.Lock()
	if u.state == StateClosing || u.state == StateClosed {
		u.mu.Unlock()
		return
	}
	wasBroken := u.broken
	u.state = StateClosing
	u.mu.Unlock()

	if u.cancel != nil {
		u.cancel()
	}

	if sendClose && !wasBroken {
		_ = u.conn.SetWriteDeadline(time.Now().Add(time.Second))
		f := amqp.MethodFrame(0, amqp.ClassConnection, amqp.MethodConnectionClose,
			amqp.CloseArgs(amqp.ReplySuccess, "connection retired", 0, 0))
		_ = u.WriteFrame(f)
	}
	u.conn.Close()

	u.mu.Lock()
	u.state = StateClosed
	u.mu.Unlock()
}
