// Copyright (c) ArieGato
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ArieGato/amqproxy/pkg/amqp"
	perrors "github.com/ArieGato/amqproxy/pkg/errors"
	"github.com/ArieGato/amqproxy/pkg/handler"
	"github.com/ArieGato/amqproxy/pkg/metrics"
	"github.com/ArieGato/amqproxy/pkg/pool"
)

// Target identifies the broker every session proxies to. Virtual host
// and credentials come from each client's handshake.
type Target struct {
	Host string
	Port int
	TLS  bool
}

// Addr returns the broker's dial address.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Config holds session configuration shared across all sessions.
type Config struct {
	Target  Target
	Pool    *pool.Pool
	Handler handler.Handler

	// HandshakeTimeout bounds the client handshake from accept to
	// connection.open.
	HandshakeTimeout time.Duration

	// Heartbeat is the interval offered to clients in connection.tune.
	// Zero disables client-leg heartbeats.
	Heartbeat time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Session proxies one client connection. It terminates the client's
// handshake itself, leases an upstream connection matching the client's
// credentials, and then relays frames with channel ids rewritten.
type Session struct {
	id   string
	conn net.Conn
	br   *bufio.Reader
	cfg  Config
	log  *slog.Logger
	hctx *handler.Context

	// writeMu serializes frames onto the client socket. Deliver, the
	// relay loop and the keepalive write concurrently.
	writeMu sync.Mutex

	mu           sync.Mutex
	upstream     *pool.Upstream
	toUpstream   map[uint16]uint16 // client channel -> upstream channel
	toClient     map[uint16]uint16 // upstream channel -> client channel
	upstreamGone bool
	released     bool
	draining     bool

	closed    chan struct{}
	closeOnce sync.Once
	stopHb    chan struct{}
}

// New creates a session for an accepted client connection.
func New(conn net.Conn, sessionID string, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("amqproxy", prometheus.NewRegistry())
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	return &Session{
		id:   sessionID,
		conn: conn,
		br:   bufio.NewReaderSize(conn, 64*1024),
		cfg:  cfg,
		log: cfg.Logger.With(
			slog.String("session_id", sessionID),
			slog.String("remote_addr", conn.RemoteAddr().String()),
		),
		toUpstream: make(map[uint16]uint16),
		toClient:   make(map[uint16]uint16),
		closed:     make(chan struct{}),
		stopHb:     make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Serve runs the session until the client disconnects, the upstream
// fails, or ctx is cancelled.
func (s *Session) Serve(ctx context.Context) error {
	defer s.teardown(ctx)

	return s.cfg.Metrics.ObserveSession(func() error {
		if err := s.handshake(ctx); err != nil {
			return perrors.New("handshake", s.id, s.conn.RemoteAddr().String(), err)
		}
		if err := s.relay(ctx); err != nil {
			return perrors.New("relay", s.id, s.conn.RemoteAddr().String(), err)
		}
		return nil
	})
}

// handshake terminates the client's protocol negotiation and acquires
// an upstream lease before answering open-ok.
func (s *Session) handshake(ctx context.Context) error {
	_ = s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	header := make([]byte, 8)
	if _, err := io.ReadFull(s.br, header); err != nil {
		s.cfg.Metrics.HandshakeFailures.WithLabelValues("io").Inc()
		return perrors.Wrap(err, "reading protocol header")
	}
	if string(header) != string(amqp.ProtocolHeader) {
		// Protocol mismatch: reply with the version we speak and hang up.
		_, _ = s.conn.Write(amqp.ProtocolHeader)
		s.cfg.Metrics.HandshakeFailures.WithLabelValues("protocol_header").Inc()
		return fmt.Errorf("%w: unsupported protocol header %q", perrors.ErrProtocolViolation, header)
	}

	start := amqp.MethodFrame(0, amqp.ClassConnection, amqp.MethodConnectionStart,
		amqp.StartArgs(map[string]string{
			"product": "amqproxy",
			"version": "1.0",
		}))
	if err := s.writeClient(start); err != nil {
		return err
	}

	startOkArgs, err := s.expectMethod(amqp.ClassConnection, amqp.MethodConnectionStartOk)
	if err != nil {
		s.cfg.Metrics.HandshakeFailures.WithLabelValues("io").Inc()
		return err
	}
	mechanism, response, err := amqp.ParseStartOk(startOkArgs)
	if err != nil {
		s.cfg.Metrics.HandshakeFailures.WithLabelValues("bad_credentials").Inc()
		return err
	}
	username, password, err := amqp.ParseCredentials(mechanism, response)
	if err != nil {
		s.cfg.Metrics.HandshakeFailures.WithLabelValues("bad_credentials").Inc()
		s.sendConnectionClose(amqp.ReplyAccessRefused, "unsupported authentication mechanism")
		return perrors.Wrap(err, "parsing credentials")
	}

	heartbeat := uint16(s.cfg.Heartbeat / time.Second)
	tune := amqp.MethodFrame(0, amqp.ClassConnection, amqp.MethodConnectionTune,
		amqp.TuneArgs(amqp.DefaultChannelMax, amqp.DefaultFrameMax, heartbeat))
	if err := s.writeClient(tune); err != nil {
		return err
	}

	tuneOkArgs, err := s.expectMethod(amqp.ClassConnection, amqp.MethodConnectionTuneOk)
	if err != nil {
		s.cfg.Metrics.HandshakeFailures.WithLabelValues("io").Inc()
		return err
	}
	_, _, clientHeartbeat, err := amqp.ParseTune(tuneOkArgs)
	if err != nil {
		return err
	}

	openArgs, err := s.expectMethod(amqp.ClassConnection, amqp.MethodConnectionOpen)
	if err != nil {
		s.cfg.Metrics.HandshakeFailures.WithLabelValues("io").Inc()
		return err
	}
	vhost, err := amqp.ParseOpen(openArgs)
	if err != nil {
		return err
	}

	s.hctx = &handler.Context{
		SessionID:  s.id,
		Username:   username,
		Password:   []byte(password),
		VHost:      vhost,
		RemoteAddr: s.conn.RemoteAddr().String(),
	}
	if tlsConn, ok := s.conn.(*tls.Conn); ok {
		if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
			s.hctx.Cert = certs[0]
		}
	}

	if err := s.cfg.Handler.AuthConnect(ctx, s.hctx); err != nil {
		s.cfg.Metrics.HandshakeFailures.WithLabelValues("auth_rejected").Inc()
		code := perrors.ReplyCode(err)
		s.sendConnectionClose(code, "access refused")
		s.awaitCloseOk()
		return perrors.Wrap(err, "authorizing connection")
	}

	identity := pool.Identity{
		Host:     s.cfg.Target.Host,
		Port:     s.cfg.Target.Port,
		TLS:      s.cfg.Target.TLS,
		VHost:    vhost,
		Username: username,
		Password: password,
	}
	upstream, err := s.cfg.Pool.Lease(ctx, identity)
	if err != nil {
		s.cfg.Metrics.HandshakeFailures.WithLabelValues("no_upstream").Inc()
		s.sendConnectionClose(perrors.ReplyCode(err), "upstream unavailable")
		s.awaitCloseOk()
		return perrors.Wrap(err, "leasing upstream")
	}

	s.mu.Lock()
	s.upstream = upstream
	s.mu.Unlock()
	upstream.Attach(s)

	openOk := amqp.MethodFrame(0, amqp.ClassConnection, amqp.MethodConnectionOpenOk, amqp.OpenOkArgs())
	if err := s.writeClient(openOk); err != nil {
		return err
	}

	if clientHeartbeat > 0 {
		go s.clientKeepalive(time.Duration(clientHeartbeat) * time.Second)
	}

	if err := s.cfg.Handler.OnConnect(ctx, s.hctx); err != nil {
		s.log.Warn("OnConnect hook failed", slog.Any("error", err))
	}

	s.log.Info("session open",
		slog.String("username", username),
		slog.String("vhost", vhost),
		slog.String("upstream_id", upstream.ID()))
	return nil
}

// expectMethod reads client frames until a channel-0 method arrives and
// verifies it is the awaited one.
func (s *Session) expectMethod(classID, methodID uint16) ([]byte, error) {
	for {
		f, err := amqp.ReadFrame(s.br)
		if err != nil {
			return nil, err
		}
		if f.IsHeartbeat() {
			continue
		}
		if f.Type != amqp.FrameMethod || f.Channel != 0 {
			return nil, fmt.Errorf("%w: frame type %d channel %d during handshake",
				perrors.ErrProtocolViolation, f.Type, f.Channel)
		}
		class, method, args, err := amqp.ParseMethod(f.Payload)
		if err != nil {
			return nil, err
		}
		if class != classID || method != methodID {
			return nil, fmt.Errorf("%w: expected method %d.%d, got %d.%d",
				perrors.ErrProtocolViolation, classID, methodID, class, method)
		}
		return args, nil
	}
}

// relay moves client frames upstream until the session ends.
func (s *Session) relay(ctx context.Context) error {
	for {
		f, err := amqp.ReadFrame(s.br)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			s.mu.Lock()
			gone, draining := s.upstreamGone, s.draining
			s.mu.Unlock()
			if gone || draining {
				return nil
			}
			return perrors.Wrap(err, "reading client frame")
		}

		if f.IsHeartbeat() {
			// Answered locally. The upstream has its own keepalive.
			s.cfg.Metrics.HeartbeatsAnswered.Inc()
			if err := s.writeClient(amqp.HeartbeatFrame()); err != nil {
				return err
			}
			continue
		}

		if f.Channel == 0 {
			done, err := s.handleChannelZero(f)
			if done || err != nil {
				return err
			}
			continue
		}

		if err := s.relayClientFrame(ctx, f); err != nil {
			return err
		}
	}
}

// handleChannelZero processes connection-scope methods from the client.
// Returns done=true when the session should end cleanly.
func (s *Session) handleChannelZero(f amqp.Frame) (done bool, err error) {
	if f.Type != amqp.FrameMethod {
		s.failProtocol("non-method frame on channel 0")
		return false, fmt.Errorf("%w: frame type %d on channel 0", perrors.ErrProtocolViolation, f.Type)
	}
	class, method, _, perr := amqp.ParseMethod(f.Payload)
	if perr != nil {
		s.failProtocol("malformed method frame")
		return false, perr
	}
	if class != amqp.ClassConnection {
		s.failProtocol("unexpected class on channel 0")
		return false, fmt.Errorf("%w: class %d on channel 0", perrors.ErrProtocolViolation, class)
	}

	switch method {
	case amqp.MethodConnectionClose:
		// Graceful client exit. The upstream connection survives: only
		// this client's channels are closed before it goes back to the
		// pool.
		closeOk := amqp.MethodFrame(0, amqp.ClassConnection, amqp.MethodConnectionCloseOk, nil)
		_ = s.writeClient(closeOk)
		s.log.Info("client closed connection")
		return true, nil
	case amqp.MethodConnectionCloseOk:
		// Answer to a close we initiated (shutdown or upstream loss).
		return true, nil
	default:
		s.failProtocol("unexpected connection method")
		return false, fmt.Errorf("%w: connection method %d", perrors.ErrProtocolViolation, method)
	}
}

// relayClientFrame forwards one non-zero-channel client frame upstream,
// rewriting the channel id.
func (s *Session) relayClientFrame(ctx context.Context, f amqp.Frame) error {
	s.mu.Lock()
	upstream := s.upstream
	upstreamID, mapped := s.toUpstream[f.Channel]
	gone := s.upstreamGone
	s.mu.Unlock()

	if upstream == nil || gone {
		return nil
	}

	if !mapped {
		class, method, _, perr := amqp.ParseMethod(f.Payload)
		if f.Type != amqp.FrameMethod || perr != nil ||
			class != amqp.ClassChannel || method != amqp.MethodChannelOpen {
			s.failProtocol("frame on unopened channel")
			return fmt.Errorf("%w: frame on unopened channel %d", perrors.ErrProtocolViolation, f.Channel)
		}

		id, err := upstream.AllocateChannel()
		if err != nil {
			s.failProtocol("channel limit reached")
			return perrors.Wrap(err, "allocating upstream channel")
		}

		s.mu.Lock()
		s.toUpstream[f.Channel] = id
		s.toClient[id] = f.Channel
		s.mu.Unlock()
		s.cfg.Metrics.ChannelsMapped.Inc()

		if err := s.cfg.Handler.OnChannelOpen(ctx, s.hctx, f.Channel, id); err != nil {
			s.log.Warn("OnChannelOpen hook failed", slog.Any("error", err))
		}
		upstreamID = id
	}

	var closeOk bool
	if f.Type == amqp.FrameMethod {
		if class, method, _, perr := amqp.ParseMethod(f.Payload); perr == nil {
			closeOk = class == amqp.ClassChannel && method == amqp.MethodChannelCloseOk
		}
	}

	out := amqp.Frame{Type: f.Type, Channel: upstreamID, Payload: f.Payload}
	if err := upstream.WriteFrame(out); err != nil {
		return perrors.Wrap(err, "writing upstream")
	}
	s.cfg.Metrics.FramesRelayed.WithLabelValues(metrics.DirectionIn).Inc()
	s.cfg.Metrics.BytesRelayed.WithLabelValues(metrics.DirectionIn).Add(float64(len(f.Payload)))

	if closeOk {
		// Client confirmed a broker-initiated channel.close.
		s.unmapChannel(f.Channel, upstreamID)
	}
	return nil
}

// Deliver implements pool.FrameSink: broker frames flow back to the
// client with the channel id mapped to the client's numbering.
func (s *Session) Deliver(f amqp.Frame) {
	if f.Channel == 0 {
		// connection.blocked / unblocked pass through verbatim.
		if err := s.writeClient(f); err != nil {
			s.log.Debug("dropping channel 0 frame, client write failed", slog.Any("error", err))
		}
		return
	}

	s.mu.Lock()
	clientID, mapped := s.toClient[f.Channel]
	s.mu.Unlock()
	if !mapped {
		s.log.Debug("dropping frame for unmapped upstream channel", slog.Int("channel", int(f.Channel)))
		return
	}

	var closeOk bool
	if f.Type == amqp.FrameMethod {
		if class, method, _, err := amqp.ParseMethod(f.Payload); err == nil {
			closeOk = class == amqp.ClassChannel && method == amqp.MethodChannelCloseOk
		}
	}

	out := amqp.Frame{Type: f.Type, Channel: clientID, Payload: f.Payload}
	if err := s.writeClient(out); err != nil {
		s.log.Debug("client write failed", slog.Any("error", err))
		return
	}
	s.cfg.Metrics.FramesRelayed.WithLabelValues(metrics.DirectionOut).Inc()
	s.cfg.Metrics.BytesRelayed.WithLabelValues(metrics.DirectionOut).Add(float64(len(f.Payload)))

	if closeOk {
		// Broker confirmed a client-initiated channel.close.
		s.unmapChannel(clientID, f.Channel)
	}
}

// UpstreamClosed implements pool.FrameSink: the broker dropped the
// connection under our lease, so the client is told and cut loose.
func (s *Session) UpstreamClosed(replyCode uint16, replyText string) {
	s.mu.Lock()
	s.upstreamGone = true
	s.released = true // pool eviction already handled it
	s.mu.Unlock()

	s.log.Warn("upstream lost under lease",
		slog.Int("reply_code", int(replyCode)), slog.String("reply_text", replyText))
	s.sendConnectionClose(amqp.ReplyConnectionForced, replyText)

	// The relay goroutine owns the client reader; it will see the
	// close-ok and finish. The timer only catches clients that never
	// answer.
	time.AfterFunc(time.Second, func() { s.conn.Close() })
}

// Shutdown asks the client to leave and closes the socket when it
// answers close-ok or ctx expires.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	s.sendConnectionClose(amqp.ReplyConnectionForced, "server shutting down")

	select {
	case <-s.closed:
	case <-ctx.Done():
	}
	s.conn.Close()
	return nil
}

// clientKeepalive sends heartbeats on the client leg at half the
// negotiated interval.
func (s *Session) clientKeepalive(interval time.Duration) {
	tick := interval / 2
	if tick <= 0 {
		tick = interval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopHb:
			return
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.writeClient(amqp.HeartbeatFrame()); err != nil {
				return
			}
		}
	}
}

func (s *Session) unmapChannel(clientID, upstreamID uint16) {
	s.mu.Lock()
	_, had := s.toUpstream[clientID]
	delete(s.toUpstream, clientID)
	delete(s.toClient, upstreamID)
	upstream := s.upstream
	s.mu.Unlock()

	if had {
		s.cfg.Metrics.ChannelsMapped.Dec()
		if upstream != nil {
			upstream.FreeChannel(upstreamID)
		}
	}
}

// failProtocol tells the client its connection is being closed for a
// protocol error. Only this session is affected.
func (s *Session) failProtocol(text string) {
	s.sendConnectionClose(amqp.ReplyCommandInvalid, text)
	s.awaitCloseOk()
}

func (s *Session) sendConnectionClose(replyCode uint16, replyText string) {
	f := amqp.MethodFrame(0, amqp.ClassConnection, amqp.MethodConnectionClose,
		amqp.CloseArgs(replyCode, replyText, 0, 0))
	if err := s.writeClient(f); err != nil {
		s.log.Debug("sending connection.close failed", slog.Any("error", err))
	}
}

// awaitCloseOk gives the client a moment to acknowledge our
// connection.close so its library reports the reply text instead of a
// reset socket.
func (s *Session) awaitCloseOk() {
	_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		f, err := amqp.ReadFrame(s.br)
		if err != nil {
			return
		}
		if f.Type != amqp.FrameMethod || f.Channel != 0 {
			continue
		}
		if class, method, _, err := amqp.ParseMethod(f.Payload); err == nil &&
			class == amqp.ClassConnection && method == amqp.MethodConnectionCloseOk {
			return
		}
	}
}

func (s *Session) writeClient(f amqp.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return amqp.WriteFrame(s.conn, f)
}

// teardown runs exactly once at the end of Serve: close leftover
// upstream channels, return the lease and release client resources.
func (s *Session) teardown(ctx context.Context) {
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.stopHb)

		s.mu.Lock()
		upstream := s.upstream
		released := s.released
		s.released = true
		channels := make(map[uint16]uint16, len(s.toUpstream))
		for cid, uid := range s.toUpstream {
			channels[cid] = uid
		}
		s.toUpstream = make(map[uint16]uint16)
		s.toClient = make(map[uint16]uint16)
		s.mu.Unlock()

		if n := len(channels); n > 0 {
			s.cfg.Metrics.ChannelsMapped.Sub(float64(n))
		}

		if upstream != nil {
			upstream.Detach()
			if !released {
				if !upstream.Broken() {
					for _, uid := range channels {
						if err := upstream.CloseChannel(uid); err != nil {
							break
						}
					}
				}
				s.cfg.Pool.Release(upstream)
			}
		}

		if s.hctx != nil {
			if err := s.cfg.Handler.OnDisconnect(ctx, s.hctx); err != nil {
				s.log.Warn("OnDisconnect hook failed", slog.Any("error", err))
			}
		}

		s.conn.Close()
		s.log.Info("session closed")
	})
}
