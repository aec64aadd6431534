// Package strand is a reactor-based server runtime for HTTP/1.1,
// WebSocket and Server-Sent Events with an in-process pub/sub bus. One
// goroutine drives all connection IO; application callbacks run on an
// optional bounded worker pool.
package strand

import (
	"log/slog"
	"net"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/irgordon/strand/internal/config"
	"github.com/irgordon/strand/internal/http1"
	"github.com/irgordon/strand/internal/pubsub"
	"github.com/irgordon/strand/internal/reactor"
	"github.com/irgordon/strand/internal/sse"
	"github.com/irgordon/strand/internal/websocket"
)

// Handle is the per-request state object handed to OnHTTP.
type Handle = http1.Handle

// Cookie is an outgoing Set-Cookie value.
type Cookie = http1.Cookie

// ListenConfig is the callback block and limit set for one listener.
type ListenConfig struct {
	Logger *slog.Logger

	// OnHTTP answers each completed request; the default responds 404.
	OnHTTP func(h *Handle)
	// OnOpen fires when a WebSocket or SSE connection is established.
	OnOpen func(p *Peer)
	// OnMessage receives each assembled WebSocket message.
	OnMessage func(p *Peer, data []byte, isText bool)
	// OnPeerShutdown lets the application say goodbye during graceful
	// shutdown, before the connection closes.
	OnPeerShutdown func(p *Peer)
	// OnPeerClose fires after a peer's connection fully closed.
	OnPeerClose func(p *Peer)

	// AuthenticateWebSocket gates the handshake and may choose a
	// subprotocol from the client's offer. Nil allows everything.
	AuthenticateWebSocket func(h *Handle) (allow bool, subprotocol string)
	// AuthenticateSSE gates event-stream upgrades. Nil allows.
	AuthenticateSSE func(h *Handle) bool
	// OnExpectContinue decides Expect: 100-continue; nil accepts.
	OnExpectContinue func(h *Handle) bool

	// Threads sizes the worker pool for application callbacks; zero runs
	// callbacks inline on the reactor goroutine.
	Threads int

	MaxLineLen    int
	MaxHeaderSize int
	MaxHeaders    int
	MaxBodySize   int64
	KeepAlive     uint8
	WSMaxMsgSize  int64
	WSTimeout     uint8
	LogRequests   bool

	// Transform, when set, interposes on every accepted stream (TLS
	// termination et al).
	Transform func(fd int) reactor.StreamTransform
}

func (cfg *ListenConfig) withDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxLineLen <= 0 {
		cfg.MaxLineLen = config.DefaultMaxLineLen
	}
	if cfg.MaxHeaderSize <= 0 {
		cfg.MaxHeaderSize = config.DefaultMaxHeaderSize
	}
	if cfg.MaxHeaders <= 0 {
		cfg.MaxHeaders = config.DefaultMaxHeaders
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = config.DefaultMaxBodySize
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = config.DefaultKeepAlive
	}
	if cfg.WSMaxMsgSize <= 0 {
		cfg.WSMaxMsgSize = config.DefaultWSMaxMsgSize
	}
	if cfg.WSTimeout == 0 {
		cfg.WSTimeout = config.DefaultWSTimeout
	}
}

// Server owns one reactor, one listener, the worker pool and the bus.
type Server struct {
	log  *slog.Logger
	cfg  ListenConfig
	r    *reactor.Reactor
	pool *reactor.Pool
	bus  *pubsub.Bus
	svc  *http1.Service

	lfile *os.File
	addr  net.Addr
}

// Listen binds the address, builds the runtime and registers the
// acceptor. Run starts serving.
func Listen(rawurl string, cfg ListenConfig) (*Server, error) {
	cfg.withDefaults()
	network, address, err := ParseListenURL(rawurl)
	if err != nil {
		return nil, err
	}
	lfile, addr, err := listenSocket(network, address)
	if err != nil {
		return nil, err
	}

	r, err := reactor.New(reactor.Options{Logger: cfg.Logger})
	if err != nil {
		_ = lfile.Close()
		return nil, err
	}

	s := &Server{
		log:   cfg.Logger,
		cfg:   cfg,
		r:     r,
		bus:   pubsub.NewBus(cfg.Logger),
		lfile: lfile,
		addr:  addr,
	}
	if cfg.Threads > 0 {
		s.pool = reactor.NewPool(cfg.Threads, cfg.Threads*64)
	}

	s.svc = &http1.Service{
		Log: cfg.Logger,
		Limits: http1.Limits{
			MaxLineLen:    cfg.MaxLineLen,
			MaxHeaderSize: cfg.MaxHeaderSize,
			MaxHeaders:    cfg.MaxHeaders,
			MaxBodySize:   cfg.MaxBodySize,
		},
		BodySpill:        config.DefaultBodySpill,
		KeepAlive:        cfg.KeepAlive,
		LogRequests:      cfg.LogRequests,
		Pool:             s.pool,
		OnRequest:        s.dispatchHTTP,
		OnExpectContinue: cfg.OnExpectContinue,
		WSUpgrade:        s.upgradeWebSocket,
		SSEUpgrade:       s.upgradeSSE,
	}

	acc := &acceptor{srv: s, lim: rate.NewLimiter(rate.Limit(1), 1)}
	if _, err := r.AttachListener(int(lfile.Fd()), acc, nil); err != nil {
		_ = lfile.Close()
		return nil, err
	}
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.addr }

// Bus exposes the pub/sub bus.
func (s *Server) Bus() *pubsub.Bus { return s.bus }

// Run drives the reactor until shutdown completes.
func (s *Server) Run() error {
	err := s.r.Run()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// Shutdown starts graceful teardown; safe from any goroutine.
func (s *Server) Shutdown() { s.r.Shutdown() }

// Publish fans data out to every subscriber of a named channel.
func (s *Server) Publish(channel string, data []byte) {
	s.bus.Publish(channel, data)
}

// PublishFilter fans data out on a 64-bit filter channel.
func (s *Server) PublishFilter(filter uint64, data []byte) {
	s.bus.PublishFilter(filter, data)
}

func (s *Server) dispatchHTTP(h *Handle) {
	if s.cfg.OnHTTP == nil {
		_ = h.SetStatus(404)
		return
	}
	s.cfg.OnHTTP(h)
}

// --- acceptor ---------------------------------------------------------------

// acceptor is the protocol bound to the listening descriptor.
type acceptor struct {
	reactor.ProtocolDefaults
	srv     *Server
	lim     *rate.Limiter
	cooling bool
}

// OnData accepts until the backlog drains. After descriptor exhaustion
// the loop backs off through the rate limiter instead of spinning.
func (a *acceptor) OnData(io *reactor.IO) {
	io.Consume(len(io.Input()))
	for {
		if a.cooling {
			if !a.lim.Allow() {
				return
			}
			a.cooling = false
		}
		nfd, _, err := unix.Accept(io.FD())
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EMFILE, unix.ENFILE:
				a.srv.log.Warn("accept: out of descriptors, backing off")
				a.cooling = true
				return
			default:
				a.srv.log.Error("accept failed", "error", err)
				return
			}
		}
		unix.CloseOnExec(nfd)
		conn := http1.NewConn(a.srv.svc)
		var cio *reactor.IO
		if a.srv.cfg.Transform != nil {
			cio, err = a.srv.r.AttachTransform(nfd, conn, nil, a.srv.cfg.Transform(nfd))
		} else {
			cio, err = a.srv.r.Attach(nfd, conn, nil)
		}
		if err != nil {
			a.srv.log.Error("attach failed", "error", err)
			_ = unix.Close(nfd)
			continue
		}
		conn.Bind(cio)
	}
}

// OnTimeout keeps the listener alive; it carries no deadline.
func (a *acceptor) OnTimeout(*reactor.IO) {}

// OnShutdown stops accepting immediately.
func (a *acceptor) OnShutdown(io *reactor.IO) { io.Close() }

// --- upgrades ---------------------------------------------------------------

// Peer is one upgraded connection, WebSocket or SSE, with its bus
// subscriptions. It implements the bus sink so published messages flow
// through the connection's write queue.
type Peer struct {
	srv  *Server
	ws   *websocket.Conn
	sse  *sse.Conn
	io   *reactor.IO
	subs []*pubsub.Subscription
}

// Server returns the owning server (for publishing from callbacks).
func (p *Peer) Server() *Server { return p.srv }

// IsWebSocket reports the peer kind.
func (p *Peer) IsWebSocket() bool { return p.ws != nil }

// Handle returns the HTTP handle the upgrade was performed on.
func (p *Peer) Handle() *Handle {
	if p.ws != nil {
		return p.ws.Handle()
	}
	return p.sse.Handle()
}

// LastEventID returns the SSE reconnect position, if the client sent one.
func (p *Peer) LastEventID() string {
	if p.sse != nil {
		return p.sse.LastEventID
	}
	return ""
}

// Write sends one message directly to this peer.
func (p *Peer) Write(data []byte, isText bool) error {
	if p.ws != nil {
		return p.ws.WriteMessage(data, isText)
	}
	return p.sse.WriteData(data)
}

// Close tears the peer's connection down.
func (p *Peer) Close() {
	if p.ws != nil {
		p.ws.CloseWith(websocket.CloseNormal, "")
		return
	}
	p.io.Close()
}

// Subscribe attaches this peer to a named channel; messages published
// there are delivered encoded for the peer's transport.
func (p *Peer) Subscribe(channel string) *pubsub.Subscription {
	return p.subscribe(pubsub.SubscribeOptions{Channel: channel})
}

// SubscribeFilter attaches this peer to a 64-bit filter channel.
func (p *Peer) SubscribeFilter(filter uint64) *pubsub.Subscription {
	return p.subscribe(pubsub.SubscribeOptions{Filter: filter})
}

func (p *Peer) subscribe(opts pubsub.SubscribeOptions) *pubsub.Subscription {
	opts.Sink = p
	if p.ws != nil {
		opts.Enc = pubsub.EncodingWSText
		opts.Encode = encodeWSText
	} else {
		opts.Enc = pubsub.EncodingSSE
		opts.Encode = encodeSSE
	}
	sub := p.srv.bus.Subscribe(opts)
	p.subs = append(p.subs, sub)
	return sub
}

func encodeWSText(m *pubsub.Message) []byte {
	return websocket.AppendFrame(nil, websocket.OpText, true, m.Data)
}

func encodeSSE(m *pubsub.Message) []byte {
	return sse.Append(nil, sse.Event{Data: m.Data, ID: m.ID})
}

// Schedule implements pubsub.Sink: drains run on the reactor so delivery
// serializes with the peer's other callbacks.
func (p *Peer) Schedule(fn func()) { p.io.Reactor().Defer(fn) }

// Deliver implements pubsub.Sink: the payload is already framed for the
// transport.
func (p *Peer) Deliver(payload []byte) error {
	return p.io.Write(payload, reactor.WriteOpts{Copy: true})
}

// CloseFromBus implements pubsub.Sink.
func (p *Peer) CloseFromBus() { p.io.Close() }

func (p *Peer) cancelSubscriptions() {
	for _, sub := range p.subs {
		p.srv.bus.Unsubscribe(sub)
	}
	p.subs = nil
}

// upgradeWebSocket performs the 101 handshake and swaps the connection's
// protocol to the framer. Runs on the reactor goroutine (upgrades are
// dispatched before the worker pool).
func (s *Server) upgradeWebSocket(h *Handle, c *http1.Conn) error {
	key, err := websocket.ValidateUpgrade(h)
	if err != nil {
		return err
	}
	subprotocol := ""
	if s.cfg.AuthenticateWebSocket != nil {
		allow, chosen := s.cfg.AuthenticateWebSocket(h)
		if !allow {
			_ = h.SetStatus(403)
			_ = h.Finish()
			return nil
		}
		subprotocol = chosen
	}

	head := make([]byte, 0, 256)
	head = append(head, "HTTP/1.1 101 Switching Protocols\r\n"...)
	head = append(head, "upgrade: websocket\r\nconnection: Upgrade\r\n"...)
	head = append(head, "sec-websocket-accept: "...)
	head = append(head, websocket.AcceptKey(key)...)
	head = append(head, "\r\n"...)
	if subprotocol != "" {
		head = append(head, "sec-websocket-protocol: "...)
		head = append(head, subprotocol...)
		head = append(head, "\r\n"...)
	}
	head = append(head, "\r\n"...)

	io := c.IO()
	if err := io.Write(head, reactor.WriteOpts{}); err != nil {
		return err
	}
	h.MarkUpgradedWS()

	peer := &Peer{srv: s, io: io}
	ws := websocket.NewConn(websocket.Options{
		Log:        s.log,
		MaxMsgSize: s.cfg.WSMaxMsgSize,
		Pool:       s.pool,
		OnMessage: func(_ *websocket.Conn, data []byte, isText bool) {
			if s.cfg.OnMessage != nil {
				s.cfg.OnMessage(peer, data, isText)
			}
		},
		OnShutdown: func(*websocket.Conn) {
			if s.cfg.OnPeerShutdown != nil {
				s.cfg.OnPeerShutdown(peer)
			}
		},
		OnClose: func(*websocket.Conn) {
			peer.cancelSubscriptions()
			if s.cfg.OnPeerClose != nil {
				s.cfg.OnPeerClose(peer)
			}
		},
	}, h)
	peer.ws = ws
	ws.Bind(io)
	io.SetProtocol(ws)
	io.SetTimeout(s.cfg.WSTimeout)
	io.Resume()
	ws.Open()
	if s.cfg.OnOpen != nil {
		s.runCallback(io, func() { s.cfg.OnOpen(peer) })
	}
	return nil
}

// upgradeSSE commits the event-stream preamble and swaps the protocol.
// May be called from a worker goroutine; the swap is deferred onto the
// reactor.
func (s *Server) upgradeSSE(h *Handle, c *http1.Conn) error {
	if s.cfg.AuthenticateSSE != nil && !s.cfg.AuthenticateSSE(h) {
		_ = h.SetStatus(403)
		return h.Finish()
	}

	head := []byte("HTTP/1.1 200 OK\r\n" +
		"content-type: text/event-stream\r\n" +
		"cache-control: no-cache\r\n" +
		"connection: keep-alive\r\n\r\n")
	io := c.IO()
	if err := io.Write(head, reactor.WriteOpts{}); err != nil {
		return err
	}
	h.MarkUpgradedSSE()

	peer := &Peer{srv: s, io: io}
	es := sse.NewConn(sse.Options{
		Log: s.log,
		OnShutdown: func(*sse.Conn) {
			if s.cfg.OnPeerShutdown != nil {
				s.cfg.OnPeerShutdown(peer)
			}
		},
		OnClose: func(*sse.Conn) {
			peer.cancelSubscriptions()
			if s.cfg.OnPeerClose != nil {
				s.cfg.OnPeerClose(peer)
			}
		},
	}, h)
	peer.sse = es
	es.Bind(io)

	// Keep-alive comments go out at half the idle interval.
	keepalive := s.cfg.WSTimeout / 2
	if keepalive == 0 {
		keepalive = 1
	}
	io.Reactor().Defer(func() {
		io.SetProtocol(es)
		io.SetTimeout(keepalive)
		io.Resume()
		es.Open()
		if s.cfg.OnOpen != nil {
			s.runCallback(io, func() { s.cfg.OnOpen(peer) })
		}
	})
	return nil
}

func (s *Server) runCallback(io *reactor.IO, fn func()) {
	if s.pool != nil {
		if err := s.pool.Submit(io, fn); err == nil {
			return
		}
	}
	fn()
}
