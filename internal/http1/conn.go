package http1

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/irgordon/strand/internal/reactor"
)

// Service carries the per-listener HTTP configuration and callbacks; one
// Service is shared by every connection of a listener.
type Service struct {
	Log       *slog.Logger
	Limits    Limits
	BodySpill int64
	// KeepAlive is the idle timeout in seconds (0..255).
	KeepAlive uint8
	// MaxKeepAliveRequests bounds requests per connection (0 = unlimited).
	MaxKeepAliveRequests int
	LogRequests          bool
	// Pool, when set, runs application callbacks off the IO goroutine,
	// serialized per connection.
	Pool *reactor.Pool

	// OnRequest is the application callback for each completed request.
	OnRequest func(h *Handle)
	// OnExpectContinue decides Expect: 100-continue; nil accepts.
	OnExpectContinue func(h *Handle) bool

	// WSUpgrade and SSEUpgrade are installed by the server wiring. When
	// WSUpgrade is nil a WebSocket upgrade request is answered 501; when
	// SSEUpgrade is nil UpgradeSSE returns an *Error with status 501.
	WSUpgrade  func(h *Handle, c *Conn) error
	SSEUpgrade func(h *Handle, c *Conn) error
}

// Conn is the HTTP/1.1 protocol bound to one IO: it owns the parser, the
// in-flight handle and the response formatting rules.
type Conn struct {
	svc    *Service
	io     *reactor.IO
	parser *Parser

	h   *Handle // request being parsed / handled
	cur *Handle // dispatched, response pending

	keepAlive   bool
	respChunked bool
	reqCount    int
	shutdown    bool
	failed      bool
}

// NewConn builds the protocol state for one accepted connection. The
// caller attaches it to the reactor and then calls Bind with the IO.
func NewConn(svc *Service) *Conn {
	c := &Conn{svc: svc}
	c.parser = NewParser(svc.Limits, c)
	return c
}

// Bind associates the connection with its IO and starts the keep-alive
// clock.
func (c *Conn) Bind(io *reactor.IO) {
	c.io = io
	io.SetTimeout(c.svc.KeepAlive)
}

// IO exposes the underlying reactor IO (used by the upgrade wiring).
func (c *Conn) IO() *reactor.IO { return c.io }

// Service exposes the listener configuration.
func (c *Conn) Service() *Service { return c.svc }

// --- reactor.Protocol -------------------------------------------------------

// OnData feeds buffered bytes through the parser and dispatches completed
// requests.
func (c *Conn) OnData(io *reactor.IO) {
	for {
		if c.failed {
			return
		}
		input := io.Input()
		if len(input) == 0 {
			return
		}
		n, err := c.parser.Consume(input)
		io.Consume(n)
		if err != nil {
			status := 400
			if pe, ok := err.(*Error); ok {
				status = pe.Status
			}
			c.respondError(status)
			return
		}
		if !c.parser.Done() {
			return
		}
		c.dispatch(io)
		return
	}
}

func (c *Conn) OnReady(*reactor.IO) {}

// OnTimeout closes idle keep-alive connections.
func (c *Conn) OnTimeout(io *reactor.IO) { io.Close() }

// OnShutdown stops admitting requests and closes once the in-flight
// response (if any) drains.
func (c *Conn) OnShutdown(io *reactor.IO) {
	c.shutdown = true
	if c.cur == nil {
		io.Close()
	}
}

// OnClose releases any in-flight handle; last callback for the IO.
func (c *Conn) OnClose(*reactor.IO) {
	if c.cur != nil {
		c.cur.Free()
		c.cur = nil
	}
	if c.h != nil && c.h != c.cur {
		c.h.Free()
		c.h = nil
	}
}

// --- parser Listener --------------------------------------------------------

func (c *Conn) ensureHandle() *Handle {
	if c.h == nil {
		c.h = newHandle(c, c.svc.BodySpill)
	}
	return c.h
}

func (c *Conn) OnMethod(b []byte) { c.ensureHandle().Method = string(b) }
func (c *Conn) OnPath(b []byte)   { c.ensureHandle().Path = string(b) }
func (c *Conn) OnQuery(b []byte)  { c.ensureHandle().Query = string(b) }

func (c *Conn) OnVersion(b []byte) error {
	c.ensureHandle().Version = string(b)
	return nil
}

func (c *Conn) OnHeader(name, value []byte) error {
	c.ensureHandle().reqHeaders.Add(string(name), string(value))
	return nil
}

func (c *Conn) OnHeadersEnd() error {
	h := c.ensureHandle()
	if !c.parser.IsHTTP10() && !h.reqHeaders.Has("host") {
		return parseErr(400, "missing host header")
	}
	c.keepAlive = c.decideKeepAlive(h)
	return nil
}

// OnExpectContinue answers the expectation before the body arrives; a
// rejecting application still gets the request, with the body discarded.
func (c *Conn) OnExpectContinue() {
	h := c.ensureHandle()
	accept := c.svc.OnExpectContinue == nil || c.svc.OnExpectContinue(h)
	if accept {
		_ = c.io.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"), reactor.WriteOpts{})
		return
	}
	h.body.discard = true
}

func (c *Conn) OnBodyChunk(b []byte) error {
	if err := c.ensureHandle().body.Write(b); err != nil {
		return parseErr(500, "body spill failed")
	}
	return nil
}

func (c *Conn) OnRequest() error { return nil }

// --- dispatch ---------------------------------------------------------------

func (c *Conn) dispatch(io *reactor.IO) {
	h := c.h
	c.h = nil
	c.cur = h
	c.reqCount++
	c.respChunked = false

	if c.shutdown {
		c.keepAlive = false
	}

	// Reads stay off until this response completes; pipelined bytes wait
	// in the accumulator.
	io.Suspend()

	if wsUpgradeRequested(h) {
		c.runUpgradeWS(h)
		return
	}

	run := func() {
		if c.svc.OnRequest != nil {
			c.svc.OnRequest(h)
		}
		if !h.finished && !h.upgradedWS && !h.upgradedSSE {
			_ = h.Finish()
		}
	}
	if c.svc.Pool != nil {
		if err := c.svc.Pool.Submit(io, run); err == nil {
			return
		}
	}
	run()
}

func wsUpgradeRequested(h *Handle) bool {
	return hasToken(h.reqHeaders.Get("connection"), "upgrade") &&
		hasToken(h.reqHeaders.Get("upgrade"), "websocket")
}

func (c *Conn) runUpgradeWS(h *Handle) {
	if c.svc.WSUpgrade == nil {
		_ = h.SetStatus(501)
		_ = h.Finish()
		return
	}
	if h.body.Len() > 0 {
		// An upgrade request carrying a payload is not served.
		c.respondError(400)
		return
	}
	if err := c.svc.WSUpgrade(h, c); err != nil {
		if !h.finished {
			_ = h.SetStatus(400)
			_ = h.Finish()
		}
	}
}

func (c *Conn) decideKeepAlive(h *Handle) bool {
	if c.svc.MaxKeepAliveRequests > 0 && c.reqCount+1 >= c.svc.MaxKeepAliveRequests {
		return false
	}
	connHdr := h.reqHeaders.Get("connection")
	if c.parser.IsHTTP10() {
		return hasToken(connHdr, "keep-alive")
	}
	return !hasToken(connHdr, "close")
}

// --- Controller -------------------------------------------------------------

// SendHeaders freezes and emits the response head, applying the
// formatting defaults: date and server when absent, connection per the
// keep-alive decision, chunked framing for streaming without a length.
func (c *Conn) SendHeaders(h *Handle) error {
	if h.headersSent {
		return ErrHeadersSent
	}
	if !h.respHeaders.Has("content-length") {
		if h.streaming {
			h.respHeaders.Set("transfer-encoding", "chunked")
			c.respChunked = true
		}
	}
	if !h.respHeaders.Has("server") {
		h.respHeaders.Set("server", "strand")
	}
	if !h.respHeaders.Has("date") {
		h.respHeaders.Set("date", time.Now().UTC().Format(http.TimeFormat))
	}
	if c.keepAlive {
		if c.parser.IsHTTP10() {
			h.respHeaders.Set("connection", "keep-alive")
		}
	} else {
		h.respHeaders.Set("connection", "close")
	}

	version := "HTTP/1.1"
	if c.parser.IsHTTP10() {
		version = "HTTP/1.0"
	}
	head := make([]byte, 0, 256)
	head = append(head, fmt.Sprintf("%s %d %s\r\n", version, h.status, http.StatusText(h.status))...)
	h.respHeaders.Each(func(name, value string) bool {
		head = append(head, name...)
		head = append(head, ": "...)
		head = append(head, value...)
		head = append(head, "\r\n"...)
		return true
	})
	head = append(head, "\r\n"...)
	h.headersSent = true
	return c.io.Write(head, reactor.WriteOpts{})
}

// WriteBody queues one response chunk, framed per the selected encoding.
func (c *Conn) WriteBody(h *Handle, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if c.respChunked {
		framed := make([]byte, 0, len(data)+16)
		framed = strconv.AppendInt(framed, int64(len(data)), 16)
		framed = append(framed, "\r\n"...)
		framed = append(framed, data...)
		framed = append(framed, "\r\n"...)
		return c.io.Write(framed, reactor.WriteOpts{})
	}
	return c.io.Write(data, reactor.WriteOpts{Copy: true})
}

// WriteBodyFile queues a file range, framed as one chunk when chunked
// encoding was selected.
func (c *Conn) WriteBodyFile(h *Handle, f *os.File, off, n int64) error {
	if c.respChunked {
		framed := make([]byte, 0, 16)
		framed = strconv.AppendInt(framed, n, 16)
		framed = append(framed, "\r\n"...)
		if err := c.io.Write(framed, reactor.WriteOpts{}); err != nil {
			return err
		}
		if err := c.io.WriteFile(f, off, n, reactor.WriteOpts{}); err != nil {
			return err
		}
		return c.io.Write([]byte("\r\n"), reactor.WriteOpts{})
	}
	return c.io.WriteFile(f, off, n, reactor.WriteOpts{})
}

// Finish commits the response: in accumulating mode the length is known
// here and the whole response goes out in order; in chunked mode the
// terminator is appended. Keep-alive connections then rearm for the next
// request.
func (c *Conn) Finish(h *Handle) error {
	if h.finished {
		return ErrFinished
	}
	if !h.headersSent {
		if !h.respHeaders.Has("content-length") {
			h.respHeaders.Set("content-length", strconv.Itoa(len(h.acc)))
		}
		if err := c.SendHeaders(h); err != nil {
			return err
		}
		if len(h.acc) > 0 {
			if err := c.io.Write(h.acc, reactor.WriteOpts{}); err != nil {
				return err
			}
			h.acc = nil
		}
	} else if c.respChunked {
		if err := c.io.Write([]byte("0\r\n\r\n"), reactor.WriteOpts{}); err != nil {
			return err
		}
	}
	h.finished = true

	if c.svc.LogRequests {
		c.svc.Log.Info("request",
			slog.String("method", h.Method),
			slog.String("path", h.Path),
			slog.Int("status", h.status),
		)
	}

	keep := c.keepAlive && !c.shutdown
	io := c.io
	io.Reactor().Defer(func() {
		if c.cur == h {
			c.cur = nil
		}
		h.Free()
		if keep && io.IsOpen() {
			c.parser.Reset()
			io.Touch()
			io.Resume()
			return
		}
		io.Close()
	})
	return nil
}

// UpgradeWebSocket delegates to the listener's handshake wiring.
func (c *Conn) UpgradeWebSocket(h *Handle) error {
	if c.svc.WSUpgrade == nil {
		return parseErr(501, "websocket upgrade not wired")
	}
	return c.svc.WSUpgrade(h, c)
}

// UpgradeSSE delegates to the listener's event-stream wiring.
func (c *Conn) UpgradeSSE(h *Handle) error {
	if c.svc.SSEUpgrade == nil {
		return parseErr(501, "sse upgrade not wired")
	}
	return c.svc.SSEUpgrade(h, c)
}

// OnUnlinked fires when a handle drops its controller reference.
func (c *Conn) OnUnlinked(*Handle) {}

// respondError sends a fully formed error response and closes the
// connection: parse failures never keep-alive.
func (c *Conn) respondError(status int) {
	if c.failed {
		return
	}
	c.failed = true
	c.io.Suspend()
	body := fmt.Sprintf("%d %s", status, http.StatusText(status))
	head := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\ncontent-length: %d\r\ncontent-type: text/plain\r\nconnection: close\r\ndate: %s\r\nserver: strand\r\n\r\n%s",
		status, http.StatusText(status), len(body),
		time.Now().UTC().Format(http.TimeFormat), body,
	)
	_ = c.io.Write([]byte(head), reactor.WriteOpts{Finish: true})
	if c.svc.LogRequests {
		c.svc.Log.Warn("request rejected", slog.Int("status", status))
	}
}
