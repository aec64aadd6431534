package websocket

import (
	"errors"
	"log/slog"
	"unicode/utf8"

	"github.com/irgordon/strand/internal/http1"
	"github.com/irgordon/strand/internal/reactor"
)

// ErrMessageTooLarge rejects outgoing messages over the configured cap.
var ErrMessageTooLarge = errors.New("websocket: message exceeds size limit")

// Options configure one upgraded connection.
type Options struct {
	Log *slog.Logger
	// MaxMsgSize bounds assembled messages in both directions.
	MaxMsgSize int64
	// Pool, when set, runs OnMessage off the IO goroutine, serialized
	// per connection.
	Pool *reactor.Pool

	OnOpen     func(c *Conn)
	OnMessage  func(c *Conn, data []byte, isText bool)
	OnClose    func(c *Conn)
	OnShutdown func(c *Conn)
}

// Conn is the WebSocket protocol bound to one upgraded IO: frame
// assembly, control handling, auto-ping and the close handshake.
type Conn struct {
	opts Options
	io   *reactor.IO
	h    *http1.Handle

	fragOp Opcode
	frag   []byte

	closeSent    bool
	closeRcvd    bool
	awaitingPong bool

	udata any
}

// NewConn builds the protocol state; the caller swaps it onto the IO
// between dispatches. The originating HTTP handle stays referenced for
// the lifetime of the connection.
func NewConn(opts Options, h *http1.Handle) *Conn {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Conn{opts: opts, h: h}
}

// Bind attaches the IO after the protocol swap.
func (c *Conn) Bind(io *reactor.IO) { c.io = io }

// IO returns the underlying reactor IO.
func (c *Conn) IO() *reactor.IO { return c.io }

// Handle returns the HTTP handle the upgrade was performed on.
func (c *Conn) Handle() *http1.Handle { return c.h }

// UData returns the connection's opaque user datum.
func (c *Conn) UData() any { return c.udata }

// SetUData replaces the opaque user datum.
func (c *Conn) SetUData(v any) { c.udata = v }

// --- writes -----------------------------------------------------------------

// WriteMessage queues one complete data frame. Oversize messages are
// rejected to the caller, never silently truncated.
func (c *Conn) WriteMessage(data []byte, isText bool) error {
	if c.opts.MaxMsgSize > 0 && int64(len(data)) > c.opts.MaxMsgSize {
		return ErrMessageTooLarge
	}
	op := OpBinary
	if isText {
		op = OpText
	}
	return c.io.Write(AppendFrame(nil, op, true, data), reactor.WriteOpts{})
}

// WriteText queues a text message.
func (c *Conn) WriteText(s string) error { return c.WriteMessage([]byte(s), true) }

// WriteBinary queues a binary message.
func (c *Conn) WriteBinary(b []byte) error { return c.WriteMessage(b, false) }

// CloseWith performs the server side of the close handshake: close frame
// out, then connection teardown. Close-once.
func (c *Conn) CloseWith(code int, reason string) {
	if !c.closeSent {
		c.closeSent = true
		_ = c.io.Write(AppendClose(nil, code, reason), reactor.WriteOpts{Finish: true})
		return
	}
	c.io.Close()
}

// --- reactor.Protocol -------------------------------------------------------

// OnData decodes as many complete frames as the accumulator holds.
func (c *Conn) OnData(io *reactor.IO) {
	for {
		frame, n, err := ParseFrame(io.Input(), c.opts.MaxMsgSize)
		if err != nil {
			ce := err.(*CloseError)
			c.CloseWith(ce.Code, ce.Reason)
			return
		}
		if n == 0 {
			return
		}
		io.Consume(n)
		if done := c.handleFrame(frame); done {
			return
		}
	}
}

// handleFrame routes one frame; returns true when the connection is
// closing and parsing must stop.
func (c *Conn) handleFrame(f Frame) bool {
	if f.isControl() {
		return c.handleControl(f)
	}

	switch f.Opcode {
	case OpText, OpBinary:
		if c.fragOp != 0 {
			c.CloseWith(CloseProtocolError, "data frame inside fragmented message")
			return true
		}
		if f.Fin {
			return c.deliver(f.Payload, f.Opcode == OpText)
		}
		c.fragOp = f.Opcode
		c.frag = append(c.frag[:0], f.Payload...)
	case OpContinuation:
		if c.fragOp == 0 {
			c.CloseWith(CloseProtocolError, "continuation without start frame")
			return true
		}
		if c.opts.MaxMsgSize > 0 && int64(len(c.frag)+len(f.Payload)) > c.opts.MaxMsgSize {
			c.CloseWith(CloseTooLarge, "message exceeds size limit")
			return true
		}
		c.frag = append(c.frag, f.Payload...)
		if f.Fin {
			op := c.fragOp
			c.fragOp = 0
			msg := append([]byte(nil), c.frag...)
			c.frag = c.frag[:0]
			return c.deliver(msg, op == OpText)
		}
	}
	return false
}

func (c *Conn) handleControl(f Frame) bool {
	switch f.Opcode {
	case OpPing:
		_ = c.io.Write(AppendFrame(nil, OpPong, true, f.Payload), reactor.WriteOpts{})
	case OpPong:
		c.awaitingPong = false
	case OpClose:
		c.closeRcvd = true
		code, reason, err := ParseClosePayload(f.Payload)
		if err != nil {
			ce := err.(*CloseError)
			c.CloseWith(ce.Code, ce.Reason)
			return true
		}
		// Echo the close and shut down.
		c.CloseWith(code, reason)
		return true
	}
	return false
}

// deliver hands one assembled message to the application. Text messages
// must be valid UTF-8 (1007 otherwise).
func (c *Conn) deliver(msg []byte, isText bool) bool {
	if isText && !utf8.Valid(msg) {
		c.CloseWith(CloseBadPayload, "invalid utf-8 in text message")
		return true
	}
	if c.opts.OnMessage == nil {
		return false
	}
	payload := append([]byte(nil), msg...)
	if c.opts.Pool != nil {
		if err := c.opts.Pool.Submit(c.io, func() { c.opts.OnMessage(c, payload, isText) }); err == nil {
			return false
		}
	}
	c.opts.OnMessage(c, payload, isText)
	return false
}

func (c *Conn) OnReady(*reactor.IO) {}

// OnTimeout drives the auto-ping: first expiry pings, a second expiry
// without a pong closes.
func (c *Conn) OnTimeout(io *reactor.IO) {
	if c.awaitingPong {
		c.CloseWith(CloseGoingAway, "ping timeout")
		return
	}
	c.awaitingPong = true
	_ = io.Write(AppendFrame(nil, OpPing, true, nil), reactor.WriteOpts{})
	io.Touch()
}

// OnShutdown lets the application say goodbye, then closes 1001.
func (c *Conn) OnShutdown(*reactor.IO) {
	if c.opts.OnShutdown != nil {
		c.opts.OnShutdown(c)
	}
	c.CloseWith(CloseGoingAway, "server shutting down")
}

// OnClose releases the handle and notifies the application; final
// callback for the IO.
func (c *Conn) OnClose(*reactor.IO) {
	if c.opts.OnClose != nil {
		c.opts.OnClose(c)
	}
	if c.h != nil {
		c.h.Free()
		c.h = nil
	}
}

// Open runs the application's open callback (after the 101 went out).
func (c *Conn) Open() {
	if c.opts.OnOpen == nil {
		return
	}
	if c.opts.Pool != nil {
		if err := c.opts.Pool.Submit(c.io, func() { c.opts.OnOpen(c) }); err == nil {
			return
		}
	}
	c.opts.OnOpen(c)
}
