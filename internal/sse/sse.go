// Package sse implements the WHATWG text/event-stream encoder and the
// reactor protocol for an upgraded event-stream connection.
package sse

import (
	"bytes"
	"log/slog"
	"strconv"

	"github.com/irgordon/strand/internal/http1"
	"github.com/irgordon/strand/internal/reactor"
)

// Event is one server-sent event.
type Event struct {
	Name  string
	ID    string
	Retry int // milliseconds; 0 omits the line
	Data  []byte
}

// KeepAlive is the comment frame emitted on idle connections.
var KeepAlive = []byte(":\n\n")

// Append serializes an event onto dst. Newlines inside Data are split
// across multiple data: lines; the event ends with a blank line.
func Append(dst []byte, ev Event) []byte {
	if ev.Name != "" {
		dst = append(dst, "event: "...)
		dst = append(dst, ev.Name...)
		dst = append(dst, '\n')
	}
	if ev.ID != "" {
		dst = append(dst, "id: "...)
		dst = append(dst, ev.ID...)
		dst = append(dst, '\n')
	}
	if ev.Retry > 0 {
		dst = append(dst, "retry: "...)
		dst = strconv.AppendInt(dst, int64(ev.Retry), 10)
		dst = append(dst, '\n')
	}
	data := ev.Data
	for {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		dst = append(dst, "data: "...)
		dst = append(dst, data[:nl]...)
		dst = append(dst, '\n')
		data = data[nl+1:]
	}
	dst = append(dst, "data: "...)
	dst = append(dst, data...)
	dst = append(dst, '\n', '\n')
	return dst
}

// Options configure one event-stream connection.
type Options struct {
	Log *slog.Logger

	OnOpen     func(c *Conn)
	OnClose    func(c *Conn)
	OnShutdown func(c *Conn)
}

// Conn is the protocol for one upgraded SSE connection: outbound only,
// with comment keep-alives on idle.
type Conn struct {
	opts Options
	io   *reactor.IO
	h    *http1.Handle

	// LastEventID echoes the client's reconnect position when present.
	LastEventID string

	udata any
}

// NewConn builds the protocol state for a completed SSE upgrade.
func NewConn(opts Options, h *http1.Handle) *Conn {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Conn{opts: opts, h: h, LastEventID: h.ReqHeader("last-event-id")}
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

// WriteEvent queues one serialized event.
func (c *Conn) WriteEvent(ev Event) error {
	return c.io.Write(Append(nil, ev), reactor.WriteOpts{})
}

// WriteData queues a plain data-only event.
func (c *Conn) WriteData(data []byte) error {
	return c.WriteEvent(Event{Data: data})
}

// --- reactor.Protocol -------------------------------------------------------

// OnData discards inbound bytes; the stream is one-way.
func (c *Conn) OnData(io *reactor.IO) {
	io.Consume(len(io.Input()))
}

func (c *Conn) OnReady(*reactor.IO) {}

// OnTimeout emits the keep-alive comment and keeps the stream open.
func (c *Conn) OnTimeout(io *reactor.IO) {
	_ = io.Write(KeepAlive, reactor.WriteOpts{})
	io.Touch()
}

// OnShutdown lets the application say goodbye, then closes the stream.
func (c *Conn) OnShutdown(io *reactor.IO) {
	if c.opts.OnShutdown != nil {
		c.opts.OnShutdown(c)
	}
	io.Close()
}

// OnClose releases the handle; final callback for the IO.
func (c *Conn) OnClose(*reactor.IO) {
	if c.opts.OnClose != nil {
		c.opts.OnClose(c)
	}
	if c.h != nil {
		c.h.Free()
		c.h = nil
	}
}

// Open runs the application's open callback (after the preamble went
// out).
func (c *Conn) Open() {
	if c.opts.OnOpen != nil {
		c.opts.OnOpen(c)
	}
}
