package http1

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// Controller is the transport-side vtable a Handle drives to put bytes on
// the wire. HTTP/1 implements it on the connection; upgraded transports
// swap in their own.
type Controller interface {
	// SendHeaders commits the status line and response headers.
	SendHeaders(h *Handle) error
	// WriteBody queues one body chunk in streaming mode, after
	// SendHeaders.
	WriteBody(h *Handle, data []byte) error
	// WriteBodyFile queues a file range as body payload.
	WriteBodyFile(h *Handle, f *os.File, off, n int64) error
	// Finish completes the response and flushes.
	Finish(h *Handle) error
	// UpgradeWebSocket performs the 101 handshake for this handle.
	UpgradeWebSocket(h *Handle) error
	// UpgradeSSE converts the response into an event stream.
	UpgradeSSE(h *Handle) error
	// OnUnlinked fires when the handle releases its controller reference.
	OnUnlinked(h *Handle)
}

var (
	// ErrHeadersSent rejects header mutation after SendHeaders.
	ErrHeadersSent = errors.New("http1: headers already sent")
	// ErrFinished rejects writes on a finished response.
	ErrFinished = errors.New("http1: response finished")
	// ErrBadCookieName rejects cookie names outside the RFC 6265 token set.
	ErrBadCookieName = errors.New("http1: invalid cookie name")
)

type envEntry struct {
	key     string
	value   any
	onClose func(any)
}

// Handle is the per-request state object handed to application code: the
// parsed request plus the response builder.
type Handle struct {
	Method  string
	Path    string
	Query   string
	Version string

	reqHeaders  Headers
	respHeaders Headers
	body        *Body

	status int
	ctrl   Controller
	env    []envEntry

	streaming   bool
	headersSent bool
	finished    bool
	upgradedWS  bool
	upgradedSSE bool

	// accumulated response body (identity mode)
	acc []byte

	refs int32
}

func newHandle(ctrl Controller, bodySpill int64) *Handle {
	return &Handle{
		status: 200,
		ctrl:   ctrl,
		body:   newBody(bodySpill),
		refs:   1,
	}
}

// --- request side -----------------------------------------------------------

// ReqHeader returns the first request header value for name.
func (h *Handle) ReqHeader(name string) string { return h.reqHeaders.Get(name) }

// ReqHeaders exposes the frozen request header multi-map.
func (h *Handle) ReqHeaders() *Headers { return &h.reqHeaders }

// Body exposes the request payload reader.
func (h *Handle) Body() *Body { return h.body }

// --- response side ----------------------------------------------------------

// Status returns the response status code.
func (h *Handle) Status() int { return h.status }

// SetStatus sets the response status code; illegal once headers are sent.
func (h *Handle) SetStatus(code int) error {
	if h.headersSent {
		return ErrHeadersSent
	}
	h.status = code
	return nil
}

// Header exposes the response header multi-map for mutation.
func (h *Handle) Header() *Headers {
	return &h.respHeaders
}

// SetHeader sets a response header; illegal once headers are sent.
func (h *Handle) SetHeader(name, value string) error {
	if h.headersSent {
		return ErrHeadersSent
	}
	h.respHeaders.Set(name, value)
	return nil
}

// AddHeader appends a response header value.
func (h *Handle) AddHeader(name, value string) error {
	if h.headersSent {
		return ErrHeadersSent
	}
	h.respHeaders.Add(name, value)
	return nil
}

// Cookie is an outgoing Set-Cookie value.
type Cookie struct {
	Name     string
	Value    string
	Path     string
	Domain   string
	MaxAge   int
	Secure   bool
	HTTPOnly bool
	SameSite string
}

// SetCookie validates the name against the RFC 6265 token grammar and
// appends a Set-Cookie header.
func (h *Handle) SetCookie(c Cookie) error {
	if h.headersSent {
		return ErrHeadersSent
	}
	if c.Name == "" {
		return ErrBadCookieName
	}
	for i := 0; i < len(c.Name); i++ {
		if !isToken(c.Name[i]) {
			return ErrBadCookieName
		}
	}
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	b.WriteString(c.Value)
	if c.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(c.Path)
	}
	if c.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(c.Domain)
	}
	if c.MaxAge != 0 {
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.Itoa(c.MaxAge))
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	if c.SameSite != "" {
		b.WriteString("; SameSite=")
		b.WriteString(c.SameSite)
	}
	h.respHeaders.Add("set-cookie", b.String())
	return nil
}

// Write appends body bytes. In accumulating mode the bytes are buffered
// until Finish; in streaming mode headers go out first and each call
// queues a wire chunk.
func (h *Handle) Write(data []byte) error {
	if h.finished {
		return ErrFinished
	}
	if !h.streaming {
		h.acc = append(h.acc, data...)
		return nil
	}
	if !h.headersSent {
		if err := h.ctrl.SendHeaders(h); err != nil {
			return err
		}
	}
	return h.ctrl.WriteBody(h, data)
}

// WriteString is Write for string payloads.
func (h *Handle) WriteString(s string) error { return h.Write([]byte(s)) }

// WriteFile streams a file range as the response body. Ownership of f
// passes to the transport.
func (h *Handle) WriteFile(f *os.File, off, n int64) error {
	if h.finished {
		return ErrFinished
	}
	if !h.headersSent {
		if !h.streaming && !h.respHeaders.Has("content-length") {
			h.respHeaders.Set("content-length", strconv.FormatInt(n, 10))
		}
		if err := h.ctrl.SendHeaders(h); err != nil {
			return err
		}
	}
	return h.ctrl.WriteBodyFile(h, f, off, n)
}

// StartStreaming switches the response into streaming mode: headers are
// committed on the first Write and body framing is chunked unless the
// application set a content-length.
func (h *Handle) StartStreaming() error {
	if h.headersSent {
		return ErrHeadersSent
	}
	h.streaming = true
	return nil
}

// IsStreaming reports streaming mode.
func (h *Handle) IsStreaming() bool { return h.streaming }

// HeadersSent reports whether the response head was committed.
func (h *Handle) HeadersSent() bool { return h.headersSent }

// Finished reports whether the response is committed.
func (h *Handle) Finished() bool { return h.finished }

// Finish commits the response and flushes it to the wire.
func (h *Handle) Finish() error {
	if h.finished {
		return ErrFinished
	}
	return h.ctrl.Finish(h)
}

// UpgradeSSE converts this exchange into a server-sent event stream.
func (h *Handle) UpgradeSSE() error {
	if h.headersSent {
		return ErrHeadersSent
	}
	return h.ctrl.UpgradeSSE(h)
}

// MarkUpgradedWS records a completed WebSocket handshake: the 101 head
// is on the wire and the handle no longer owns the response.
func (h *Handle) MarkUpgradedWS() {
	h.upgradedWS = true
	h.headersSent = true
	h.finished = true
}

// MarkUpgradedSSE records a committed event-stream preamble; the stream
// stays open and the handle no longer owns the response.
func (h *Handle) MarkUpgradedSSE() {
	h.upgradedSSE = true
	h.headersSent = true
	h.finished = true
}

// UpgradedWS reports a completed WebSocket upgrade.
func (h *Handle) UpgradedWS() bool { return h.upgradedWS }

// UpgradedSSE reports a completed SSE upgrade.
func (h *Handle) UpgradedSSE() bool { return h.upgradedSSE }

// --- per-request environment ------------------------------------------------

// Env returns the value stored under key, if any.
func (h *Handle) Env(key string) (any, bool) {
	for i := range h.env {
		if h.env[i].key == key {
			return h.env[i].value, true
		}
	}
	return nil, false
}

// SetEnv stores a value under key; onClose (may be nil) runs when the
// handle is destroyed. Replacing a key runs the old destructor.
func (h *Handle) SetEnv(key string, value any, onClose func(any)) {
	for i := range h.env {
		if h.env[i].key == key {
			if h.env[i].onClose != nil {
				h.env[i].onClose(h.env[i].value)
			}
			h.env[i].value = value
			h.env[i].onClose = onClose
			return
		}
	}
	h.env = append(h.env, envEntry{key: key, value: value, onClose: onClose})
}

// --- lifecycle --------------------------------------------------------------

// Dup increments the handle's reference count.
func (h *Handle) Dup() *Handle {
	atomic.AddInt32(&h.refs, 1)
	return h
}

// Free decrements the reference count; at zero the env destructors run,
// the body spill is released and the controller is unlinked.
func (h *Handle) Free() {
	if atomic.AddInt32(&h.refs, -1) > 0 {
		return
	}
	for i := range h.env {
		if h.env[i].onClose != nil {
			h.env[i].onClose(h.env[i].value)
		}
	}
	h.env = nil
	h.body.Close()
	if h.ctrl != nil {
		c := h.ctrl
		h.ctrl = nil
		c.OnUnlinked(h)
	}
}

// RequestLine reconstructs the canonical request line.
func (h *Handle) RequestLine() string {
	target := h.Path
	if h.Query != "" {
		target += "?" + h.Query
	}
	return fmt.Sprintf("%s %s %s", h.Method, target, h.Version)
}
