package http1

import "strings"

type hdrEntry struct {
	name  string // canonical lower-case
	value string
}

// Headers is an ordered, case-insensitive multi-map. Duplicate names are
// preserved in arrival order.
type Headers struct {
	entries []hdrEntry
}

// Add appends a value, keeping earlier values for the same name.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, hdrEntry{name: strings.ToLower(name), value: value})
}

// Set replaces every value of name with the single given value.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Get returns the first value for name, or "".
func (h *Headers) Get(name string) string {
	name = strings.ToLower(name)
	for i := range h.entries {
		if h.entries[i].name == name {
			return h.entries[i].value
		}
	}
	return ""
}

// Has reports whether name is present.
func (h *Headers) Has(name string) bool {
	name = strings.ToLower(name)
	for i := range h.entries {
		if h.entries[i].name == name {
			return true
		}
	}
	return false
}

// Values returns every value for name in order.
func (h *Headers) Values(name string) []string {
	name = strings.ToLower(name)
	var out []string
	for i := range h.entries {
		if h.entries[i].name == name {
			out = append(out, h.entries[i].value)
		}
	}
	return out
}

// Del removes every value for name.
func (h *Headers) Del(name string) {
	name = strings.ToLower(name)
	kept := h.entries[:0]
	for i := range h.entries {
		if h.entries[i].name != name {
			kept = append(kept, h.entries[i])
		}
	}
	h.entries = kept
}

// Each visits every header in order; returning false stops the walk.
func (h *Headers) Each(fn func(name, value string) bool) {
	for i := range h.entries {
		if !fn(h.entries[i].name, h.entries[i].value) {
			return
		}
	}
}

// Len returns the number of stored header lines.
func (h *Headers) Len() int { return len(h.entries) }

// hasToken reports whether a comma-separated header value contains token
// (case-insensitive), per the Connection/Upgrade token-list grammar.
func hasToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
