package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppend(t *testing.T) {
	t.Run("data only", func(t *testing.T) {
		out := Append(nil, Event{Data: []byte("hello")})
		assert.Equal(t, "data: hello\n\n", string(out))
	})

	t.Run("newlines split across data lines", func(t *testing.T) {
		out := Append(nil, Event{Data: []byte("line1\nline2\nline3")})
		assert.Equal(t, "data: line1\ndata: line2\ndata: line3\n\n", string(out))
	})

	t.Run("full event", func(t *testing.T) {
		out := Append(nil, Event{Name: "update", ID: "42", Retry: 3000, Data: []byte("x")})
		assert.Equal(t, "event: update\nid: 42\nretry: 3000\ndata: x\n\n", string(out))
	})

	t.Run("empty data still terminates", func(t *testing.T) {
		out := Append(nil, Event{})
		assert.Equal(t, "data: \n\n", string(out))
	})
}

func TestKeepAliveComment(t *testing.T) {
	assert.Equal(t, ":\n\n", string(KeepAlive))
}
