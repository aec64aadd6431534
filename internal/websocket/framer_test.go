package websocket

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// maskFrame builds a masked client frame, the way a browser would.
func maskFrame(op Opcode, fin bool, payload []byte) []byte {
	b0 := byte(op)
	if fin {
		b0 |= 0x80
	}
	out := []byte{b0}
	l := len(payload)
	switch {
	case l <= 125:
		out = append(out, byte(l)|0x80)
	case l <= 0xFFFF:
		out = append(out, 126|0x80, byte(l>>8), byte(l))
	default:
		out = append(out, 127|0x80)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(l))
		out = append(out, ext[:]...)
	}
	mask := [4]byte{0x12, 0x34, 0x56, 0x78}
	out = append(out, mask[:]...)
	for i, c := range payload {
		out = append(out, c^mask[i&3])
	}
	return out
}

func TestAcceptKey_RFCSample(t *testing.T) {
	// The worked example from RFC 6455 §1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=",
		AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestParseFrame_MaskedText(t *testing.T) {
	raw := maskFrame(OpText, true, []byte("hi"))
	f, n, err := ParseFrame(raw, 0)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.True(t, f.Fin)
	assert.Equal(t, OpText, f.Opcode)
	assert.Equal(t, "hi", string(f.Payload))
}

func TestParseFrame_UnmaskedRejected(t *testing.T) {
	raw := AppendFrame(nil, OpText, true, []byte("hi")) // server encoding: no mask
	_, _, err := ParseFrame(raw, 0)
	require.Error(t, err)
	assert.Equal(t, CloseProtocolError, err.(*CloseError).Code)
}

func TestParseFrame_ReservedBitsRejected(t *testing.T) {
	raw := maskFrame(OpText, true, []byte("hi"))
	raw[0] |= 0x40 // RSV1
	_, _, err := ParseFrame(raw, 0)
	require.Error(t, err)
	assert.Equal(t, CloseProtocolError, err.(*CloseError).Code)
}

func TestParseFrame_Incomplete(t *testing.T) {
	raw := maskFrame(OpBinary, true, make([]byte, 300))
	for cut := 0; cut < len(raw); cut += 37 {
		_, n, err := ParseFrame(raw[:cut], 0)
		require.NoError(t, err)
		assert.Zero(t, n, "cut at %d", cut)
	}
	_, n, err := ParseFrame(raw, 0)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
}

func TestParseFrame_ExtendedLengths(t *testing.T) {
	t.Run("16-bit", func(t *testing.T) {
		payload := make([]byte, 60_000)
		f, n, err := ParseFrame(maskFrame(OpBinary, true, payload), 0)
		require.NoError(t, err)
		assert.Equal(t, len(payload), len(f.Payload))
		assert.Equal(t, 2+2+4+len(payload), n)
	})
	t.Run("64-bit", func(t *testing.T) {
		payload := make([]byte, 70_000)
		f, n, err := ParseFrame(maskFrame(OpBinary, true, payload), 0)
		require.NoError(t, err)
		assert.Equal(t, len(payload), len(f.Payload))
		assert.Equal(t, 2+8+4+len(payload), n)
	})
}

func TestParseFrame_ControlFrameRules(t *testing.T) {
	t.Run("oversized ping", func(t *testing.T) {
		_, _, err := ParseFrame(maskFrame(OpPing, true, make([]byte, 126)), 0)
		require.Error(t, err)
		assert.Equal(t, CloseProtocolError, err.(*CloseError).Code)
	})
	t.Run("fragmented close", func(t *testing.T) {
		_, _, err := ParseFrame(maskFrame(OpClose, false, nil), 0)
		require.Error(t, err)
		assert.Equal(t, CloseProtocolError, err.(*CloseError).Code)
	})
}

func TestParseFrame_TooLarge(t *testing.T) {
	_, _, err := ParseFrame(maskFrame(OpBinary, true, make([]byte, 200)), 100)
	require.Error(t, err)
	assert.Equal(t, CloseTooLarge, err.(*CloseError).Code)
}

func TestAppendFrame_ServerFramesUnmasked(t *testing.T) {
	raw := AppendFrame(nil, OpText, true, []byte("pong"))
	assert.Equal(t, byte(0x81), raw[0])
	assert.Zero(t, raw[1]&0x80, "server-to-client frames must not be masked")
	assert.Equal(t, "pong", string(raw[2:]))
}

func TestClosePayload(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		raw := AppendClose(nil, CloseNormal, "bye")
		f, _, err := ParseFrame(maskClientEcho(raw), 0)
		require.NoError(t, err)
		code, reason, err := ParseClosePayload(f.Payload)
		require.NoError(t, err)
		assert.Equal(t, CloseNormal, code)
		assert.Equal(t, "bye", reason)
	})
	t.Run("reason truncated to control cap", func(t *testing.T) {
		long := make([]byte, 300)
		for i := range long {
			long[i] = 'r'
		}
		raw := AppendClose(nil, CloseGoingAway, string(long))
		assert.Equal(t, byte(125), raw[1]&0x7F)
	})
	t.Run("one-byte payload invalid", func(t *testing.T) {
		_, _, err := ParseClosePayload([]byte{1})
		require.Error(t, err)
	})
	t.Run("reserved codes invalid", func(t *testing.T) {
		for _, code := range []int{999, 1005, 1006, 2999} {
			p := make([]byte, 2)
			binary.BigEndian.PutUint16(p, uint16(code))
			_, _, err := ParseClosePayload(p)
			assert.Error(t, err, "code %d", code)
		}
	})
}

// maskClientEcho re-masks a server frame as if a client had sent it.
func maskClientEcho(server []byte) []byte {
	op := Opcode(server[0] & 0x0F)
	payload := server[2:]
	return maskFrame(op, server[0]&0x80 != 0, payload)
}

func TestHandshakeHelpers(t *testing.T) {
	assert.True(t, equalFold("Upgrade", "upgrade"))
	assert.False(t, equalFold("upgrades", "upgrade"))
	assert.Equal(t, "x", trimSpaces("  x\t"))
}
