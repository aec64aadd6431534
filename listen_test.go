package strand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListenURL(t *testing.T) {
	cases := []struct {
		in      string
		network string
		address string
	}{
		{"tcp://localhost:3000", "tcp", "localhost:3000"},
		{"tcp://localhost:3000/", "tcp", "localhost:3000"},
		{"localhost:3000", "tcp", "localhost:3000"},
		{":3000", "tcp", "0.0.0.0:3000"},
		{"unix:///tmp/my.sock", "unix", "/tmp/my.sock"},
		{"unix://./my.sock", "unix", "./my.sock"},
		{"/full/path/to/my.sock", "unix", "/full/path/to/my.sock"},
		{"./my.sock", "unix", "./my.sock"},
		{"my.sock:0", "unix", "my.sock"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			network, address, err := ParseListenURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.network, network)
			assert.Equal(t, tc.address, address)
		})
	}

	t.Run("empty address rejected", func(t *testing.T) {
		_, _, err := ParseListenURL("")
		assert.Error(t, err)
	})
}
