package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/weft/errors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	hosts := []Host{
		New("localhost", 9091),
		{Version: 0, Address: "10.4.2.17", Port: 65535, Metadata: Metadata{Load: 2147483647, Quarantined: true}},
		{Version: 0, Address: "svc.internal.example.com", Port: 1, Metadata: Metadata{Load: -5}},
		{Version: 0, Address: "::1", Port: 8080, Metadata: Metadata{Load: 0, Quarantined: false}},
	}

	for _, h := range hosts {
		got, err := Decode(Encode(h))
		require.NoError(t, err, "host %s", h.Key())
		assert.Equal(t, h, got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":        nil,
		"not JSON":     []byte("address=localhost"),
		"truncated":    []byte(`{"version":0,"address":"a`),
		"missing addr": []byte(`{"version":0,"port":80}`),
		"empty addr":   []byte(`{"version":0,"address":"","port":80}`),
		"missing port": []byte(`{"version":0,"address":"localhost"}`),
		"port range":   []byte(`{"version":0,"address":"localhost","port":70000}`),
		"neg port":     []byte(`{"version":0,"address":"localhost","port":-1}`),
		"bad metadata": []byte(`{"version":0,"address":"localhost","port":80,"metadata":[1]}`),
	}

	for name, data := range cases {
		_, err := Decode(data)
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrDecode), "%s: expected ErrDecode, got %v", name, err)
	}
}

func TestDecodeFutureVersionRejected(t *testing.T) {
	_, err := Decode([]byte(`{"version":7,"address":"localhost","port":80}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
}

// Additive fields from a newer writer at the same version must not
// break older readers.
func TestDecodeIgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"version":0,"address":"localhost","port":80,"zone":"us-east","metadata":{"load":3,"quarantined":false,"weight":10}}`)
	h, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "localhost:80", h.Key())
	assert.Equal(t, int32(3), h.Metadata.Load)
}

func TestKey(t *testing.T) {
	h := New("10.0.0.9", 443)
	assert.Equal(t, "10.0.0.9:443", h.Key())
	assert.Equal(t, h.Key(), h.Target())
}
