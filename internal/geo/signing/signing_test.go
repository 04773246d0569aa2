package signing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func staticResolver(accessKey, secretKey string) SecretResolver {
	return func(key string) (string, bool) {
		if key == accessKey {
			return secretKey, true
		}
		return "", false
	}
}

func TestSignAndDecode(t *testing.T) {
	signer := NewSigner("node-key", "node-secret", time.Minute)
	decoder := NewDecoder(staticResolver("node-key", "node-secret"))

	header, err := signer.Header(map[string]interface{}{"id": 42, "type": "attachment"})
	require.NoError(t, err)
	require.Contains(t, header, TokenType+" node-key:")

	payload, err := decoder.Decode(header)
	require.NoError(t, err)

	var decoded struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	require.Equal(t, int64(42), decoded.ID)
	require.Equal(t, "attachment", decoded.Type)
}

func TestDecodeFailures(t *testing.T) {
	signer := NewSigner("node-key", "node-secret", time.Minute)
	header, err := signer.Header(map[string]string{"scope": "status"})
	require.NoError(t, err)

	for _, tc := range []struct {
		desc    string
		header  string
		resolve SecretResolver
		err     error
	}{
		{
			desc:    "empty header",
			header:  "",
			resolve: staticResolver("node-key", "node-secret"),
			err:     ErrMalformedHeader,
		},
		{
			desc:    "wrong scheme",
			header:  "Bearer abcdef",
			resolve: staticResolver("node-key", "node-secret"),
			err:     ErrMalformedHeader,
		},
		{
			desc:    "missing token",
			header:  TokenType + " node-key:",
			resolve: staticResolver("node-key", "node-secret"),
			err:     ErrMalformedHeader,
		},
		{
			desc:    "unknown access key",
			header:  header,
			resolve: staticResolver("other-key", "node-secret"),
			err:     ErrUnknownAccessKey,
		},
		{
			desc:    "wrong secret",
			header:  header,
			resolve: staticResolver("node-key", "a-different-secret"),
			err:     ErrInvalidSignature,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			payload, err := NewDecoder(tc.resolve).Decode(tc.header)
			require.ErrorIs(t, err, tc.err)
			require.Nil(t, payload, "a request that does not verify carries no data")
		})
	}
}

func TestDecodeExpiry(t *testing.T) {
	signer := NewSigner("node-key", "node-secret", time.Minute)
	header, err := signer.Header(map[string]string{"scope": "status"})
	require.NoError(t, err)

	decoder := NewDecoder(staticResolver("node-key", "node-secret"))

	// Slight clock skew stays within the leeway.
	decoder.now = func() time.Time { return time.Now().Add(time.Minute + Leeway/2) }
	_, err = decoder.Decode(header)
	require.NoError(t, err)

	decoder.now = func() time.Time { return time.Now().Add(time.Minute + 2*Leeway) }
	_, err = decoder.Decode(header)
	require.ErrorIs(t, err, ErrTokenExpired)

	// A token from far in the future is rejected as well.
	decoder.now = func() time.Time { return time.Now().Add(-2 * Leeway) }
	_, err = decoder.Decode(header)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestCachedResolver(t *testing.T) {
	var lookups int
	cached := NewCachedResolver(func(key string) (string, bool) {
		lookups++
		if key == "node-key" {
			return "node-secret", true
		}
		return "", false
	})

	for i := 0; i < 3; i++ {
		secret, ok := cached("node-key")
		require.True(t, ok)
		require.Equal(t, "node-secret", secret)
	}
	require.Equal(t, 1, lookups, "repeated lookups are served from the cache")

	// Misses are not cached; an unknown key is re-resolved every time.
	_, ok := cached("unknown")
	require.False(t, ok)
	_, ok = cached("unknown")
	require.False(t, ok)
	require.Equal(t, 3, lookups)
}
