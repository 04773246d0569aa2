// Package signing builds and verifies the signed tokens that authenticate
// inter-node Geo requests. A request carries
//
//	Authorization: GL-Geo <access-key>:<jwt>
//
// where the JWT embeds the request payload in its "data" claim and is signed
// with the shared secret of the node identified by the access key. The
// secret itself never crosses the wire.
package signing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenType is the Authorization scheme of signed Geo requests.
const TokenType = "GL-Geo"

// Leeway tolerated when validating token time windows, to absorb clock skew
// between nodes.
const Leeway = 60 * time.Second

var (
	// ErrMalformedHeader is returned for headers that do not parse as
	// "GL-Geo <access-key>:<jwt>".
	ErrMalformedHeader = errors.New("malformed authorization header")
	// ErrUnknownAccessKey is returned when no node matches the access key.
	ErrUnknownAccessKey = errors.New("unknown access key")
	// ErrInvalidSignature is returned when the token signature does not
	// verify against the resolved node's secret.
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrTokenExpired is returned for tokens outside their validity window.
	// It is kept distinct from ErrInvalidSignature so operators can tell
	// clock skew from key mismatches.
	ErrTokenExpired = errors.New("token expired or not yet valid")
)

type claims struct {
	Data string `json:"data"`
	jwt.RegisteredClaims
}

// Signer signs request payloads on behalf of one node.
type Signer struct {
	accessKey string
	secretKey []byte
	expiry    time.Duration
}

// NewSigner returns a Signer using the node's access and secret keys. expiry
// is the validity window of generated tokens; short-lived request classes
// use about a minute, file transfers up to ten.
func NewSigner(accessKey, secretKey string, expiry time.Duration) *Signer {
	return &Signer{accessKey: accessKey, secretKey: []byte(secretKey), expiry: expiry}
}

// Header returns the full Authorization header value for the payload.
func (s *Signer) Header(payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode request payload: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Data: string(data),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	})

	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign request token: %w", err)
	}

	return fmt.Sprintf("%s %s:%s", TokenType, s.accessKey, signed), nil
}

// SecretResolver maps an access key to the matching node's secret key.
// Returns false when the access key is unknown.
type SecretResolver func(accessKey string) (string, bool)

// Decoder verifies Authorization headers and extracts the embedded payload.
type Decoder struct {
	resolve SecretResolver
	now     func() time.Time
}

// NewDecoder returns a Decoder resolving access keys through resolve.
func NewDecoder(resolve SecretResolver) *Decoder {
	return &Decoder{resolve: resolve, now: time.Now}
}

// Decode verifies the header and returns the raw JSON payload of the "data"
// claim. Every failure mode returns a nil payload: a request that does not
// verify carries no data.
func (d *Decoder) Decode(header string) ([]byte, error) {
	accessKey, rawToken, err := splitHeader(header)
	if err != nil {
		return nil, err
	}

	secret, ok := d.resolve(accessKey)
	if !ok {
		return nil, ErrUnknownAccessKey
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		// Time window validation happens below with explicit leeway.
		jwt.WithoutClaimsValidation(),
	)

	var parsed claims
	if _, err := parser.ParseWithClaims(rawToken, &parsed, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	now := d.now()
	if parsed.ExpiresAt == nil || now.After(parsed.ExpiresAt.Add(Leeway)) {
		return nil, ErrTokenExpired
	}
	if parsed.NotBefore != nil && now.Add(Leeway).Before(parsed.NotBefore.Time) {
		return nil, ErrTokenExpired
	}

	return []byte(parsed.Data), nil
}

func splitHeader(header string) (accessKey, token string, err error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != TokenType {
		return "", "", ErrMalformedHeader
	}

	credentials := strings.SplitN(parts[1], ":", 2)
	if len(credentials) != 2 || credentials[0] == "" || credentials[1] == "" {
		return "", "", ErrMalformedHeader
	}

	return credentials[0], credentials[1], nil
}
