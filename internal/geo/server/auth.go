package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geo/internal/geo/signing"
)

type payloadKey struct{}

// Payload returns the verified signed payload attached by the auth
// middleware, or nil outside an authenticated request.
func Payload(ctx context.Context) []byte {
	payload, _ := ctx.Value(payloadKey{}).([]byte)
	return payload
}

// Auth verifies the Authorization header of inbound requests and attaches
// the decoded payload to the request context. Every failure mode fails
// closed with 401; bad signatures and expired tokens are logged distinctly
// so operators can tell key mismatches from clock skew.
type Auth struct {
	log     logrus.FieldLogger
	decoder *signing.Decoder
}

// NewAuth returns the auth middleware around decoder.
func NewAuth(log logrus.FieldLogger, decoder *signing.Decoder) *Auth {
	return &Auth{
		log:     log.WithField("component", "server.Auth"),
		decoder: decoder,
	}
}

// Middleware is a mux.MiddlewareFunc.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := a.decoder.Decode(r.Header.Get("Authorization"))
		if err != nil {
			logger := a.log.WithField("path", r.URL.Path)
			switch {
			case errors.Is(err, signing.ErrTokenExpired):
				logger.WithError(err).Warn("rejected request with expired token, check node clocks")
			case errors.Is(err, signing.ErrInvalidSignature):
				logger.WithError(err).Warn("rejected request with invalid signature, check node secrets")
			default:
				logger.WithError(err).Warn("rejected unauthenticated request")
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"authorization required"}`))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), payloadKey{}, payload)))
	})
}
