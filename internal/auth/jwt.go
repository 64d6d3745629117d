// Package auth signs and verifies the bearer tokens carried on
// streaming-pull RPCs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// DefaultTokenTTL is how long a signed token stays valid.
	DefaultTokenTTL = time.Hour

	// refreshBefore is how close to expiry a cached token is replaced.
	refreshBefore = time.Minute

	authorizationKey = "authorization"
	bearerPrefix     = "Bearer "
)

// Claims are the token claims for a subscriber.
type Claims struct {
	ClientID     string `json:"client_id"`
	Subscription string `json:"subscription,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens with a shared secret.
type Signer struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewSigner creates a signer. A zero ttl uses DefaultTokenTTL.
func NewSigner(secretKey string, ttl time.Duration) (*Signer, error) {
	if secretKey == "" {
		return nil, errors.New("secret key cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Signer{secretKey: []byte(secretKey), ttl: ttl, now: time.Now}, nil
}

// Sign creates a token for clientID scoped to subscription.
func (s *Signer) Sign(clientID, subscription string) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, errors.New("clientID cannot be empty")
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		ClientID:     clientID,
		Subscription: subscription,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses a token, with or without the bearer prefix, and returns its
// claims.
func (s *Signer) Verify(token string) (*Claims, error) {
	token = strings.TrimPrefix(token, bearerPrefix)
	if token == "" {
		return nil, errors.New("token cannot be empty")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Credentials attaches a bearer token to every RPC. Tokens are cached and
// re-signed shortly before they expire.
type Credentials struct {
	signer       *Signer
	clientID     string
	subscription string
	insecure     bool

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewCredentials returns per-RPC credentials for clientID. Set insecure to
// allow sending the token over a plaintext connection, as emulators require.
func NewCredentials(signer *Signer, clientID, subscription string, insecure bool) *Credentials {
	return &Credentials{
		signer:       signer,
		clientID:     clientID,
		subscription: subscription,
		insecure:     insecure,
	}
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c *Credentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" || !c.signer.now().Add(refreshBefore).Before(c.expiresAt) {
		token, expiresAt, err := c.signer.Sign(c.clientID, c.subscription)
		if err != nil {
			return nil, err
		}
		c.token, c.expiresAt = token, expiresAt
	}
	return map[string]string{authorizationKey: bearerPrefix + c.token}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c *Credentials) RequireTransportSecurity() bool {
	return !c.insecure
}

type claimsKey struct{}

// ClaimsFromContext returns the claims a StreamInterceptor verified.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

// StreamInterceptor rejects streams without a valid bearer token.
func StreamInterceptor(signer *Signer) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		md, _ := metadata.FromIncomingContext(ss.Context())
		values := md.Get(authorizationKey)
		if len(values) == 0 {
			return status.Error(codes.Unauthenticated, "missing bearer token")
		}
		claims, err := signer.Verify(values[0])
		if err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(srv, &authedStream{
			ServerStream: ss,
			ctx:          context.WithValue(ss.Context(), claimsKey{}, claims),
		})
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }
