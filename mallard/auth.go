// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package mallard

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// authTokenBytes is the entropy of an issued bearer token.
const authTokenBytes = 32

type identityKey struct{}

// IdentityFromContext returns the authenticated username for a call, if the
// auth middleware admitted it.
func IdentityFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(identityKey{}).(string)
	return user, ok
}

// AuthMiddleware validates credentials on every call before dispatch. Basic
// credentials are exchanged for a bearer token generated with crypto/rand and
// echoed in the authorization response header; bearer tokens are looked up in
// the in-memory token table. Tokens never expire and are only valid within
// the issuing server instance.
type AuthMiddleware struct {
	creds map[string]string
	log   *slog.Logger

	mu     sync.Mutex
	tokens map[string]string // token -> username
}

// NewAuthMiddleware creates middleware over the given credential set. The set
// is read-only at runtime.
func NewAuthMiddleware(creds map[string]string, log *slog.Logger) *AuthMiddleware {
	if log == nil {
		log = slog.Default()
	}
	return &AuthMiddleware{
		creds:  creds,
		log:    log,
		tokens: make(map[string]string),
	}
}

// Middleware packages the interceptors for flight.NewServerWithMiddleware.
func (a *AuthMiddleware) Middleware() flight.ServerMiddleware {
	return flight.ServerMiddleware{
		Unary:  a.unaryInterceptor,
		Stream: a.streamInterceptor,
	}
}

func (a *AuthMiddleware) unaryInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	authedCtx, err := a.authenticate(ctx)
	if err != nil {
		return nil, statusFromError(err)
	}
	return handler(authedCtx, req)
}

func (a *AuthMiddleware) streamInterceptor(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	authedCtx, err := a.authenticate(ss.Context())
	if err != nil {
		return statusFromError(err)
	}
	return handler(srv, &authedStream{ServerStream: ss, ctx: authedCtx})
}

// authenticate validates the call's credentials and returns a context
// carrying the caller's identity. Rejected calls never reach the handler.
func (a *AuthMiddleware) authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, &UnauthenticatedError{Reason: "missing call metadata"}
	}
	headers := md.Get("authorization")
	if len(headers) == 0 {
		return nil, &UnauthenticatedError{Reason: "no credentials supplied"}
	}

	scheme, value, _ := strings.Cut(headers[0], " ")
	switch scheme {
	case "Basic":
		username, err := a.checkBasic(value)
		if err != nil {
			a.log.Warn("rejected basic credentials", "err", err)
			return nil, err
		}
		token := a.issueToken(username)
		// Best effort: outside a gRPC call (tests) there is no transport to
		// attach the header to.
		_ = grpc.SetHeader(ctx, metadata.Pairs("authorization", "Bearer "+token))
		return context.WithValue(ctx, identityKey{}, username), nil

	case "Bearer":
		username, ok := a.lookupToken(value)
		if !ok {
			a.log.Warn("rejected bearer token")
			return nil, &UnauthenticatedError{Reason: "invalid token"}
		}
		return context.WithValue(ctx, identityKey{}, username), nil

	default:
		return nil, &UnauthenticatedError{Reason: "no credentials supplied"}
	}
}

// checkBasic validates a base64 user:password pair against the credential set.
func (a *AuthMiddleware) checkBasic(value string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", &UnauthenticatedError{Reason: "malformed basic credentials"}
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", &UnauthenticatedError{Reason: "malformed basic credentials"}
	}
	secret, found := a.creds[username]
	if !found || subtle.ConstantTimeCompare([]byte(password), []byte(secret)) != 1 {
		return "", &UnauthenticatedError{Reason: "invalid username or password"}
	}
	return username, nil
}

// issueToken mints a new bearer token bound to username for the lifetime of
// the owning server instance.
func (a *AuthMiddleware) issueToken(username string) string {
	buf := make([]byte, authTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable.
		panic("mallard: reading random token bytes: " + err.Error())
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	a.mu.Lock()
	a.tokens[token] = username
	a.mu.Unlock()
	return token
}

func (a *AuthMiddleware) lookupToken(token string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	username, ok := a.tokens[token]
	return username, ok
}

// authedStream overrides the stream context with the authenticated one.
type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }
