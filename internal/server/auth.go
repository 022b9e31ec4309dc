package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc/metadata"
)

// AuthorizationMetadataKey carries the bearer token on gRPC requests. The
// HTTP gateway copies the Authorization header into it.
const AuthorizationMetadataKey = "authorization"

// PrincipalVerifier decides whether the request in ctx may act as principal.
type PrincipalVerifier func(ctx context.Context, principal common.Address) error

// TokenVerifier binds each principal to a shared bearer token. Principals
// missing from tokens are rejected.
func TokenVerifier(tokens map[common.Address]string) PrincipalVerifier {
	return func(ctx context.Context, principal common.Address) error {
		want, ok := tokens[principal]
		if !ok {
			return errors.New("not a known principal")
		}
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get(AuthorizationMetadataKey)
		if len(values) == 0 {
			return errors.New("bearer token required")
		}
		got, found := strings.CutPrefix(values[0], "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			return errors.New("bearer token does not match")
		}
		return nil
	}
}

// ParsePrincipalTokens parses "0xaddr=token,0xaddr=token".
func ParsePrincipalTokens(s string) (map[common.Address]string, error) {
	tokens := make(map[common.Address]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		addr, token, ok := strings.Cut(pair, "=")
		addr = strings.TrimSpace(addr)
		token = strings.TrimSpace(token)
		if !ok || !common.IsHexAddress(addr) || token == "" {
			return nil, fmt.Errorf("principal token %q: want 0xaddr=token", pair)
		}
		tokens[common.HexToAddress(addr)] = token
	}
	return tokens, nil
}
