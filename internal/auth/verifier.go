// Package auth verifies the bearer assertion presented when a client
// connects. The relay core only consumes the resulting identity; acquiring
// the assertion is the client application's problem.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for any assertion the verifier cannot
// accept. The server treats it as a hard connection rejection.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the verified sender identity bound to a connection for its
// lifetime.
type Identity struct {
	Email string
	Name  string
}

// Verifier turns a bearer assertion into a verified Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// JWTVerifier validates HMAC-signed JWTs carrying email and name claims,
// and requires the token audience to intersect a configured allow-list.
type JWTVerifier struct {
	secret    []byte
	audiences map[string]struct{}
}

// NewJWTVerifier creates a verifier for the given signing secret. If
// audiences is empty, any audience is accepted.
func NewJWTVerifier(secret string, audiences []string) *JWTVerifier {
	allowed := make(map[string]struct{}, len(audiences))
	for _, aud := range audiences {
		allowed[aud] = struct{}{}
	}
	return &JWTVerifier{secret: []byte(secret), audiences: allowed}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	if err := v.checkAudience(claims); err != nil {
		return Identity{}, err
	}

	email, _ := claims["email"].(string)
	if email == "" {
		return Identity{}, fmt.Errorf("%w: token has no email claim", ErrUnauthenticated)
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = email
	}
	return Identity{Email: email, Name: name}, nil
}

func (v *JWTVerifier) checkAudience(claims jwt.MapClaims) error {
	if len(v.audiences) == 0 {
		return nil
	}
	auds, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("%w: bad audience claim: %v", ErrUnauthenticated, err)
	}
	for _, aud := range auds {
		if _, ok := v.audiences[aud]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: audience not allowed", ErrUnauthenticated)
}

// StaticVerifier accepts every non-empty token and returns a fixed identity.
// It backs tests and development setups that have no token issuer.
type StaticVerifier struct {
	Identity Identity
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}
	return v.Identity, nil
}
