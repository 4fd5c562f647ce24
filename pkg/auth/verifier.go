package auth

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

/*
Verifier decides whether a hello with the given principal and token is
acceptable. A nil return authenticates the connection; the error message of a
non-nil return travels back to the peer, so implementations should keep it
free of secrets.
*/
type Verifier interface {
	Verify(ctx context.Context, who, token string) error
}

/*
Backends routes hello attempts to the verifier registered for the requested
auth method. The set is fixed at startup; lookups need no locking.
*/
type Backends struct {
	verifiers map[string]Verifier
}

func NewBackends() *Backends {
	return &Backends{
		verifiers: make(map[string]Verifier),
	}
}

// Register adds a verifier under an auth method name.
func (backends *Backends) Register(method string, verifier Verifier) {
	backends.verifiers[method] = verifier
}

// Verify dispatches to the verifier for method.
func (backends *Backends) Verify(ctx context.Context, method, who, token string) error {
	verifier, ok := backends.verifiers[method]

	if !ok {
		return fmt.Errorf("unknown auth method %q", method)
	}

	return verifier.Verify(ctx, who, token)
}

// Methods lists the registered auth method names.
func (backends *Backends) Methods() []string {
	methods := make([]string, 0, len(backends.verifiers))

	for method := range backends.verifiers {
		methods = append(methods, method)
	}

	return methods
}

/*
StaticVerifier authenticates against a fixed user to token table from the
configuration file. Comparison is constant-time.
*/
type StaticVerifier struct {
	users map[string]string
}

func NewStaticVerifier(users map[string]string) *StaticVerifier {
	return &StaticVerifier{users: users}
}

func (verifier *StaticVerifier) Verify(ctx context.Context, who, token string) error {
	want, ok := verifier.users[who]

	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return fmt.Errorf("unknown user or bad token")
	}

	return nil
}

/*
JWTVerifier accepts an HS256 token signed with the shared key whose subject
claim names the connecting principal.
*/
type JWTVerifier struct {
	signingKey []byte
}

func NewJWTVerifier(signingKey []byte) *JWTVerifier {
	return &JWTVerifier{signingKey: signingKey}
}

func (verifier *JWTVerifier) getSigningKey(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return verifier.signingKey, nil
}

func (verifier *JWTVerifier) Verify(ctx context.Context, who, token string) error {
	parsed, err := jwt.Parse(token, verifier.getSigningKey)

	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}

	if !parsed.Valid {
		return fmt.Errorf("token expired")
	}

	subject, err := parsed.Claims.GetSubject()

	if err != nil {
		return fmt.Errorf("invalid token claims: %w", err)
	}

	if subject != who {
		return fmt.Errorf("token subject does not match who")
	}

	return nil
}

/*
Config mirrors the auth section of the switch configuration file. Empty
sections register no backend, so a deployment can run password-only,
jwt-only, or both.
*/
type Config struct {
	Password struct {
		Users map[string]string `mapstructure:"users"`
	} `mapstructure:"password"`
	JWT struct {
		Key string `mapstructure:"key"`
	} `mapstructure:"jwt"`
}

// FromConfig builds the backend set a configuration describes.
func FromConfig(cfg Config) *Backends {
	backends := NewBackends()

	if len(cfg.Password.Users) > 0 {
		backends.Register("password", NewStaticVerifier(cfg.Password.Users))
	}

	if cfg.JWT.Key != "" {
		backends.Register("jwt", NewJWTVerifier([]byte(cfg.JWT.Key)))
	}

	return backends
}
