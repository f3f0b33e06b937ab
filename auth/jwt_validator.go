package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrAuthenticationFailed is the sentinel every validation failure wraps.
var ErrAuthenticationFailed = errors.New("auth: authentication failed")

// JWKSConfig configures a JWKS-backed TokenValidator.
type JWKSConfig struct {
	JWKSURL          string
	ExpectedIssuer   string
	ExpectedAudience string
	ClockSkew        time.Duration
	RefreshInterval  time.Duration
}

// JWKSTokenValidator validates bearer tokens as JWTs signed by a key from
// a remote JWKS, grounded on the teacher's jwt_validator.go.
type JWKSTokenValidator struct {
	config     JWKSConfig
	jwkCache   *jwk.Cache
	httpClient *http.Client
}

// NewJWKSTokenValidator creates a validator and performs an initial fetch
// of the key set so misconfiguration surfaces at construction time.
func NewJWKSTokenValidator(config JWKSConfig, client *http.Client) (*JWKSTokenValidator, error) {
	if config.JWKSURL == "" {
		return nil, fmt.Errorf("auth: JWKSURL is required")
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = time.Hour
	}
	if client == nil {
		client = http.DefaultClient
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(config.JWKSURL, jwk.WithMinRefreshInterval(config.RefreshInterval), jwk.WithHTTPClient(client)); err != nil {
		return nil, fmt.Errorf("auth: register JWKS url %s: %w", config.JWKSURL, err)
	}
	if _, err := cache.Refresh(context.Background(), config.JWKSURL); err != nil {
		return nil, fmt.Errorf("auth: initial JWKS fetch from %s: %w", config.JWKSURL, err)
	}

	return &JWKSTokenValidator{config: config, jwkCache: cache, httpClient: client}, nil
}

type jwtPrincipal struct {
	claims jwt.MapClaims
}

func (p *jwtPrincipal) GetClaims() interface{} { return p.claims }

func (p *jwtPrincipal) GetSubject() string {
	sub, _ := p.claims.GetSubject()
	return sub
}

// ValidateToken implements TokenValidator.
func (v *JWKSTokenValidator) ValidateToken(ctx context.Context, tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, v.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token format or signature: %v", ErrAuthenticationFailed, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: token rejected (expired, inactive, or signature mismatch)", ErrAuthenticationFailed)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims format", ErrAuthenticationFailed)
	}

	var opts []jwt.ParserOption
	if v.config.ExpectedIssuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.ExpectedIssuer))
	}
	if v.config.ExpectedAudience != "" {
		opts = append(opts, jwt.WithAudience(v.config.ExpectedAudience))
	}
	if v.config.ClockSkew > 0 {
		opts = append(opts, jwt.WithLeeway(v.config.ClockSkew))
	}
	if err := jwt.NewValidator(opts...).Validate(claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	return &jwtPrincipal{claims: claims}, nil
}

func (v *JWKSTokenValidator) keyFunc(token *jwt.Token) (interface{}, error) {
	keySet, err := v.jwkCache.Get(context.Background(), v.config.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("auth: fetch JWK set for %s: %w", v.config.JWKSURL, err)
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("auth: token header missing kid")
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		if _, err := v.jwkCache.Refresh(context.Background(), v.config.JWKSURL); err != nil {
			return nil, fmt.Errorf("auth: key %s not found and refresh failed: %w", kid, err)
		}
		keySet, err = v.jwkCache.Get(context.Background(), v.config.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("auth: fetch JWK set after refresh for %s: %w", v.config.JWKSURL, err)
		}
		key, found = keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("auth: key %s not found in JWKS at %s", kid, v.config.JWKSURL)
		}
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("auth: extract raw key material for %s: %w", kid, err)
	}
	return rawKey, nil
}

var _ TokenValidator = (*JWKSTokenValidator)(nil)
