package usertoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"booktutor/pkg/domain"
)

const (
	defaultIssuer   = "booktutor-auth"
	defaultAudience = "booktutor-api"
	defaultLeeway   = 30 * time.Second
)

var (
	// ErrInvalidRole is returned for a role claim outside student, teacher and admin.
	ErrInvalidRole = errors.New("token role is not recognized")
	// ErrMissingSubject is returned when the token carries no user id.
	ErrMissingSubject = errors.New("token subject missing")
)

// Config configures user access-token verification. Secret selects HS256;
// otherwise JWKSURL selects RS256 with keys fetched from the identity provider.
type Config struct {
	Secret     string
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Claims are the access-token claims the tutor relies on.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Verifier validates user access tokens and extracts the caller identity.
// Tokens are issued elsewhere; the tutor only reads them.
type Verifier struct {
	parser *jwt.Parser
	secret []byte
	keys   *keySet
}

// NewVerifier creates a token verifier. With a JWKS URL the first key fetch
// happens here so a misconfigured identity provider fails at startup.
func NewVerifier(cfg Config) (*Verifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	opts := []jwt.ParserOption{
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}

	if secret := strings.TrimSpace(cfg.Secret); secret != "" {
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		return &Verifier{parser: jwt.NewParser(opts...), secret: []byte(secret)}, nil
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires a secret or jwksURL")
	}
	keys := newKeySet(jwksURL, cfg.HTTPClient)
	if err := keys.refresh(); err != nil {
		return nil, fmt.Errorf("load jwks: %w", err)
	}
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	return &Verifier{parser: jwt.NewParser(opts...), keys: keys}, nil
}

// Verify validates the token and returns the caller. A missing role claim
// means student.
func (v *Verifier) Verify(token string) (domain.Identity, error) {
	claims, err := v.parse(token)
	if err != nil && v.keys != nil && v.keys.shouldRetry(err) {
		// key rotation: fetch the set again and give the token one more try
		if refreshErr := v.keys.refresh(); refreshErr != nil {
			return domain.Identity{}, refreshErr
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return domain.Identity{}, err
	}
	return identityFromClaims(claims)
}

func (v *Verifier) parse(token string) (Claims, error) {
	var claims Claims
	keyFunc := func(*jwt.Token) (any, error) { return v.secret, nil }
	if v.keys != nil {
		keyFunc = v.keys.lookup
	}
	parsed, err := v.parser.ParseWithClaims(token, &claims, keyFunc)
	if err == nil && !parsed.Valid {
		err = errors.New("invalid token")
	}
	return claims, err
}

func identityFromClaims(claims Claims) (domain.Identity, error) {
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.Identity{}, ErrMissingSubject
	}
	role := domain.Role(strings.ToLower(strings.TrimSpace(claims.Role)))
	switch role {
	case "":
		role = domain.RoleStudent
	case domain.RoleStudent, domain.RoleTeacher, domain.RoleAdmin:
	default:
		return domain.Identity{}, fmt.Errorf("%w: %q", ErrInvalidRole, claims.Role)
	}
	return domain.Identity{UserID: subject, Role: role}, nil
}
