package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/autoverify/internal/config"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "autoverify"

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrAuthDisabled       = errors.New("operator authentication is not configured")
)

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type contextKey struct{}

// Operator issues and checks the bearer tokens that guard the dashboard's write routes.
type Operator struct {
	cfg config.AuthConfig
	now func() time.Time
}

func NewOperator(cfg config.AuthConfig) *Operator {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	return &Operator{cfg: cfg, now: time.Now}
}

// Enabled reports whether a signing secret is configured. Without one, write routes are open.
func (o *Operator) Enabled() bool {
	return o.cfg.JWTSecret != ""
}

func (o *Operator) Login(username, password string) (string, time.Time, error) {
	if !o.Enabled() || o.cfg.OperatorPasswordHash == "" {
		return "", time.Time{}, ErrAuthDisabled
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(o.cfg.OperatorUsername)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(o.cfg.OperatorPasswordHash), []byte(password))
	if !userOK || passErr != nil {
		log.Warn().Str("username", username).Msg("auth: operator login rejected")
		return "", time.Time{}, ErrInvalidCredentials
	}
	return o.IssueToken(username)
}

func (o *Operator) IssueToken(subject string) (string, time.Time, error) {
	if !o.Enabled() {
		return "", time.Time{}, ErrAuthDisabled
	}
	now := o.now()
	expires := now.Add(o.cfg.TokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: "operator",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(o.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: failed to sign token: %w", err)
	}
	return signed, expires, nil
}

func (o *Operator) Validate(tokenStr string) (*Claims, error) {
	if !o.Enabled() {
		return nil, ErrAuthDisabled
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return []byte(o.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(o.now),
	)
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token. It is a pass-through when no
// secret is configured.
func (o *Operator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !o.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		claims, err := o.Validate(parts[1])
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
	})
}

// ClaimsFromContext returns the operator claims set by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	return c, ok
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("auth: password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: failed to hash password: %w", err)
	}
	return string(hash), nil
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="autoverify"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
