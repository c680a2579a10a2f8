package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const operatorClaimsKey contextKey = "operatorClaims"

// OperatorRole is the role claim admin endpoints require.
const OperatorRole = "operator"

const tokenIssuer = "campaign-admin"

// OperatorClaims identifies the human behind an admin request.
type OperatorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminJWT enforces an HMAC-signed operator JWT. Browsers cannot set headers
// on websocket upgrades, so the token is also read from ?access_token=.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "admin auth disabled", http.StatusUnauthorized)
				return
			}
			tokenString := bearerToken(r)
			if tokenString == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			claims, err := ParseOperatorToken(secret, tokenString)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), operatorClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// ParseOperatorToken validates tokenString and returns its claims.
func ParseOperatorToken(secret, tokenString string) (OperatorClaims, error) {
	claims := OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return OperatorClaims{}, err
	}
	if !token.Valid {
		return OperatorClaims{}, jwt.ErrTokenInvalidClaims
	}
	if claims.Role != OperatorRole || claims.Subject == "" {
		return OperatorClaims{}, errors.New("middleware: token is not an operator token")
	}
	return claims, nil
}

// SignOperatorToken mints a token for operator, valid for ttl.
func SignOperatorToken(secret, operator string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("middleware: signing secret required")
	}
	if strings.TrimSpace(operator) == "" {
		return "", errors.New("middleware: operator name required")
	}
	now := time.Now()
	claims := OperatorClaims{
		Role: OperatorRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// OperatorFromContext returns the operator claims set by AdminJWT.
func OperatorFromContext(ctx context.Context) (OperatorClaims, bool) {
	claims, ok := ctx.Value(operatorClaimsKey).(OperatorClaims)
	return claims, ok
}
