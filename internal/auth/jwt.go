package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"convroute/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller: an agent id and its role
type Principal struct {
	AgentID string
	Role    model.AgentRole
}

// Supervises reports whether p may act on other agents' work
func (p Principal) Supervises() bool {
	return p.Role == model.RoleAdmin || p.Role == model.RoleSupervisor
}

// Claims carried by access tokens; sub is the agent id
type Claims struct {
	Role model.AgentRole `json:"role"`
	jwt.RegisteredClaims
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey string
	// DevHeaders accepts X-Agent-ID / X-Agent-Role instead of a token
	DevHeaders bool
}

// NewJWTConfig creates a new JWT config
func NewJWTConfig(secretKey string) *JWTConfig {
	if secretKey == "" {
		secretKey = "default-secret-key-change-in-production" // Default for development
	}
	return &JWTConfig{SecretKey: secretKey}
}

// Issue signs an HS256 token for agentID valid for ttl
func (c *JWTConfig) Issue(agentID string, role model.AgentRole, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.SecretKey))
}

// Parse validates a token and returns its principal
func (c *JWTConfig) Parse(tokenString string) (Principal, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(c.SecretKey), nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return Principal{}, errors.New("invalid token claims")
	}
	role := claims.Role
	if role == "" {
		role = model.RoleAgent
	}
	return Principal{AgentID: claims.Subject, Role: role}, nil
}

// FromRequest authenticates r from its bearer token, a ?token= query
// parameter (websocket clients) or, when enabled, the development headers.
// ok is false for anonymous requests.
func (c *JWTConfig) FromRequest(r *http.Request) (p Principal, ok bool, err error) {
	if c.DevHeaders {
		if id := r.Header.Get("X-Agent-ID"); id != "" {
			role := model.AgentRole(r.Header.Get("X-Agent-Role"))
			if role == "" {
				role = model.RoleAgent
			}
			return Principal{AgentID: id, Role: role}, true, nil
		}
	}

	tokenString := r.URL.Query().Get("token")
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return Principal{}, false, errors.New("invalid authorization header")
		}
		tokenString = parts[1]
	}
	if tokenString == "" {
		return Principal{}, false, nil
	}

	p, err = c.Parse(tokenString)
	if err != nil {
		return Principal{}, false, err
	}
	return p, true, nil
}

// Middleware attaches the caller's principal to the request context.
// Anonymous requests pass through; RequireRole decides whether they may proceed.
func (c *JWTConfig) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok, err := c.FromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireRole rejects anonymous callers with 401 and callers outside roles with 403
func RequireRole(roles ...model.AgentRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext extracts the principal from context
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// GetAgentID extracts the caller's agent id from context, "" when anonymous
func GetAgentID(ctx context.Context) string {
	p, _ := FromContext(ctx)
	return p.AgentID
}
