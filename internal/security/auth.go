package security

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"

	"github.com/chirino/workbench-service/internal/config"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "userID"
	// ContextKeyUserName is the gin context key for the caller's display name.
	ContextKeyUserName = "userName"
)

// Identity holds the resolved caller identity from a bearer token.
type Identity struct {
	UserID string
	Name   string
}

// TokenResolver resolves bearer tokens to caller identities. It is initialized
// once at startup and shared by all routes.
type TokenResolver struct {
	verifier    *oidc.IDTokenVerifier
	apiKeys     map[string]string
	testingMode bool
}

// NewTokenResolver creates a TokenResolver from the application config. It performs
// one-time OIDC provider discovery if OIDCIssuer is configured.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	var verifier *oidc.IDTokenVerifier
	oidcIssuer := cfg.OIDCIssuer

	if oidcIssuer != "" {
		ctx := context.Background()
		expectedIssuer := oidcIssuer // preserve the configured issuer for token validation
		discoveryURL := cfg.OIDCDiscoveryURL
		if discoveryURL != "" && discoveryURL != oidcIssuer {
			// Discovery URL differs from issuer (e.g. internal Docker hostname vs external URL).
			// NewProvider fetches from its issuer arg, so pass the discovery URL there.
			// InsecureIssuerURLContext tells NewProvider to accept a mismatched issuer in the
			// discovery document.
			ctx = oidc.InsecureIssuerURLContext(ctx, oidcIssuer)
			oidcIssuer = discoveryURL
		}
		provider, err := oidc.NewProvider(ctx, oidcIssuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider; falling back to API key auth", "issuer", oidcIssuer, "err", err)
		} else {
			// When the discovery URL differs from the configured issuer, the provider stores the
			// discovery document's issuer (e.g. the internal hostname). Tokens are issued with the
			// external issuer (cfg.OIDCIssuer). Build the verifier with the expected external issuer
			// so token validation doesn't fail on issuer mismatch.
			var providerClaims struct {
				JWKSURI string `json:"jwks_uri"`
			}
			if expectedIssuer != oidcIssuer {
				if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
					keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
					verifier = oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{
						SkipClientIDCheck: true,
					})
				}
			}
			if verifier == nil {
				verifier = provider.Verifier(&oidc.Config{
					SkipClientIDCheck: true,
				})
			}
			log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		}
	}

	return &TokenResolver{
		verifier:    verifier,
		apiKeys:     cfg.APIKeys,
		testingMode: cfg.Mode == config.ModeTesting,
	}
}

var (
	errInvalidJWT      = errors.New("invalid JWT")
	errMissingIdentity = errors.New("JWT missing identity claims")
)

// Resolve resolves a bearer token (and optional API key / user ID header) into a caller Identity.
// bearerToken is the raw token value (without the "Bearer " prefix).
// apiKey is the value of the X-API-Key header (may be empty).
// userIDHeader is the value of the X-User-ID header (only honored in testing mode).
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken, apiKey, userIDHeader string) (*Identity, error) {
	// Resolve API key to a service user ID.
	if xAPIKey := strings.TrimSpace(apiKey); xAPIKey != "" {
		if resolved, ok := r.apiKeys[xAPIKey]; ok {
			return &Identity{UserID: resolved, Name: resolved}, nil
		}
		log.Warn("Received invalid API key")
	}

	// X-User-ID header: only accepted in testing mode.
	if r.testingMode {
		if hdr := strings.TrimSpace(userIDHeader); hdr != "" {
			return &Identity{UserID: hdr, Name: hdr}, nil
		}
	}

	// If OIDC is configured and the token looks like a JWT (has dots), verify it.
	if r.verifier != nil && strings.Count(bearerToken, ".") >= 2 {
		idToken, err := r.verifier.Verify(ctx, bearerToken)
		if err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}

		// Extract user ID from JWT: prefer "preferred_username", then "upn",
		// then fall back to "sub".
		var claims struct {
			Sub               string `json:"sub"`
			PreferredUsername string `json:"preferred_username"`
			UPN               string `json:"upn"`
			Name              string `json:"name"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}
		userID := claims.PreferredUsername
		if userID == "" {
			userID = claims.UPN
		}
		if userID == "" {
			userID = claims.Sub
		}
		if userID == "" {
			return nil, errMissingIdentity
		}
		name := claims.Name
		if name == "" {
			name = userID
		}
		return &Identity{UserID: userID, Name: name}, nil
	}

	// API key mode: treat the token as the user ID directly.
	return &Identity{UserID: bearerToken, Name: bearerToken}, nil
}

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetUserName returns the caller's display name from the gin context.
func GetUserName(c *gin.Context) string {
	if name := c.GetString(ContextKeyUserName); name != "" {
		return name
	}
	return c.GetString(ContextKeyUserID)
}

// AuthMiddleware returns a gin middleware that extracts user identity from the
// Authorization header using the provided TokenResolver.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			log.Info("Auth rejected: missing Authorization header", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			log.Info("Auth rejected: invalid Authorization header; expected Bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header; expected Bearer token"})
			return
		}

		id, err := resolver.Resolve(
			c.Request.Context(),
			token,
			c.GetHeader("X-API-Key"),
			c.GetHeader("X-User-ID"),
		)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextKeyUserID, id.UserID)
		c.Set(ContextKeyUserName, id.Name)
		c.Next()
	}
}
