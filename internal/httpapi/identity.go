package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const (
	claimsContextKey   = "auth_claims"
	identityContextKey = "caller_identity"
)

// Identity is the caller's resolved identity for one request. Anonymous
// identities carry no user id and never reach the credit-check leg.
type Identity struct {
	UserID    string
	Roles     []string
	Anonymous bool
}

// HasRole reports whether the identity carries the named role.
func (identity Identity) HasRole(role string) bool {
	for _, candidate := range identity.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

// identityFromSession converts validated session claims into an Identity and
// stores it on the request context. Requests without claims stay anonymous.
func identityFromSession() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if _, alreadySet := ctx.Get(identityContextKey); alreadySet {
			ctx.Next()
			return
		}
		claims := getClaims(ctx)
		if claims == nil {
			ctx.Set(identityContextKey, Identity{Anonymous: true})
			ctx.Next()
			return
		}
		ctx.Set(identityContextKey, Identity{
			UserID: claims.GetUserID(),
			Roles:  claims.GetUserRoles(),
		})
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func getIdentity(ctx *gin.Context) Identity {
	identityValue, ok := ctx.Get(identityContextKey)
	if !ok {
		return Identity{Anonymous: true}
	}
	identity, ok := identityValue.(Identity)
	if !ok {
		return Identity{Anonymous: true}
	}
	return identity
}

// requireUser rejects requests that carry no authenticated user id.
func requireUser() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		identity := getIdentity(ctx)
		if identity.Anonymous || identity.UserID == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		ctx.Next()
	}
}

// adminBearerAuth validates a signed bearer token on administrative routes.
// The token is HMAC-signed with the admin key and must name the admin role.
func adminBearerAuth(signingKey string, adminRole string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
			}
			return []byte(signingKey), nil
		})
		if err != nil || !parsed.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		if !bearerHasRole(claims, adminRole) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
			return
		}
		ctx.Next()
	}
}

func bearerHasRole(claims jwt.MapClaims, role string) bool {
	rolesValue, ok := claims["roles"]
	if !ok {
		return false
	}
	roles, ok := rolesValue.([]any)
	if !ok {
		return false
	}
	for _, candidate := range roles {
		if name, ok := candidate.(string); ok && name == role {
			return true
		}
	}
	return false
}
