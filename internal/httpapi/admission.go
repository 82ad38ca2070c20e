package httpapi

import (
	"context"
	"net/http"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"github.com/gin-gonic/gin"
)

// Gate decides whether a request may proceed.
type Gate interface {
	Admit(ctx context.Context, request credits.Request) credits.Decision
}

// admission guards routes with the admission gate. Denials are terminal: a
// rate-limited caller gets 429, an uncovered charge gets 402 with the shortfall,
// and a failed-closed credit check gets 503.
func admission(gate Gate, adminRole string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		identity := getIdentity(ctx)
		decision := gate.Admit(ctx.Request.Context(), credits.Request{
			UserID:      identity.UserID,
			Anonymous:   identity.Anonymous,
			AdminBypass: identity.HasRole(adminRole),
			Path:        ctx.Request.URL.Path,
		})
		if decision.Allowed {
			ctx.Next()
			return
		}
		switch decision.Reason {
		case credits.ReasonRateLimited:
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
		case credits.ReasonInsufficientCredits:
			payload := errorResponse("insufficient_credits", "not enough credits for this request")
			payload["required"] = decision.Required.Int64()
			payload["available"] = decision.Available.Int64()
			ctx.AbortWithStatusJSON(http.StatusPaymentRequired, payload)
		case credits.ReasonCreditCheckFailure:
			ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse("credit_check_failed", "credit check unavailable"))
		default:
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("denied", "request denied"))
		}
	}
}
