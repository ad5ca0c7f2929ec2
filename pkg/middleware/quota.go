package middleware

import (
	"net/http"

	"parentpilot-billing/pkg/billing"
	"parentpilot-billing/pkg/models"
	"parentpilot-billing/pkg/utils"

	"github.com/sirupsen/logrus"
)

// RequireAllowance consumes amount of resource before the wrapped handler runs.
// It must be mounted behind AuthMiddleware. Exhausted allowances get 402.
func RequireAllowance(entitlements *billing.EntitlementService, resource models.Resource, amount int64, log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := RequireUser(r.Context())
			if err != nil {
				utils.WriteUnauthorizedResponse(w, "Authentication required")
				return
			}

			ok, err := entitlements.Allow(r.Context(), user.ID, resource, amount)
			if err != nil {
				log.WithError(err).WithField("user_id", user.ID).Error("❌ Quota check failed")
				utils.WriteErrorResponseWithCode(w, billing.KindOf(err).HTTPStatus(), "QUOTA_CHECK_FAILED", "Could not check quota", "")
				return
			}
			if !ok {
				utils.WritePaymentRequiredResponse(w, "Quota exhausted for "+string(resource))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
