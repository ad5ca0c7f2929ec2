package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"parentpilot-billing/pkg/billing"
	"parentpilot-billing/pkg/middleware"
	"parentpilot-billing/pkg/models"
	"parentpilot-billing/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// CheckoutRequest 创建结账会话请求
type CheckoutRequest struct {
	PlanID string `json:"planId" validate:"required,max=64"`
}

// CancelRequest 取消订阅请求
type CancelRequest struct {
	SubscriptionID    string `json:"subscriptionId" validate:"required,max=255"`
	CancelAtPeriodEnd *bool  `json:"cancelAtPeriodEnd" validate:"required"`
}

// TokenUsageRequest 记录 token 用量请求
type TokenUsageRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// BillingHandler 处理结账、取消与额度相关的请求
type BillingHandler struct {
	checkout     *billing.CheckoutService
	cancellation *billing.CancellationService
	entitlements *billing.EntitlementService
	validate     *validator.Validate
	log          *logrus.Entry
}

// NewBillingHandler 创建计费处理器
func NewBillingHandler(checkout *billing.CheckoutService, cancellation *billing.CancellationService, entitlements *billing.EntitlementService, log *logrus.Entry) *BillingHandler {
	return &BillingHandler{
		checkout:     checkout,
		cancellation: cancellation,
		entitlements: entitlements,
		validate:     newValidator(),
		log:          log,
	}
}

// CreateCheckout POST /api/billing/checkout
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		writeBillingError(w, err)
		return
	}

	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.checkout.CreateCheckout(r.Context(), user, req.PlanID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, result)
}

// Cancel POST /api/billing/cancel
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r.Context())
	if !ok || user == nil {
		writeBillingError(w, billing.ErrUnauthorized)
		return
	}

	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.cancellation.Cancel(r.Context(), user, req.SubscriptionID, *req.CancelAtPeriodEnd)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, result)
}

// GetEntitlement GET /api/billing/entitlement
func (h *BillingHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		writeBillingError(w, err)
		return
	}

	ent, err := h.entitlements.GetEntitlement(r.Context(), user.ID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, ent)
}

// RecordTokenUsage POST /api/billing/usage/tokens
func (h *BillingHandler) RecordTokenUsage(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		writeBillingError(w, err)
		return
	}

	var req TokenUsageRequest
	if !h.decode(w, r, &req) {
		return
	}

	allowed, err := h.entitlements.Allow(r.Context(), user.ID, models.ResourceTokens, req.Amount)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	if !allowed {
		utils.WritePaymentRequiredResponse(w, "Quota exhausted for tokens")
		return
	}
	h.writeRemaining(w, r, user.ID)
}

// UsageAccepted 配额中间件放行后返回最新剩余额度
func (h *BillingHandler) UsageAccepted(w http.ResponseWriter, r *http.Request) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		writeBillingError(w, err)
		return
	}
	h.writeRemaining(w, r, user.ID)
}

func (h *BillingHandler) writeRemaining(w http.ResponseWriter, r *http.Request, userID string) {
	ent, err := h.entitlements.GetEntitlement(r.Context(), userID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]interface{}{
		"allowed":           true,
		"tokensRemaining":   ent.TokensRemaining,
		"messagesRemaining": ent.MessagesRemaining,
	})
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode parses and validates a JSON body, writing the 400 response itself on failure.
func (h *BillingHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := utils.ParseJSONBody(r, v); err != nil {
		utils.WriteValidationErrorResponse(w, "Invalid JSON body", err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		utils.WriteValidationErrorResponse(w, "Invalid request", describeValidation(err))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// statusForError maps a billing error onto its HTTP status.
func statusForError(err error) int {
	return billing.KindOf(err).HTTPStatus()
}

func writeBillingError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	code := "INTERNAL_SERVER_ERROR"
	message := "Internal server error"

	var be *billing.Error
	if errors.As(err, &be) {
		code = be.Code
		message = be.Message
		// 供应方错误带上其原始信息，持久化错误不暴露细节
		if be.Kind == billing.KindProvider && be.Err != nil {
			utils.WriteErrorResponseWithCode(w, status, code, message, be.Err.Error())
			return
		}
	}
	utils.WriteErrorResponseWithCode(w, status, code, message, "")
}
