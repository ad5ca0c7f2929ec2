package handlers

import (
	"errors"
	"io"
	"net/http"

	"parentpilot-billing/pkg/billing"
	"parentpilot-billing/pkg/utils"

	"github.com/sirupsen/logrus"
)

// maxWebhookBody 与 Stripe 官方示例一致
const maxWebhookBody = int64(65536)

// WebhookHandler 处理支付方 webhook 回调
type WebhookHandler struct {
	processor *billing.WebhookProcessor
	log       *logrus.Entry
}

// NewWebhookHandler 创建新的webhook处理器
func NewWebhookHandler(processor *billing.WebhookProcessor, log *logrus.Entry) *WebhookHandler {
	return &WebhookHandler{processor: processor, log: log}
}

// HandleStripeWebhook POST /api/webhooks/stripe
// The raw body is passed through untouched so the signature can be verified.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.WriteErrorResponseWithCode(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Webhook payload too large", "")
			return
		}
		utils.WriteBadRequestResponse(w, "Failed to read request body")
		return
	}

	result, err := h.processor.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		status := statusForError(err)
		if status >= 500 {
			h.log.WithError(err).Error("❌ Webhook processing failed, provider will retry")
		}
		// 签名失败统一返回 400，避免暴露校验细节
		if errors.Is(err, billing.ErrInvalidSignature) {
			status = http.StatusBadRequest
		}
		var be *billing.Error
		if errors.As(err, &be) {
			utils.WriteErrorResponseWithCode(w, status, be.Code, be.Message, "")
			return
		}
		utils.WriteErrorResponseWithCode(w, status, "INTERNAL_SERVER_ERROR", "Webhook processing failed", "")
		return
	}

	utils.WriteSuccessResponse(w, map[string]interface{}{
		"received": true,
		"outcome":  result.Outcome,
		"eventId":  result.EventID,
	})
}
