package billing

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies billing failures so transport layers can pick a status code.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindNotFound
	KindConflict
	KindProvider
	KindPersistence
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication_failure"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindProvider:
		return "provider_error"
	case KindPersistence:
		return "persistence_error"
	case KindValidation:
		return "validation_error"
	}
	return "unknown"
}

// HTTPStatus maps a kind onto the response status used by the handlers.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	}
	// provider 与 persistence 失败都返回 500，由 code 区分
	return http.StatusInternalServerError
}

// Error is the error type returned by every billing service.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by code so wrapped copies still compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// with returns a copy of a sentinel carrying a cause.
func (e *Error) with(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// withMessage returns a copy of a sentinel with a more specific message.
func (e *Error) withMessage(format string, args ...interface{}) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

var (
	ErrUserUnauthenticated         = &Error{Kind: KindAuthentication, Code: "USER_UNAUTHENTICATED", Message: "user is not authenticated"}
	ErrUnauthorized                = &Error{Kind: KindAuthentication, Code: "UNAUTHORIZED", Message: "subscription does not belong to the caller"}
	ErrInvalidSignature            = &Error{Kind: KindAuthentication, Code: "INVALID_SIGNATURE", Message: "webhook signature verification failed"}
	ErrPlanNotFound                = &Error{Kind: KindNotFound, Code: "PLAN_NOT_FOUND", Message: "plan not found"}
	ErrSubscriptionNotFound        = &Error{Kind: KindNotFound, Code: "SUBSCRIPTION_NOT_FOUND", Message: "subscription not found"}
	ErrPlanNotPayable              = &Error{Kind: KindValidation, Code: "PLAN_NOT_PAYABLE", Message: "plan has no payment price configured"}
	ErrInvalidPayload              = &Error{Kind: KindValidation, Code: "INVALID_PAYLOAD", Message: "webhook payload could not be parsed"}
	ErrUnmatchedEvent              = &Error{Kind: KindValidation, Code: "UNMATCHED_EVENT", Message: "webhook event matches no subscription record"}
	ErrInvalidRequest              = &Error{Kind: KindValidation, Code: "VALIDATION_ERROR", Message: "invalid request"}
	ErrDuplicateActiveSubscription = &Error{Kind: KindConflict, Code: "DUPLICATE_ACTIVE_SUBSCRIPTION", Message: "user already has an active subscription for this plan"}
	ErrProviderUnavailable         = &Error{Kind: KindProvider, Code: "PROVIDER_UNAVAILABLE", Message: "payment provider request failed"}
	ErrPersistence                 = &Error{Kind: KindPersistence, Code: "PERSISTENCE_ERROR", Message: "failed to persist billing state"}
)

// KindOf extracts the kind of any error; non-billing errors are KindUnknown.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

func persistenceError(op string, err error) error {
	return ErrPersistence.withMessage("failed to %s", op).with(err)
}

func invalidRequest(format string, args ...interface{}) error {
	return ErrInvalidRequest.withMessage(format, args...)
}
