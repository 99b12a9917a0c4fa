package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	branchdomain "github.com/nexfon/cbg/internal/branch/domain"
	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	destinationdomain "github.com/nexfon/cbg/internal/destination/domain"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	"github.com/nexfon/cbg/internal/mis"
	operatordomain "github.com/nexfon/cbg/internal/operator/domain"
	packagedomain "github.com/nexfon/cbg/internal/packageplan/domain"
	paymentdomain "github.com/nexfon/cbg/internal/payment/domain"
	profitdomain "github.com/nexfon/cbg/internal/profit/domain"
	"github.com/nexfon/cbg/internal/ratingengine"
	runtimeconfigdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: err.Error()}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}
	case errors.Is(err, invoicedomain.ErrInsufficientCredit):
		return http.StatusPaymentRequired, errorPayload{Type: "insufficient_credit", Message: err.Error()}
	case errors.Is(err, ratingengine.ErrUnavailable),
		errors.Is(err, mis.ErrUnavailable):
		return http.StatusBadGateway, errorPayload{Type: "upstream_unavailable", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, subscriptiondomain.ErrInvalidType),
		errors.Is(err, subscriptiondomain.ErrInvalidCause),
		errors.Is(err, customerdomain.ErrInvalidCode),
		errors.Is(err, destinationdomain.ErrInvalidPrefix),
		errors.Is(err, destinationdomain.ErrInvalidCode),
		errors.Is(err, operatordomain.ErrInvalidOperator),
		errors.Is(err, packagedomain.ErrInvalidPackage),
		errors.Is(err, packagedomain.ErrInvalidDue),
		errors.Is(err, packagedomain.ErrInvalidDiscount),
		errors.Is(err, packagedomain.ErrNotAvailable),
		errors.Is(err, invoicedomain.ErrInvalidOperation),
		errors.Is(err, invoicedomain.ErrInvalidAmount),
		errors.Is(err, runtimeconfigdomain.ErrUnknownKey),
		errors.Is(err, runtimeconfigdomain.ErrInvalidValue):
		return true
	}
	return false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, subscriptiondomain.ErrNotFound),
		errors.Is(err, customerdomain.ErrNotFound),
		errors.Is(err, destinationdomain.ErrNotFound),
		errors.Is(err, branchdomain.ErrNotFound),
		errors.Is(err, operatordomain.ErrNotFound),
		errors.Is(err, packagedomain.ErrNotFound),
		errors.Is(err, invoicedomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrCreditInvoiceGone),
		errors.Is(err, profitdomain.ErrNotFound),
		errors.Is(err, runtimeconfigdomain.ErrNotFound):
		return true
	}
	return false
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, subscriptiondomain.ErrDuplicateCode),
		errors.Is(err, subscriptiondomain.ErrInterimInFlight),
		errors.Is(err, subscriptiondomain.ErrProtected),
		errors.Is(err, subscriptiondomain.ErrBranchConflict),
		errors.Is(err, subscriptiondomain.ErrDeallocated),
		errors.Is(err, customerdomain.ErrDuplicateCode),
		errors.Is(err, customerdomain.ErrProtected),
		errors.Is(err, destinationdomain.ErrDuplicatePrefix),
		errors.Is(err, destinationdomain.ErrInUse),
		errors.Is(err, operatordomain.ErrDuplicateCode),
		errors.Is(err, packagedomain.ErrDuplicateCode),
		errors.Is(err, invoicedomain.ErrDuplicateWindow),
		errors.Is(err, invoicedomain.ErrInterimInFlight),
		errors.Is(err, invoicedomain.ErrSubscriptionGone),
		errors.Is(err, invoicedomain.ErrNotDeletable),
		errors.Is(err, invoicedomain.ErrInvalidTransition),
		errors.Is(err, paymentdomain.ErrAlreadyResolved),
		errors.Is(err, paymentdomain.ErrNotPayable),
		errors.Is(err, profitdomain.ErrInvalidTransition),
		errors.Is(err, profitdomain.ErrWindowExists):
		return true
	}
	return false
}
