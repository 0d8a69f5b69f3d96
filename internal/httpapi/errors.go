package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/marketplace/services/settlement/internal/domain"
	"go.uber.org/zap"
)

// ErrorHandler renders every handler error as {"error","code"}.
func ErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, code := classify(err)
		msg := err.Error()

		var he *echo.HTTPError
		if errors.As(err, &he) {
			if m, ok := he.Message.(string); ok {
				msg = m
			}
		}

		if status >= http.StatusInternalServerError {
			log.Error("Request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", status),
				zap.Error(err),
			)
			if status == http.StatusInternalServerError {
				msg = "internal error"
			}
		}

		_ = c.JSON(status, ErrorResponse{Error: msg, Code: code})
	}
}

func classify(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, strings.ToLower(strings.ReplaceAll(http.StatusText(he.Code), " ", "_"))
	case domain.IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrBuyerSuspended):
		return http.StatusForbidden, "buyer_suspended"
	case errors.Is(err, domain.ErrInsufficientCapacity), errors.Is(err, domain.ErrCapacityExceeded):
		return http.StatusConflict, "insufficient_capacity"
	case errors.Is(err, domain.ErrInsufficientPoints):
		return http.StatusUnprocessableEntity, "insufficient_points"
	case errors.Is(err, domain.ErrInsufficientAvailableBalance):
		return http.StatusUnprocessableEntity, "insufficient_available_balance"
	case errors.Is(err, domain.ErrGatewayRejected):
		return http.StatusPaymentRequired, "gateway_rejected"
	case errors.Is(err, domain.ErrGatewayTimeout):
		return http.StatusGatewayTimeout, "gateway_timeout"
	case errors.Is(err, domain.ErrReconciliationConflict):
		return http.StatusConflict, "reconciliation_conflict"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
