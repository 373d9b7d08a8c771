package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/llm-adapter/services/providers"
	"github.com/upb/llm-adapter/utils"
	"go.uber.org/zap"
)

// statusForKind maps a normalized error kind to the HTTP status returned to
// callers of this service
func statusForKind(kind providers.ErrorKind) int {
	switch kind {
	case providers.ErrorKindRateLimit:
		return http.StatusTooManyRequests
	case providers.ErrorKindInvalidRequest:
		return http.StatusBadRequest
	case providers.ErrorKindAuthentication:
		return http.StatusUnauthorized
	case providers.ErrorKindUnsupported:
		return http.StatusNotImplemented
	case providers.ErrorKindConfiguration:
		return http.StatusServiceUnavailable
	case providers.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case providers.ErrorKindServerError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody builds the response body for err and the status it is sent with
func ErrorBody(err error) (int, utils.ErrorResponse) {
	if errors.Is(err, providers.ErrProviderNotFound) {
		return http.StatusBadRequest, utils.ErrorResponse{
			Error:   utils.ErrorType(http.StatusBadRequest),
			Message: err.Error(),
		}
	}

	var nerr *providers.NormalizedError
	if !errors.As(err, &nerr) {
		return http.StatusInternalServerError, utils.ErrorResponse{
			Error:   utils.ErrorType(http.StatusInternalServerError),
			Message: "An unexpected error occurred",
		}
	}

	status := statusForKind(nerr.Kind)
	body := utils.ErrorResponse{
		Error:    utils.ErrorType(status),
		Message:  nerr.Error(),
		Provider: nerr.Provider.String(),
	}

	if fields := utils.GetValidationFields(nerr.Cause); len(fields) > 0 {
		body.Message = "Validation failed"
		body.Details = make(map[string]interface{}, len(fields))
		for k, v := range fields {
			body.Details[k] = v
		}
	} else if nerr.StatusCode != 0 && nerr.Provider != "" {
		body.Details = map[string]interface{}{"upstream_status": nerr.StatusCode}
	}
	return status, body
}

// HandleServiceError maps adapter errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	status, body := ErrorBody(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}

	if werr := utils.WriteJSON(w, status, body); werr != nil {
		logger.Error("failed to write error response", zap.Error(werr))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
