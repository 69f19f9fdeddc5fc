package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Code     int    `json:"code"`
	Category string `json:"category,omitempty"`
}

// statusFor maps an error category onto an HTTP status.
func statusFor(err error) (int, string) {
	var ee *errors.EnhancedError
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError, ""
	}
	category := ee.GetCategory()
	switch errors.ErrorCategory(category) {
	case errors.CategoryValidation:
		return http.StatusBadRequest, category
	case errors.CategoryNotFound:
		return http.StatusNotFound, category
	case errors.CategoryState:
		return http.StatusConflict, category
	case errors.CategorySourceUnavailable:
		return http.StatusServiceUnavailable, category
	case errors.CategoryTimeout:
		return http.StatusGatewayTimeout, category
	default:
		return http.StatusInternalServerError, category
	}
}

// handleError writes err as an ErrorResponse with a status derived from
// its category.
func (s *Server) handleError(c echo.Context, err error, message string) error {
	code, category := statusFor(err)
	return s.respondError(c, err, message, code, category)
}

// badRequest rejects malformed request input.
func (s *Server) badRequest(c echo.Context, err error, message string) error {
	return s.respondError(c, err, message, http.StatusBadRequest, string(errors.CategoryValidation))
}

func (s *Server) notFound(c echo.Context, message string) error {
	return s.respondError(c, nil, message, http.StatusNotFound, string(errors.CategoryNotFound))
}

func (s *Server) respondError(c echo.Context, err error, message string, code int, category string) error {
	resp := ErrorResponse{Message: message, Code: code, Category: category}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Error = message
	}

	fields := []logger.Field{
		logger.String("method", c.Request().Method),
		logger.String("path", c.Path()),
		logger.Int("code", code),
		logger.String("message", message),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("api error", fields...)
	} else {
		s.log.Debug("api request rejected", fields...)
	}

	if s.metrics != nil {
		if category == "" {
			category = string(errors.CategoryGeneric)
		}
		s.metrics.HTTP.RecordHTTPRequestError(c.Request().Method, c.Path(), category)
	}
	return c.JSON(code, resp)
}
