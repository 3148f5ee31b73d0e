package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/threadline/internal/middleware"
	"github.com/noah-isme/threadline/internal/service"
	"github.com/noah-isme/threadline/internal/utils"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func parseUintParamValue(c *fiber.Ctx, key string) (uint, error) {
	value := strings.TrimSpace(c.Params(key))
	if value == "" {
		return 0, fmt.Errorf("%s required", key)
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return uint(parsed), nil
}

func withRequestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

func badRequest(c *fiber.Ctx, message string) error {
	return utils.Fail(c, fiber.StatusBadRequest, message, fiber.Map{"code": "validation"})
}

// statusFor maps service error categories onto HTTP status codes.
func statusFor(err error) int {
	switch service.ErrorCode(err) {
	case "not_found":
		return fiber.StatusNotFound
	case "forbidden":
		return fiber.StatusForbidden
	case "invalid_state":
		return fiber.StatusConflict
	case "validation":
		return fiber.StatusBadRequest
	case "unavailable", "encryption_unavailable":
		return fiber.StatusServiceUnavailable
	default:
		if isValidationError(err) {
			return fiber.StatusBadRequest
		}
		return fiber.StatusInternalServerError
	}
}

func writeServiceError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	status := statusFor(err)
	code := service.ErrorCode(err)
	if status == fiber.StatusBadRequest {
		code = "validation"
	}
	if status >= fiber.StatusInternalServerError {
		requestLogger(logger, c).Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return utils.Fail(c, status, service.ErrorReason(err), fiber.Map{"code": code})
}
