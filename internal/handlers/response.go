// Package handlers provides HTTP handlers for API endpoints
package handlers

import (
	"errors"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"presence-verifier/internal/services"
)

// Success writes a 200 envelope
func Success(c *fiber.Ctx, message string, data interface{}) error {
	return SuccessWithCode(c, fiber.StatusOK, message, data)
}

// SuccessWithCode writes a success envelope with a custom status
func SuccessWithCode(c *fiber.Ctx, code int, message string, data interface{}) error {
	return c.Status(code).JSON(fiber.Map{
		"code":    code,
		"status":  "success",
		"message": message,
		"data":    data,
	})
}

// Error writes an error envelope carrying the stable error code
func Error(c *fiber.Ctx, code int, errorCode, message string) error {
	return c.Status(code).JSON(fiber.Map{
		"code":       code,
		"status":     "error",
		"error_code": errorCode,
		"message":    message,
	})
}

// ValidationError reports field-level validator failures
func ValidationError(c *fiber.Ctx, err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return Error(c, fiber.StatusBadRequest, services.CodeValidation, "invalid input")
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fe.Tag()
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"code":       fiber.StatusBadRequest,
		"status":     "error",
		"error_code": services.CodeValidation,
		"message":    "validation failed",
		"errors":     fields,
	})
}

// ServiceError maps a classified engine error to its HTTP status
func ServiceError(c *fiber.Ctx, err error) error {
	var svcErr *services.Error
	if !errors.As(err, &svcErr) {
		log.Printf("❌ [api] %s %s: %v", c.Method(), c.Path(), err)
		return Error(c, fiber.StatusInternalServerError, services.CodeUnavailable, "internal error")
	}

	status := fiber.StatusInternalServerError
	switch svcErr.Kind {
	case services.KindValidation:
		status = fiber.StatusBadRequest
	case services.KindNotFound:
		status = fiber.StatusNotFound
	case services.KindBusinessRule:
		status = fiber.StatusConflict
		if svcErr.Code == services.CodeForbidden {
			status = fiber.StatusForbidden
		}
	case services.KindTransient:
		status = fiber.StatusServiceUnavailable
		log.Printf("⚠️ [api] %s %s: %v", c.Method(), c.Path(), err)
	}
	return Error(c, status, svcErr.Code, svcErr.Message)
}
