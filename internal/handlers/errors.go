package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/EnrollBack/internal/gateway"
	"github.com/saeid-a/EnrollBack/internal/services"
)

func mapDomainError(c *fiber.Ctx, err error) error {
	var rejected *gateway.RefundRejectedError
	switch {
	case errors.Is(err, services.ErrInvalidInput), errors.Is(err, services.ErrSignatureMismatch):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrLessonNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Lesson not found"})
	case errors.Is(err, services.ErrEnrollmentNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Enrollment not found"})
	case errors.Is(err, services.ErrPaymentNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Payment not found"})
	case errors.Is(err, services.ErrNotFound), errors.Is(err, pgx.ErrNoRows):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	case errors.Is(err, services.ErrCapacityExceeded):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Lesson is full"})
	case errors.Is(err, services.ErrLockerUnavailable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "No locker available"})
	case errors.Is(err, services.ErrDuplicateEnrollment):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Already enrolled in this lesson"})
	case errors.Is(err, services.ErrPaymentConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Payment conflicts with an existing transaction"})
	case errors.Is(err, services.ErrInvalidStateTransition), errors.Is(err, services.ErrRefundExceedsPaid):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &rejected):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":       err.Error(),
			"result_code": rejected.ResultCode,
			"result_msg":  rejected.ResultMsg,
		})
	case errors.Is(err, services.ErrRefundRejected), errors.Is(err, services.ErrGatewayCommunication):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process request"})
	}
}
