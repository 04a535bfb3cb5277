package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/EnrollBack/internal/gateway"
	"github.com/saeid-a/EnrollBack/internal/models"
	"github.com/saeid-a/EnrollBack/internal/services"
)

type EnrollmentHandler struct {
	service enrollmentApplicationService
}

type enrollmentApplicationService interface {
	Enroll(ctx context.Context, userID int64, input services.EnrollInput) (*models.EnrollmentDetail, error)
	GetEnrollment(ctx context.Context, actorID int64, role string, enrollmentID int64) (*models.EnrollmentDetail, error)
	InitiatePayment(ctx context.Context, userID int64, enrollmentID int64) (*gateway.InitParams, error)
	InitiateDraftPayment(ctx context.Context, userID int64, input services.EnrollInput) (*gateway.InitParams, error)
	RequestCancellation(ctx context.Context, userID int64, enrollmentID int64, reason string) (*models.EnrollmentDetail, error)
	ConfirmPayment(ctx context.Context, userID int64, notification gateway.Notification) (*models.EnrollmentDetail, services.NotificationOutcome, error)
}

func NewEnrollmentHandler(service *services.ReconciliationService) *EnrollmentHandler {
	return &EnrollmentHandler{service: service}
}

type enrollRequest struct {
	LessonID   int64 `json:"lesson_id"`
	UsesLocker bool  `json:"uses_locker"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *EnrollmentHandler) Enroll(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req enrollRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.LessonID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "lesson_id is required"})
	}

	detail, err := h.service.Enroll(c.Context(), userID, services.EnrollInput{
		LessonID:   req.LessonID,
		UsesLocker: req.UsesLocker,
	})
	if err != nil {
		return mapDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"enrollment": detail})
}

func (h *EnrollmentHandler) GetEnrollment(c *fiber.Ctx) error {
	role, _ := c.Locals("role").(string)
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	enrollmentID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid enrollment id"})
	}

	detail, err := h.service.GetEnrollment(c.Context(), userID, role, enrollmentID)
	if err != nil {
		return mapDomainError(c, err)
	}

	return c.JSON(fiber.Map{"enrollment": detail})
}

func (h *EnrollmentHandler) InitiatePayment(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	enrollmentID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid enrollment id"})
	}

	params, err := h.service.InitiatePayment(c.Context(), userID, enrollmentID)
	if err != nil {
		return mapDomainError(c, err)
	}

	return c.JSON(fiber.Map{"payment": params})
}

// InitiateDraftPayment starts a payment for a lesson before any enrollment
// exists. The enrollment is created when the capture is reported.
func (h *EnrollmentHandler) InitiateDraftPayment(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req enrollRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.LessonID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "lesson_id is required"})
	}

	params, err := h.service.InitiateDraftPayment(c.Context(), userID, services.EnrollInput{
		LessonID:   req.LessonID,
		UsesLocker: req.UsesLocker,
	})
	if err != nil {
		return mapDomainError(c, err)
	}

	return c.JSON(fiber.Map{"payment": params})
}

func (h *EnrollmentHandler) RequestCancellation(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	enrollmentID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid enrollment id"})
	}

	var req cancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}

	detail, err := h.service.RequestCancellation(c.Context(), userID, enrollmentID, strings.TrimSpace(req.Reason))
	if err != nil {
		return mapDomainError(c, err)
	}

	return c.JSON(fiber.Map{"enrollment": detail})
}

// ConfirmPayment handles the browser return from the gateway. It applies the
// same signed result the webhook would, so whichever arrives first wins.
func (h *EnrollmentHandler) ConfirmPayment(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var notification gateway.Notification
	if err := c.BodyParser(&notification); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if strings.TrimSpace(notification.TID) == "" || strings.TrimSpace(notification.Moid) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tid and moid are required"})
	}

	detail, outcome, err := h.service.ConfirmPayment(c.Context(), userID, notification)
	if err != nil {
		return mapDomainError(c, err)
	}

	return c.JSON(fiber.Map{"enrollment": detail, "outcome": outcome})
}
