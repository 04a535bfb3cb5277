package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/EnrollBack/internal/models"
	"github.com/saeid-a/EnrollBack/internal/services"
)

type AdminHandler struct {
	service  adminEnrollmentService
	capacity adminCapacityService
}

type adminEnrollmentService interface {
	GetEnrollment(ctx context.Context, actorID int64, role string, enrollmentID int64) (*models.EnrollmentDetail, error)
	PreviewRefund(ctx context.Context, enrollmentID int64, manualUsedDays *int) (*services.RefundPreview, error)
	ApproveCancellation(ctx context.Context, actor services.Actor, enrollmentID int64, input services.CancellationInput) (*services.CancellationResult, error)
	AdminCancel(ctx context.Context, actor services.Actor, enrollmentID int64, input services.CancellationInput) (*services.CancellationResult, error)
	DenyCancellation(ctx context.Context, actor services.Actor, enrollmentID int64, comment string) (*models.EnrollmentDetail, error)
	ChangeLesson(ctx context.Context, actor services.Actor, enrollmentID int64, newLessonID int64) (*models.EnrollmentDetail, error)
	UpdateLockerNo(ctx context.Context, actor services.Actor, enrollmentID int64, lockerNo *string) (*models.EnrollmentDetail, error)
	UpdateDiscountStatus(ctx context.Context, actor services.Actor, enrollmentID int64, status string, comment string) (*models.EnrollmentDetail, error)
	QueryTransaction(ctx context.Context, tid, moid string, amount int64) (map[string]any, error)
}

type adminCapacityService interface {
	ListLockers(ctx context.Context) ([]models.LockerInventory, error)
	UpdateLockerTotal(ctx context.Context, actor services.Actor, gender string, total int) (*models.LockerInventory, error)
	SyncLockerUsage(ctx context.Context) ([]models.LockerInventory, error)
}

func NewAdminHandler(service *services.ReconciliationService, capacity *services.CapacityService) *AdminHandler {
	return &AdminHandler{service: service, capacity: capacity}
}

type cancellationRequest struct {
	ManualUsedDays *int   `json:"manual_used_days"`
	RefundAmount   *int64 `json:"refund_amount"`
	Comment        string `json:"comment"`
}

type commentRequest struct {
	Comment string `json:"comment"`
}

type changeLessonRequest struct {
	LessonID int64 `json:"lesson_id"`
}

type lockerNoRequest struct {
	LockerNo *string `json:"locker_no"`
}

type discountStatusRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
}

type lockerTotalRequest struct {
	TotalQuantity *int `json:"total_quantity"`
}

func (h *AdminHandler) GetEnrollment(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	enrollmentID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid enrollment id"})
	}

	detail, err := h.service.GetEnrollment(c.Context(), actor.ID, "admin", enrollmentID)
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(fiber.Map{"enrollment": detail})
}

func (h *AdminHandler) PreviewRefund(c *fiber.Ctx) error {
	enrollmentID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid enrollment id"})
	}

	var manualUsedDays *int
	if raw := strings.TrimSpace(c.Query("manual_used_days")); raw != "" {
		days, err := parseNonNegativeInt(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "manual_used_days must be a non-negative integer"})
		}
		manualUsedDays = &days
	}

	preview, err := h.service.PreviewRefund(c.Context(), enrollmentID, manualUsedDays)
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(fiber.Map{"refund": preview})
}

func (h *AdminHandler) ApproveCancellation(c *fiber.Ctx) error {
	return h.cancel(c, h.service.ApproveCancellation)
}

func (h *AdminHandler) AdminCancel(c *fiber.Ctx) error {
	return h.cancel(c, h.service.AdminCancel)
}

func (h *AdminHandler) cancel(
	c *fiber.Ctx,
	run func(ctx context.Context, actor services.Actor, enrollmentID int64, input services.CancellationInput) (*services.CancellationResult, error),
) error {
	actor, err := currentActor(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	enrollmentID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid enrollment id"})
	}

	var req cancellationRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}
	if req.ManualUsedDays != nil && *req.ManualUsedDays < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "manual_used_days must not be negative"})
	}
	if req.RefundAmount != nil && *req.RefundAmount < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "refund_amount must not be negative"})
	}

	result, err := run(c.Context(), actor, enrollmentID, services.CancellationInput{
		ManualUsedDays: req.ManualUsedDays,
		RefundAmount:   req.RefundAmount,
		Comment:        strings.TrimSpace(req.Comment),
	})
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(result)
}

func (h *AdminHandler) DenyCancellation(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	enrollmentID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid enrollment id"})
	}

	var req commentRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
		}
	}

	detail, err := h.service.DenyCancellation(c.Context(), actor, enrollmentID, strings.TrimSpace(req.Comment))
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(fiber.Map{"enrollment": detail})
}

func (h *AdminHandler) ChangeLesson(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	enrollmentID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid enrollment id"})
	}

	var req changeLessonRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.LessonID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "lesson_id is required"})
	}

	detail, err := h.service.ChangeLesson(c.Context(), actor, enrollmentID, req.LessonID)
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(fiber.Map{"enrollment": detail})
}

func (h *AdminHandler) UpdateLockerNo(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	enrollmentID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid enrollment id"})
	}

	var req lockerNoRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	detail, err := h.service.UpdateLockerNo(c.Context(), actor, enrollmentID, trimmedOrNil(req.LockerNo))
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(fiber.Map{"enrollment": detail})
}

func (h *AdminHandler) UpdateDiscountStatus(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	enrollmentID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid enrollment id"})
	}

	var req discountStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	detail, err := h.service.UpdateDiscountStatus(c.Context(), actor, enrollmentID, strings.ToUpper(strings.TrimSpace(req.Status)), strings.TrimSpace(req.Comment))
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(fiber.Map{"enrollment": detail})
}

func (h *AdminHandler) ListLockers(c *fiber.Ctx) error {
	lockers, err := h.capacity.ListLockers(c.Context())
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(fiber.Map{"lockers": lockers})
}

func (h *AdminHandler) UpdateLockerTotal(c *fiber.Ctx) error {
	actor, err := currentActor(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req lockerTotalRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.TotalQuantity == nil || *req.TotalQuantity < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "total_quantity must be a non-negative integer"})
	}

	locker, err := h.capacity.UpdateLockerTotal(c.Context(), actor, strings.ToUpper(c.Params("gender")), *req.TotalQuantity)
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(fiber.Map{"locker": locker})
}

func (h *AdminHandler) SyncLockerUsage(c *fiber.Ctx) error {
	lockers, err := h.capacity.SyncLockerUsage(c.Context())
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(fiber.Map{"lockers": lockers})
}

func (h *AdminHandler) QueryTransaction(c *fiber.Ctx) error {
	tid := strings.TrimSpace(c.Query("tid"))
	moid := strings.TrimSpace(c.Query("moid"))
	if tid == "" || moid == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "tid and moid are required"})
	}
	amount, err := strconv.ParseInt(c.Query("amt"), 10, 64)
	if err != nil || amount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amt must be a positive integer"})
	}

	record, err := h.service.QueryTransaction(c.Context(), tid, moid, amount)
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(fiber.Map{"transaction": record})
}
