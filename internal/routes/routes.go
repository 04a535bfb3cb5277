package routes

import (
	"context"
	"errors"
	"log/slog"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/EnrollBack/internal/config"
	"github.com/saeid-a/EnrollBack/internal/handlers"
	"github.com/saeid-a/EnrollBack/internal/middleware"
	"github.com/saeid-a/EnrollBack/internal/services"
	capacityws "github.com/saeid-a/EnrollBack/internal/websocket"
)

type Dependencies struct {
	Reconciliation *services.ReconciliationService
	Capacity       *services.CapacityService
	Hub            *capacityws.Hub
	Logger         *slog.Logger
	HealthCheck    func(ctx context.Context) error
}

func RegisterRoutes(app *fiber.App, cfg *config.Config, deps Dependencies) error {
	if deps.Reconciliation == nil || deps.Capacity == nil || deps.Hub == nil {
		return errors.New("routes: reconciliation, capacity and hub are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enrollmentHandler := handlers.NewEnrollmentHandler(deps.Reconciliation)
	webhookHandler := handlers.NewKISPGWebhookHandler(deps.Reconciliation, cfg.KISPGAllowedIPs, logger)
	adminHandler := handlers.NewAdminHandler(deps.Reconciliation, deps.Capacity)
	capacityHandler := handlers.NewCapacityHandler(deps.Capacity, deps.Hub, cfg.JWTSecret, logger)

	app.Get("/health", func(c *fiber.Ctx) error {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status": "unavailable",
				})
			}
		}
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})

	api := app.Group("/api")

	// Called by the gateway, authenticated by signature and optional allow-list.
	api.Post("/v1/kispg/payment-notification", webhookHandler.PaymentNotification)

	api.Use("/v1/ws/capacity", capacityHandler.WebSocketAuth)
	api.Get("/v1/ws/capacity", websocket.New(capacityHandler.HandleWebSocket))

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	enrollments := authProtected.Group("/enrollments", middleware.RequireRole("user"))
	enrollments.Post("", enrollmentHandler.Enroll)
	enrollments.Get("/:id", enrollmentHandler.GetEnrollment)
	enrollments.Post("/:id/payment-init", enrollmentHandler.InitiatePayment)
	enrollments.Post("/:id/cancel-request", enrollmentHandler.RequestCancellation)

	payments := authProtected.Group("/payments", middleware.RequireRole("user"))
	payments.Post("/draft-init", enrollmentHandler.InitiateDraftPayment)
	payments.Post("/confirm", enrollmentHandler.ConfirmPayment)

	authProtected.Get("/lessons/:id/capacity", capacityHandler.LessonCapacity)
	authProtected.Get("/lockers/:gender", capacityHandler.LockerAvailability)

	admin := authProtected.Group("/admin", middleware.RequireRole("admin"))

	adminEnrollments := admin.Group("/enrollments")
	adminEnrollments.Get("/:id", adminHandler.GetEnrollment)
	adminEnrollments.Get("/:id/refund-preview", adminHandler.PreviewRefund)
	adminEnrollments.Post("/:id/approve-cancel", adminHandler.ApproveCancellation)
	adminEnrollments.Post("/:id/deny-cancel", adminHandler.DenyCancellation)
	adminEnrollments.Post("/:id/cancel", adminHandler.AdminCancel)
	adminEnrollments.Put("/:id/lesson", adminHandler.ChangeLesson)
	adminEnrollments.Put("/:id/locker-no", adminHandler.UpdateLockerNo)
	adminEnrollments.Put("/:id/discount-status", adminHandler.UpdateDiscountStatus)

	adminLockers := admin.Group("/lockers")
	adminLockers.Get("", adminHandler.ListLockers)
	adminLockers.Post("/sync", adminHandler.SyncLockerUsage)
	adminLockers.Put("/:gender", adminHandler.UpdateLockerTotal)

	admin.Get("/kispg/transactions", adminHandler.QueryTransaction)

	return nil
}
