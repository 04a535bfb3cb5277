package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/EnrollBack/internal/gateway"
	"github.com/saeid-a/EnrollBack/internal/services"
)

const (
	webhookAck  = "OK"
	webhookFail = "FAIL"
)

type notificationService interface {
	HandleNotification(ctx context.Context, notification gateway.Notification) (services.NotificationOutcome, error)
}

// KISPGWebhookHandler answers the gateway in plain text. FAIL asks the gateway
// to redeliver, so it is only returned when a retry could succeed or when the
// request is not trusted.
type KISPGWebhookHandler struct {
	service    notificationService
	allowedIPs map[string]struct{}
	logger     *slog.Logger
}

func NewKISPGWebhookHandler(service *services.ReconciliationService, allowedIPs []string, logger *slog.Logger) *KISPGWebhookHandler {
	return newKISPGWebhookHandler(service, allowedIPs, logger)
}

func newKISPGWebhookHandler(service notificationService, allowedIPs []string, logger *slog.Logger) *KISPGWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(allowedIPs))
	for _, ip := range allowedIPs {
		if ip = strings.TrimSpace(ip); ip != "" {
			allowed[ip] = struct{}{}
		}
	}
	return &KISPGWebhookHandler{
		service:    service,
		allowedIPs: allowed,
		logger:     logger.With("component", "kispg_webhook"),
	}
}

func (h *KISPGWebhookHandler) PaymentNotification(c *fiber.Ctx) (err error) {
	clientIP := c.IP()
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("notification handler panicked", "ip", clientIP, "panic", r)
			err = c.SendString(webhookFail)
		}
	}()
	if len(h.allowedIPs) > 0 {
		if _, ok := h.allowedIPs[clientIP]; !ok {
			h.logger.Warn("notification from unlisted address rejected", "ip", clientIP)
			return c.Status(fiber.StatusForbidden).SendString(webhookFail)
		}
	}

	var notification gateway.Notification
	if err := c.BodyParser(&notification); err != nil {
		h.logger.Warn("notification body unreadable", "ip", clientIP, "error", err)
		return c.SendString(webhookFail)
	}

	outcome, err := h.service.HandleNotification(c.Context(), notification)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSignatureMismatch), errors.Is(err, services.ErrInvalidInput):
			h.logger.Warn("notification rejected", "ip", clientIP, "tid", notification.TID, "error", err)
		case errors.Is(err, services.ErrPaymentConflict), errors.Is(err, services.ErrNotFound):
			h.logger.Error("notification could not be matched", "ip", clientIP, "tid", notification.TID, "moid", notification.Moid, "error", err)
		default:
			h.logger.Error("notification processing failed", "ip", clientIP, "tid", notification.TID, "error", err)
		}
		return c.SendString(webhookFail)
	}

	h.logger.Info("notification processed", "tid", notification.TID, "moid", notification.Moid, "outcome", string(outcome))
	return c.SendString(webhookAck)
}
