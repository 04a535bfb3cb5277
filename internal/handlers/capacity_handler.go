package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/EnrollBack/internal/middleware"
	"github.com/saeid-a/EnrollBack/internal/models"
	"github.com/saeid-a/EnrollBack/internal/services"
	capacityws "github.com/saeid-a/EnrollBack/internal/websocket"
	"github.com/saeid-a/EnrollBack/pkg/utils"
)

type CapacityHandler struct {
	service   capacityQueryService
	hub       *capacityws.Hub
	jwtSecret string
	logger    *slog.Logger
}

type capacityQueryService interface {
	LessonCapacity(ctx context.Context, lessonID int64) (*models.LessonCapacity, error)
	LockerAvailability(ctx context.Context, gender string) (*models.LockerInventory, error)
}

func NewCapacityHandler(service *services.CapacityService, hub *capacityws.Hub, jwtSecret string, logger *slog.Logger) *CapacityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapacityHandler{service: service, hub: hub, jwtSecret: jwtSecret, logger: logger.With("component", "capacity_ws")}
}

func (h *CapacityHandler) LessonCapacity(c *fiber.Ctx) error {
	lessonID, ok := parseIDParam(c, "id")
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid lesson id"})
	}

	snapshot, err := h.service.LessonCapacity(c.Context(), lessonID)
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(fiber.Map{"capacity": snapshot})
}

func (h *CapacityHandler) LockerAvailability(c *fiber.Ctx) error {
	locker, err := h.service.LockerAvailability(c.Context(), strings.ToUpper(c.Params("gender")))
	if err != nil {
		return mapDomainError(c, err)
	}
	return c.JSON(fiber.Map{
		"locker":    locker,
		"available": locker.Available(),
	})
}

// WebSocketAuth accepts the token as a query parameter because browsers cannot
// set headers on a websocket upgrade.
func (h *CapacityHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	lessonID, err := strconv.ParseInt(c.Query("lesson_id"), 10, 64)
	if err != nil || lessonID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "lesson_id is required"})
	}

	middleware.SetIdentity(c, claims)
	c.Locals("lesson_id", lessonID)
	return c.Next()
}

func (h *CapacityHandler) HandleWebSocket(conn *websocket.Conn) {
	lessonID, _ := conn.Locals("lesson_id").(int64)
	client := capacityws.NewClient(h.hub, conn, lessonID)

	snapshot, err := h.service.LessonCapacity(context.Background(), lessonID)
	if err != nil {
		h.logger.Warn("initial capacity snapshot failed", "lesson_id", lessonID, "error", err)
		_ = conn.Close()
		return
	}
	client.Push(*snapshot)

	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump()
}

func (h *CapacityHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		authHeader := strings.TrimSpace(c.Get("Authorization"))
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}
