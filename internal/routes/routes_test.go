package routes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/EnrollBack/internal/config"
	"github.com/saeid-a/EnrollBack/internal/services"
	capacityws "github.com/saeid-a/EnrollBack/internal/websocket"
	"github.com/saeid-a/EnrollBack/pkg/utils"
)

const testSecret = "routes-secret"

func newTestApp(t *testing.T, healthCheck func(context.Context) error) *fiber.App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := services.NewCapacityLedger(logger)
	app := fiber.New()
	err := RegisterRoutes(app, &config.Config{JWTSecret: testSecret}, Dependencies{
		Reconciliation: services.NewReconciliationService(nil, ledger, nil, services.ReconciliationConfig{}, logger),
		Capacity:       services.NewCapacityService(nil, ledger, logger),
		Hub:            capacityws.NewHub(logger),
		Logger:         logger,
		HealthCheck:    healthCheck,
	})
	if err != nil {
		t.Fatalf("RegisterRoutes: %v", err)
	}
	return app
}

func TestRegisterRoutesRequiresServices(t *testing.T) {
	if err := RegisterRoutes(fiber.New(), &config.Config{}, Dependencies{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestHealthReportsOK(t *testing.T) {
	app := newTestApp(t, func(context.Context) error { return nil })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealthReportsUnavailableDatabase(t *testing.T) {
	app := newTestApp(t, func(context.Context) error { return errors.New("postgres: connection refused") })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestEnrollmentRoutesRequireToken(t *testing.T) {
	app := newTestApp(t, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/enrollments/1", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAdminRoutesRejectUserRole(t *testing.T) {
	app := newTestApp(t, nil)
	token, err := utils.GenerateToken("5", "user", testSecret)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/lockers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestUserRoutesRejectAdminRole(t *testing.T) {
	app := newTestApp(t, nil)
	token, err := utils.GenerateToken("900", "admin", testSecret)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/enrollments", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}
