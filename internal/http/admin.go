package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/hkhosravi/notification-gateway/internal/repository"
)

// retryFailedHandler resets every terminally failed outbox row back to
// pending so the relay retries it from scratch.
func retryFailedHandler(outboxRepo repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := outboxRepo.ResetFailed(c.Request().Context())
		if err != nil {
			log.Errorf("outbox retry-failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "reset failed"})
		}

		log.Infof("operator reset %d failed outbox events", n)

		return c.JSON(http.StatusOK, map[string]any{"reset": n})
	}
}

// cleanupBatchesHandler purges terminal batches older than the
// retention window. ?days= overrides the configured default.
func cleanupBatchesHandler(batchesRepo repository.BatchesRepository, defaultDays int) echo.HandlerFunc {
	return func(c echo.Context) error {
		days := defaultDays
		if v := c.QueryParam("days"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid days"})
			}
			days = n
		}
		if days <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "retention not configured"})
		}

		deleted, err := batchesRepo.DeleteOlderThan(c.Request().Context(), time.Duration(days)*24*time.Hour)
		if err != nil {
			c.Logger().Errorf("batch cleanup: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{"deleted": deleted, "days": days})
	}
}

func getBatchHandler(batchesRepo repository.BatchesRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if id == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing id"})
		}

		b, err := batchesRepo.GetByID(c.Request().Context(), id)
		if err != nil {
			if errors.Is(err, repository.ErrBatchNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
			}
			c.Logger().Errorf("batch lookup: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, b)
	}
}
