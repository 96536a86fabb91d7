package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hkhosravi/notification-gateway/internal/model"
	"github.com/hkhosravi/notification-gateway/internal/repository"
)

func listDeliveriesHandler(deliveriesRepo repository.DeliveryLogRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var channel model.Channel
		if raw := strings.TrimSpace(c.QueryParam("channel")); raw != "" {
			ch, ok := model.ParseChannel(raw)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid channel"})
			}
			channel = ch
		}

		var result model.NotificationStatus
		if raw := strings.TrimSpace(c.QueryParam("result")); raw != "" {
			tmp := model.NotificationStatus(raw)
			if tmp != model.NotificationDelivered && tmp != model.NotificationFailed {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid result"})
			}
			result = tmp
		}

		rows, err := deliveriesRepo.List(c.Request().Context(), channel, result, limit, offset)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
