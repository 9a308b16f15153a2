package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/forecast"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
)

const internalErrorMessage = "Failed to process request"

func NewRouter(service forecast.Service, logger logging.Logger) *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(logger), gin.Recovery())

	h := &handler{service: service, logger: logger}
	router.GET("/healthz", h.health)
	router.GET("/weatherforecast", h.weatherForecast)
	return router
}

type handler struct {
	service forecast.Service
	logger  logging.Logger
}

func (h *handler) health(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func (h *handler) weatherForecast(c *gin.Context) {
	batch, err := h.service.GenerateForecasts(c.Request.Context())
	if err != nil {
		h.logger.Error(err, "failed to add weather forecast to outbox")
		c.String(http.StatusInternalServerError, internalErrorMessage)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		entry := logger.WithFields(logging.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    path,
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warning(nil, "request failed")
			return
		}
		entry.Debug("request handled")
	}
}
