// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package telephony_routers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/voice-gateway/api/telephony-api/config"
	internal_manager "github.com/rapidaai/voice-gateway/api/telephony-api/internal/manager"
	"github.com/rapidaai/voice-gateway/pkg/commons"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Carriers connect from their own media infrastructure.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TelephonyRoutes mounts the carrier-facing surface: webhook callbacks and
// the media stream socket, plus origination and introspection endpoints.
func TelephonyRoutes(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger, manager *internal_manager.Manager) {
	logger.Info("Telephony routes added to engine.")
	apiv1 := engine.Group("/telephony")
	{
		apiv1.POST("/:provider/:hook", webhookHandler(logger, manager))
		apiv1.GET("/:provider/stream", streamHandler(logger, manager))
		apiv1.GET("/sessions", sessionsHandler(manager))
		apiv1.POST("/call", originateHandler(cfg, logger, manager))
	}
}

func webhookHandler(logger commons.Logger, manager *internal_manager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.Param("provider")
		adapter, ok := manager.Adapter(provider)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})
			return
		}
		body, _ := c.GetRawData()
		resp := adapter.HandleWebhook(c.Param("hook"), c.Request.Method, body, c.Request.URL.Query())
		c.Data(resp.StatusCode, resp.ContentType, []byte(resp.Body))
	}
}

// streamHandler upgrades the media socket and hands it to the adapter; the
// adapter blocks here for the life of the call.
func streamHandler(logger commons.Logger, manager *internal_manager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := c.Param("provider")
		adapter, ok := manager.Adapter(provider)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Errorw("media socket upgrade failed", "provider", provider, "error", err)
			return
		}
		logger.Infow("media socket connected", "provider", provider, "remote", conn.RemoteAddr().String())
		adapter.HandleStream(conn)
	}
}

func sessionsHandler(manager *internal_manager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": manager.ActiveCalls()})
	}
}

type originateRequest struct {
	Provider string `json:"provider"`
	To       string `json:"to" binding:"required"`
	From     string `json:"from"`
}

func originateHandler(cfg *config.AppConfig, logger commons.Logger, manager *internal_manager.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req originateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Provider == "" {
			req.Provider = cfg.Telephony.Provider
		}
		if req.From == "" {
			req.From = cfg.Telephony.DefaultFromNumber
		}
		requestID, err := manager.MakeCall(c.Request.Context(), req.Provider, req.To, req.From)
		if err != nil {
			logger.Errorw("call origination failed", "provider", req.Provider, "to", req.To, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"requestUuid": requestID})
	}
}
