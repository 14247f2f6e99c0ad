package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"companion-telemetry/internal/config"
	"companion-telemetry/internal/model"
	"companion-telemetry/internal/pipeline"
)

type trackRequest struct {
	Type     string          `json:"type" binding:"required"`
	Data     map[string]any  `json:"data"`
	Metadata *model.Metadata `json:"metadata"`
}

type screenViewRequest struct {
	Screen     string `json:"screen" binding:"required"`
	DurationMS int64  `json:"duration"`
}

type interactionRequest struct {
	InteractionType string         `json:"interaction_type" binding:"required"`
	Element         string         `json:"element" binding:"required"`
	Extra           map[string]any `json:"extra"`
}

type performanceRequest struct {
	Metric  string         `json:"metric" binding:"required"`
	Value   float64        `json:"value"`
	Context map[string]any `json:"context"`
}

func registerRoutes(router *gin.Engine, p *pipeline.Pipeline) {
	v1 := router.Group("/v1")

	v1.POST("/events", func(c *gin.Context) {
		var req trackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
			return
		}
		p.Track(c.Request.Context(), req.Type, req.Data, req.Metadata)
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})

	v1.POST("/events/screen", func(c *gin.Context) {
		var req screenViewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "screen is required"})
			return
		}
		p.TrackScreenView(c.Request.Context(), req.Screen, time.Duration(req.DurationMS)*time.Millisecond)
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})

	v1.POST("/events/interaction", func(c *gin.Context) {
		var req interactionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "interaction_type and element are required"})
			return
		}
		p.TrackUserInteraction(c.Request.Context(), req.InteractionType, req.Element, req.Extra)
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})

	v1.POST("/events/performance", func(c *gin.Context) {
		var req performanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "metric is required"})
			return
		}
		p.TrackPerformance(c.Request.Context(), req.Metric, req.Value, req.Context)
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})

	v1.GET("/insights", func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be positive"})
			return
		}
		insightType := model.InsightType(c.Query("type"))
		switch insightType {
		case "", model.InsightBehavior, model.InsightPreference, model.InsightPerformance, model.InsightEngagement:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown insight type"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"insights": p.Insights(insightType, limit)})
	})

	v1.GET("/analytics", func(c *gin.Context) {
		var tr *pipeline.TimeRange
		if start := c.Query("start"); start != "" {
			startMS, err := strconv.ParseInt(start, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start"})
				return
			}
			endMS := int64(0)
			if end := c.Query("end"); end != "" {
				endMS, err = strconv.ParseInt(end, 10, 64)
				if err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end"})
					return
				}
			}
			tr = &pipeline.TimeRange{Start: startMS, End: endMS}
		}
		c.JSON(http.StatusOK, p.AnalyticsData(c.Request.Context(), tr))
	})

	v1.GET("/settings", func(c *gin.Context) {
		c.JSON(http.StatusOK, p.Settings())
	})

	v1.PATCH("/settings", func(c *gin.Context) {
		var patch config.SettingsPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings patch"})
			return
		}
		c.JSON(http.StatusOK, p.UpdateSettings(c.Request.Context(), patch))
	})

	v1.POST("/session/rotate", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"session_id": p.RotateSession(c.Request.Context())})
	})

	v1.GET("/export", func(c *gin.Context) {
		data, err := p.Export()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
			return
		}
		c.Header("Content-Disposition", "attachment; filename=telemetry-export.json")
		c.Data(http.StatusOK, "application/json", data)
	})

	v1.DELETE("/data", func(c *gin.Context) {
		p.Clear(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"status": "cleared"})
	})
}
