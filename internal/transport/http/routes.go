package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"stockdeck/internal/chart"
	"stockdeck/internal/pipeline"

	"github.com/gin-gonic/gin"
)

// seriesResponse 序列查询的响应体。Rows 已按时间升序。
type seriesResponse struct {
	Key      chart.ContextKey      `json:"key"`
	Revision uint64                `json:"revision"`
	Loading  bool                  `json:"loading"`
	Stale    bool                  `json:"stale"`
	Error    string                `json:"error,omitempty"`
	Toggles  pipeline.EventToggles `json:"event_toggles"`
	Rows     []chart.Row           `json:"rows"`
	Events   *chart.EventBundle    `json:"events,omitempty"`
}

type indicatorsRequest struct {
	Indicators []string `json:"indicators"`
}

func (s *Server) handleSeries(c *gin.Context) {
	st := s.pipe.Status()
	c.JSON(http.StatusOK, seriesResponse{
		Key:      st.Key,
		Revision: st.Series.Revision,
		Loading:  st.Loading,
		Stale:    st.Stale,
		Error:    st.Err,
		Toggles:  st.Toggles,
		Rows:     st.Series.Rows,
		Events:   st.Series.Events,
	})
}

func (s *Server) handleSeriesTail(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "30"))
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "n 必须是正整数"})
		return
	}

	st := s.pipe.Status()
	rows := st.Series.Rows
	if len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	c.JSON(http.StatusOK, gin.H{
		"revision": st.Series.Revision,
		"total":    st.Series.Len(),
		"rows":     rows,
	})
}

func (s *Server) handleSetContext(c *gin.Context) {
	var key chart.ContextKey
	if err := c.ShouldBindJSON(&key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}

	if err := s.pipe.SetContext(key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 加载异步进行,客户端靠 /series 或 WS 拿到结果。
	c.JSON(http.StatusAccepted, gin.H{"success": true, "key": key.String()})
}

func (s *Server) handleRefresh(c *gin.Context) {
	s.pipe.Refresh()
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (s *Server) handleIndicators(c *gin.Context) {
	var req indicatorsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}
	if err := chart.ValidateNames(req.Indicators); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	force := c.Query("force") == "true"
	fetched, err := s.pipe.Request(c.Request.Context(), req.Indicators, force)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoContext) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "requested": fetched})
}

func (s *Server) handleEvents(c *gin.Context) {
	var req pipeline.EventToggles
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}

	s.pipe.SetEventToggles(req)
	c.JSON(http.StatusAccepted, gin.H{"success": true, "events": req})
}

func (s *Server) handleOverlays(c *gin.Context) {
	req := pipeline.OverlayRequest{FibMode: c.Query("fib_mode")}

	kinds := c.DefaultQuery("kinds", "crossovers,divergences,fibonacci,levels")
	for _, kind := range strings.Split(kinds, ",") {
		switch strings.TrimSpace(kind) {
		case "crossovers":
			req.Crossovers = true
		case "divergences":
			req.Divergences = true
		case "fibonacci":
			req.Fibonacci = true
		case "levels":
			req.Levels = true
		case "":
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "未知注记层: " + kind})
			return
		}
	}

	if raw := c.Query("fib_levels"); raw != "" {
		req.FibLevels = make(map[string]bool)
		for _, lv := range strings.Split(raw, ",") {
			if lv = strings.TrimSpace(lv); lv != "" {
				req.FibLevels[lv] = true
			}
		}
	}

	c.JSON(http.StatusOK, s.pipe.Overlays(req))
}

func (s *Server) handleStats(c *gin.Context) {
	out := gin.H{"pipeline": s.pipe.Stats()}
	if s.gw != nil {
		out["upstream"] = s.gw.Stats()
	}
	if s.st != nil {
		if fetches, err := s.st.RecentFetches(c.Request.Context(), 10); err == nil {
			out["recent_fetches"] = fetches
		}
	}
	if s.hub != nil {
		out["ws_clients"] = s.hub.ClientCount()
	}
	c.JSON(http.StatusOK, out)
}
