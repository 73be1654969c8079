package preset

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"stockdeck/internal/chart"
	"stockdeck/internal/config/writer"
	"stockdeck/internal/logger"
	"stockdeck/internal/pipeline"

	"github.com/gin-gonic/gin"
)

// Applier 应用预置需要的流水线能力。
type Applier interface {
	Reconcile(ctx context.Context, desired []string) ([]string, error)
	SetEventToggles(t pipeline.EventToggles)
}

// Router 预置接口:列出、读写、删除,以及一步套用到流水线。
type Router struct {
	writer *writer.PresetWriter
	pipe   Applier
}

func NewRouter(presetsPath string, pipe Applier) *Router {
	return &Router{
		writer: writer.NewPresetWriter(presetsPath),
		pipe:   pipe,
	}
}

// Register 把预置路由挂到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("", r.handleList)
	group.GET("/:name", r.handleGet)
	group.PUT("/:name", r.handleUpdate)
	group.DELETE("/:name", r.handleDelete)
	group.POST("/:name/apply", r.handleApply)
}

// PresetResponse 预置的对外形态,name 从路径参数带出。
type PresetResponse struct {
	Name       string       `json:"name"`
	Indicators []string     `json:"indicators"`
	Events     EventsInfo   `json:"events"`
	Overlays   OverlaysInfo `json:"overlays"`
	Default    bool         `json:"default"`
}

type EventsInfo struct {
	Dividends bool `json:"dividends"`
	Splits    bool `json:"splits"`
	Earnings  bool `json:"earnings"`
}

type OverlaysInfo struct {
	Crossovers      bool     `json:"crossovers"`
	Divergences     bool     `json:"divergences"`
	Fibonacci       bool     `json:"fibonacci"`
	FibonacciMode   string   `json:"fibonacci_mode,omitempty"`
	FibonacciLevels []string `json:"fibonacci_levels,omitempty"`
	Levels          bool     `json:"levels"`
}

// PresetUpdateRequest 新建或覆盖预置的请求体。
type PresetUpdateRequest struct {
	Indicators []string     `json:"indicators"`
	Events     EventsInfo   `json:"events"`
	Overlays   OverlaysInfo `json:"overlays"`
	Default    bool         `json:"default"`
}

func (r *Router) handleList(c *gin.Context) {
	cfg, err := r.writer.Read()
	if err != nil {
		logger.Errorf("[preset-api] list failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var presets []PresetResponse
	for name, entry := range cfg.Presets {
		presets = append(presets, entryToResponse(name, entry))
	}

	// 固定按名称排序,列表输出稳定。
	sort.Slice(presets, func(i, j int) bool {
		return presets[i].Name < presets[j].Name
	})

	c.JSON(http.StatusOK, gin.H{"presets": presets})
}

func (r *Router) handleGet(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 preset 名称"})
		return
	}

	entry, err := r.writer.GetPreset(name)
	if err != nil {
		if errors.Is(err, writer.ErrPresetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, entryToResponse(name, *entry))
}

func (r *Router) handleUpdate(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 preset 名称"})
		return
	}

	if !validName(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "preset 名称只能包含字母、数字和下划线"})
		return
	}

	var req PresetUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体解析失败: " + err.Error()})
		return
	}

	if err := chart.ValidateNames(req.Indicators); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := r.writer.UpdatePreset(name, requestToEntry(req)); err != nil {
		logger.Errorf("[preset-api] update failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	logger.Infof("[preset-api] preset '%s' updated by %s", name, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "预置已保存"})
}

func (r *Router) handleDelete(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 preset 名称"})
		return
	}

	if err := r.writer.DeletePreset(name); err != nil {
		logger.Errorf("[preset-api] delete failed: %v", err)
		if errors.Is(err, writer.ErrPresetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	logger.Infof("[preset-api] preset '%s' deleted by %s", name, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "预置已删除"})
}

// handleApply 把预置推进流水线:事件开关立即设置,指标走一次调和。
// 注记层选择是查询期状态,由客户端拿响应里的 overlays 自行发起 /overlays。
func (r *Router) handleApply(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 preset 名称"})
		return
	}

	entry, err := r.writer.GetPreset(name)
	if err != nil {
		if errors.Is(err, writer.ErrPresetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	r.pipe.SetEventToggles(pipeline.EventToggles{
		Dividends: entry.Events.Dividends,
		Splits:    entry.Events.Splits,
		Earnings:  entry.Events.Earnings,
	})

	requested, err := r.pipe.Reconcile(c.Request.Context(), entry.Indicators)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoContext) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	logger.Infof("[preset-api] preset '%s' applied by %s", name, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"requested": requested,
		"preset":    entryToResponse(name, *entry),
	})
}

// 预置名会出现在路径参数和响应里,只放行字母、数字和下划线。
func validName(name string) bool {
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_':
		default:
			return false
		}
	}
	return true
}

func entryToResponse(name string, entry writer.PresetEntry) PresetResponse {
	return PresetResponse{
		Name:       name,
		Indicators: entry.Indicators,
		Events: EventsInfo{
			Dividends: entry.Events.Dividends,
			Splits:    entry.Events.Splits,
			Earnings:  entry.Events.Earnings,
		},
		Overlays: OverlaysInfo{
			Crossovers:      entry.Overlays.Crossovers,
			Divergences:     entry.Overlays.Divergences,
			Fibonacci:       entry.Overlays.Fibonacci,
			FibonacciMode:   entry.Overlays.FibonacciMode,
			FibonacciLevels: entry.Overlays.FibonacciLevels,
			Levels:          entry.Overlays.Levels,
		},
		Default: entry.Default,
	}
}

func requestToEntry(req PresetUpdateRequest) writer.PresetEntry {
	return writer.PresetEntry{
		Indicators: req.Indicators,
		Events: writer.EventsEntry{
			Dividends: req.Events.Dividends,
			Splits:    req.Events.Splits,
			Earnings:  req.Events.Earnings,
		},
		Overlays: writer.OverlaysEntry{
			Crossovers:      req.Overlays.Crossovers,
			Divergences:     req.Overlays.Divergences,
			Fibonacci:       req.Overlays.Fibonacci,
			FibonacciMode:   req.Overlays.FibonacciMode,
			FibonacciLevels: req.Overlays.FibonacciLevels,
			Levels:          req.Overlays.Levels,
		},
		Default: req.Default,
	}
}
