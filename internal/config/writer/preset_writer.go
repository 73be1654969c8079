package writer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrPresetNotFound 请求的预置名在文件里不存在。
var ErrPresetNotFound = errors.New("未找到预置")

// 备份目录里最多保留的历史份数,更旧的在每次备份时顺手清掉。
const keepBackups = 10

// PresetFile presets.yaml 的顶层结构
type PresetFile struct {
	Presets map[string]PresetEntry `yaml:"presets"`
}

// PresetEntry 一套命名的视图配置:指标集 + 事件开关 + 注记层选择。
type PresetEntry struct {
	Indicators []string      `yaml:"indicators,omitempty"`
	Events     EventsEntry   `yaml:"events,omitempty"`
	Overlays   OverlaysEntry `yaml:"overlays,omitempty"`
	Default    bool          `yaml:"default,omitempty"`
}

type EventsEntry struct {
	Dividends bool `yaml:"dividends,omitempty"`
	Splits    bool `yaml:"splits,omitempty"`
	Earnings  bool `yaml:"earnings,omitempty"`
}

type OverlaysEntry struct {
	Crossovers      bool     `yaml:"crossovers,omitempty"`
	Divergences     bool     `yaml:"divergences,omitempty"`
	Fibonacci       bool     `yaml:"fibonacci,omitempty"`
	FibonacciMode   string   `yaml:"fibonacci_mode,omitempty"`
	FibonacciLevels []string `yaml:"fibonacci_levels,omitempty"`
	Levels          bool     `yaml:"levels,omitempty"`
}

// PresetWriter 负责 presets.yaml 的读写
type PresetWriter struct {
	path string
	mu   sync.RWMutex
}

// NewPresetWriter 绑定到给定路径,文件允许尚不存在。
func NewPresetWriter(path string) *PresetWriter {
	return &PresetWriter{path: path}
}

// Read 读取当前 presets.yaml。文件不存在视为空集合,预置是可选的。
func (w *PresetWriter) Read() (*PresetFile, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PresetFile{Presets: make(map[string]PresetEntry)}, nil
		}
		return nil, fmt.Errorf("读取 presets.yaml 失败: %w", err)
	}

	var cfg PresetFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 presets.yaml 失败: %w", err)
	}

	if cfg.Presets == nil {
		cfg.Presets = make(map[string]PresetEntry)
	}

	return &cfg, nil
}

// Write 全量落盘:先序列化,再把现有文件备份出去,最后经暂存文件原子替换。
func (w *PresetWriter) Write(cfg *PresetFile) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("presets 序列化失败: %w", err)
	}

	if err := w.backup(); err != nil {
		return fmt.Errorf("备份当前文件失败: %w", err)
	}

	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("写入暂存文件失败: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("原子替换失败: %w", err)
	}

	return nil
}

// backup 把当前文件按时间戳复制进同级 backups 目录,并顺手修剪最旧的。
func (w *PresetWriter) backup() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	dir := filepath.Join(filepath.Dir(w.path), "backups")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	stamp := time.Now().Format("20060102-150405")
	if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("presets-%s.yaml", stamp)), data, 0644); err != nil {
		return err
	}

	// ReadDir 按名字排序,时间戳命名下即按时间升序,队首最旧。
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var old []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "presets-") && strings.HasSuffix(e.Name(), ".yaml") {
			old = append(old, filepath.Join(dir, e.Name()))
		}
	}
	for len(old) > keepBackups {
		os.Remove(old[0])
		old = old[1:]
	}

	return nil
}

// GetPreset 按名称取单个预置。
func (w *PresetWriter) GetPreset(name string) (*PresetEntry, error) {
	cfg, err := w.Read()
	if err != nil {
		return nil, err
	}

	preset, ok := cfg.Presets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}

	return &preset, nil
}

// UpdatePreset 新建或覆盖预置。
func (w *PresetWriter) UpdatePreset(name string, preset PresetEntry) error {
	cfg, err := w.Read()
	if err != nil {
		return err
	}

	if preset.Default {
		// 最多一个默认预置,新默认顶掉旧默认。
		for n, entry := range cfg.Presets {
			if entry.Default && n != name {
				entry.Default = false
				cfg.Presets[n] = entry
			}
		}
	}
	cfg.Presets[name] = preset

	return w.Write(cfg)
}

// DeletePreset 删除指定预置。删到一个不剩也允许,预置本就是可选的。
func (w *PresetWriter) DeletePreset(name string) error {
	cfg, err := w.Read()
	if err != nil {
		return err
	}

	if _, ok := cfg.Presets[name]; !ok {
		return fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}

	delete(cfg.Presets, name)

	return w.Write(cfg)
}

// Path 返回 presets.yaml 所在路径。
func (w *PresetWriter) Path() string {
	return w.path
}
