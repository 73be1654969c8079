package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"stockdeck/internal/chart"
	"stockdeck/internal/config"
	"stockdeck/internal/gateway/marketdata"
	"stockdeck/internal/logger"
	"stockdeck/internal/pipeline"
	"stockdeck/internal/scheduler"
	"stockdeck/internal/store"
	transport "stockdeck/internal/transport/http"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "", "TOML 配置路径,默认读 STOCKDECK_CONFIG 或 config.toml")
	inspect := flag.Bool("inspect", false, "检查模式:打印已存快照的尾部后退出")
	asset := flag.String("asset", "", "检查模式:资产标识")
	period := flag.String("period", "", "检查模式:周期,缺省取配置 default_period")
	start := flag.String("start", "", "检查模式:自定义区间起点 YYYY-MM-DD")
	end := flag.String("end", "", "检查模式:自定义区间终点 YYYY-MM-DD")
	tail := flag.Int("tail", 15, "检查模式:打印最后 N 行")
	flag.Parse()

	_ = godotenv.Load(".env")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	if *inspect {
		if err := runInspect(cfg, *asset, *period, *start, *end, *tail); err != nil {
			fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runServe(cfg); err != nil {
		logger.Errorf("[main] %v", err)
		os.Exit(1)
	}
}

func runServe(cfg *config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	gw, err := marketdata.New(marketdata.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		HTTPTimeout: cfg.UpstreamTimeout(),
	})
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}

	hub := transport.NewHub()
	pipe, err := pipeline.New(pipeline.Params{
		Gateway:           gw,
		Store:             st,
		DefaultIndicators: cfg.Pipeline.DefaultIndicators,
		Debounce:          cfg.Debounce(),
		OnRevision:        hub.Broadcast,
	})
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	defer pipe.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.NewScheduler(ctx, pipe)
	if err := sched.Register(cfg.Pipeline.RefreshCron, cfg.Pipeline.FlushCron); err != nil {
		return fmt.Errorf("register cron tasks: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	srv, err := transport.NewServer(transport.Config{
		Addr:        cfg.Server.Listen,
		Pipe:        pipe,
		Gateway:     gw,
		Store:       st,
		Hub:         hub,
		PresetsPath: cfg.Presets.Path,
	})
	if err != nil {
		return fmt.Errorf("init http server: %w", err)
	}

	// 配置了默认资产就先拉一次,服务一起来就有图可看。
	if cfg.Pipeline.DefaultAsset != "" {
		key := chart.ContextKey{AssetID: cfg.Pipeline.DefaultAsset, Period: cfg.Pipeline.DefaultPeriod}
		if err := pipe.SetContext(key); err != nil {
			logger.Warnf("[main] 默认上下文无效: %v", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	logger.Infof("[main] stockdeck listening on %s", cfg.Server.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("[main] %s received, shutting down", sig)
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := pipe.FlushSnapshot(flushCtx); err != nil {
			logger.Warnf("[main] final flush failed: %v", err)
		}
		flushCancel()
		cancel()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func openStore(cfg *config.Config) (store.SnapshotStore, error) {
	if strings.ToLower(cfg.Store.Driver) == "memory" {
		return store.NewMemorySnapshotStore(), nil
	}
	return store.OpenSQLite(cfg.Store.Path)
}

// runInspect 不起服务,直接把库里的快照尾部打成表。
func runInspect(cfg *config.Config, asset, period, start, end string, tail int) error {
	if asset == "" {
		return fmt.Errorf("检查模式需要 -asset")
	}
	if period == "" && start == "" {
		period = cfg.Pipeline.DefaultPeriod
	}
	key := chart.ContextKey{AssetID: asset, Period: period, Start: start, End: end}
	if err := key.Validate(); err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	snap, err := st.LoadSnapshot(context.Background(), key.String())
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", key.String(), err)
	}

	printSnapshot(key, snap, tail)
	return nil
}

func printSnapshot(key chart.ContextKey, snap store.Snapshot, tail int) {
	rows := snap.Series.Rows
	if tail > 0 && len(rows) > tail {
		rows = rows[len(rows)-tail:]
	}

	// 只列这段行里实际出现过的指标列
	fieldSet := map[string]struct{}{}
	for i := range rows {
		for name := range rows[i].Fields {
			fieldSet[name] = struct{}{}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for name := range fieldSet {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	fmt.Printf("%s  revision=%d  rows=%d  saved_at=%s\n",
		key.String(), snap.Revision, snap.Series.Len(), snap.SavedAt.Format(time.RFC3339))

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)

	header := table.Row{"date", "open", "high", "low", "close", "volume"}
	for _, f := range fields {
		header = append(header, f)
	}
	t.AppendHeader(header)

	for i := range rows {
		r := &rows[i]
		row := table.Row{r.Label, fmtPtr(r.Open), fmtPtr(r.High), fmtPtr(r.Low), fmtPtr(r.Close), fmtPtr(r.Volume)}
		for _, f := range fields {
			if v, ok := r.Field(f); ok {
				row = append(row, fmtFloat(v))
			} else {
				row = append(row, "-")
			}
		}
		t.AppendRow(row)
	}
	t.Render()

	if ev := snap.Series.Events; ev != nil {
		fmt.Printf("events: dividends=%d splits=%d earnings=%d\n",
			len(ev.Dividends), len(ev.Splits), len(ev.Earnings))
	}
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func fmtPtr(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmtFloat(*v)
}
