// Package main 是 CoinGecko 实时行情推送的入口点。
// 启动时通过 REST 获取币种详情与 1 日 OHLC，随后在单条 WebSocket 连接上
// 订阅价格、链上成交与链上 K 线，并输出状态变化。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"coingecko-live-feed/internal/config"
	"coingecko-live-feed/internal/core/model"
	"coingecko-live-feed/internal/exchange/coingecko"
	"coingecko-live-feed/internal/metadata"
	"coingecko-live-feed/internal/output/jsonl"
	"coingecko-live-feed/internal/stats/latency"
	"coingecko-live-feed/internal/util/timeutil"
)

type metricsSnapshot struct {
	// TsUnixNs 指标采集时间（纳秒）
	TsUnixNs int64 `json:"ts_unix_ns"`
	// State 连接状态
	State string `json:"state"`
	// Target 当前订阅目标
	Target model.Target `json:"target"`
	// Connection 连接指标
	Connection coingecko.ConnectionMetrics `json:"connection"`
	// Latency 各频道推送新鲜度
	Latency []latency.Stats `json:"latency"`
	// UpdatesPerSec 状态更新速率
	UpdatesPerSec float64 `json:"updates_per_sec"`
	// SnapshotsDropped 快照因缓冲区满丢弃的条数
	SnapshotsDropped int64 `json:"snapshots_dropped,omitempty"`
}

func main() {
	var configPath string
	var searchQuery string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.StringVar(&searchQuery, "search", "", "按关键字搜索币种后退出")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.App.LogLevel).With(zap.String("app", cfg.App.Name))
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 捕获 SIGINT/SIGTERM，触发优雅退出
	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("收到退出信号，开始优雅关闭")
		cancel()
	}()

	fetcher := metadata.NewHTTPFetcher(cfg.REST, logger)

	if searchQuery != "" {
		if err := runSearch(ctx, fetcher, searchQuery); err != nil {
			logger.Error("搜索失败", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	target := cfg.TargetOrNil()
	if target == nil {
		logger.Error("未配置订阅目标 target.coin_id")
		os.Exit(1)
	}

	if err := seedFromREST(ctx, logger, fetcher, target.CoinID); err != nil {
		logger.Error("获取币种初始数据失败", zap.String("coin", target.CoinID), zap.Error(err))
		os.Exit(1)
	}

	client := coingecko.NewClient(&cfg.WS, cfg.Live, logger)

	var snapshotWriter *jsonl.Writer
	var metricsWriter *jsonl.Writer
	if cfg.Output.SnapshotsEnabled {
		snapshotWriter, err = jsonl.NewWriter(filepath.Join(cfg.Output.Dir, "snapshots.jsonl"), cfg.Output.BufferSize)
		if err != nil {
			logger.Error("创建 snapshots writer 失败", zap.Error(err))
			os.Exit(1)
		}
		client.SetRecorder(jsonl.NewSnapshotRecorder(snapshotWriter))
	}
	if cfg.Output.MetricsEnabled {
		metricsWriter, err = jsonl.NewWriter(filepath.Join(cfg.Output.Dir, "metrics.jsonl"), cfg.Output.BufferSize)
		if err != nil {
			logger.Error("创建 metrics writer 失败", zap.Error(err))
			os.Exit(1)
		}
	}

	if err := client.Start(ctx); err != nil {
		logger.Error("启动推送客户端失败", zap.Error(err))
		os.Exit(1)
	}
	if err := client.SetTarget(target); err != nil {
		logger.Error("设置订阅目标失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("开始订阅实时行情",
		zap.String("coin", target.CoinID),
		zap.String("pool", target.PoolID),
		zap.String("interval", string(target.Interval)),
	)

	runLoop(ctx, logger, client, *target, metricsWriter, snapshotWriter, cfg.Output.MetricsIntervalMs)

	// 输出最后一条 metrics 快照（便于离线复盘）
	if metricsWriter != nil {
		_ = metricsWriter.Write(buildMetrics(client, *target, 0, snapshotWriter))
		_ = metricsWriter.Flush()
	}

	// 优雅关闭（10s 超时）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Close()
		if snapshotWriter != nil {
			_ = snapshotWriter.Close()
		}
		if metricsWriter != nil {
			_ = metricsWriter.Close()
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("关闭超时，强制退出")
	case <-done:
		logger.Info("关闭完成")
	}
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// runSearch 搜索币种并输出到标准输出
func runSearch(ctx context.Context, fetcher metadata.Fetcher, query string) error {
	results, err := fetcher.Search(ctx, query)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("未找到匹配的币种（查询至少 2 个字符）")
		return nil
	}
	for _, r := range results {
		fmt.Printf("%-24s %-10s %s\n", r.ID, r.Symbol, r.Name)
	}
	return nil
}

// seedFromREST 获取币种详情与 1 日 OHLC 作为初始数据
// 不支持的币种返回错误；其他 REST 失败只记录日志，实时推送仍然启动
func seedFromREST(ctx context.Context, logger *zap.Logger, fetcher metadata.Fetcher, coinID string) error {
	details, err := fetcher.CoinDetails(ctx, coinID)
	switch {
	case metadata.IsNotFound(err):
		return fmt.Errorf("CoinGecko 不支持该币种: %w", err)
	case errors.Is(err, context.Canceled):
		return err
	case err != nil:
		logger.Warn("获取币种详情失败，尝试简单价格接口", zap.Error(err))
		if price, ok := fetcher.SimplePrice(ctx, coinID); ok {
			logger.Info("当前价格", zap.String("coin", coinID), zap.Float64("usd", price))
		}
	default:
		seed := metadata.SeedPrice(details)
		logger.Info("币种详情",
			zap.String("coin", details.ID),
			zap.String("name", details.Name),
			zap.String("symbol", details.Symbol),
			zap.Int("rank", details.MarketCapRank),
			zap.Float64("usd", seed.Price),
			zap.Float64("change_24h_pct", seed.Change24hPct),
			zap.Float64("market_cap", seed.MarketCap),
		)
	}

	candles, err := fetcher.OHLC(ctx, coinID, "usd", 1)
	if err != nil {
		logger.Warn("获取 OHLC 失败", zap.Error(err))
		return nil
	}
	if last, ok := metadata.LastCandle(candles); ok {
		logger.Info("1 日 OHLC",
			zap.Int("candles", len(candles)),
			zap.Time("last_open_time", timeutil.MsToTime(int64(last.Timestamp))),
			zap.Float64("last_close", last.Close),
		)
	}
	return nil
}

// runLoop 消费状态更新并周期性输出指标，直到 ctx 取消或客户端退出
func runLoop(
	ctx context.Context,
	logger *zap.Logger,
	client *coingecko.Client,
	target model.Target,
	metricsWriter *jsonl.Writer,
	snapshotWriter *jsonl.Writer,
	metricsIntervalMs int,
) {
	if metricsIntervalMs <= 0 {
		metricsIntervalMs = 10000
	}
	metricsTicker := time.NewTicker(time.Duration(metricsIntervalMs) * time.Millisecond)
	defer metricsTicker.Stop()

	var updates int64
	lastMetricsAt := timeutil.NowNano()
	connected := false

	for {
		select {
		case <-ctx.Done():
			return

		case <-client.Done():
			return

		case ls := <-client.Updates():
			updates++
			if ls.IsConnected != connected {
				connected = ls.IsConnected
				logger.Info("连接状态变化", zap.Bool("connected", connected))
			}
			logState(logger, ls)

		case <-metricsTicker.C:
			nowNs := timeutil.NowNano()
			elapsedSec := float64(nowNs-lastMetricsAt) / 1e9
			if elapsedSec <= 0 {
				elapsedSec = float64(metricsIntervalMs) / 1000
			}
			snap := buildMetrics(client, target, float64(updates)/elapsedSec, snapshotWriter)
			updates = 0
			lastMetricsAt = nowNs

			logger.Info("连接指标",
				zap.String("state", snap.State),
				zap.Int64("frames", snap.Connection.FrameCount),
				zap.Int64("dropped", snap.Connection.DroppedCount),
				zap.Int("pending_channels", snap.Connection.PendingChannels),
				zap.Int64("last_message_age_ms", snap.Connection.LastMessageAgeMs),
			)
			if metricsWriter != nil {
				_ = metricsWriter.Write(snap)
				_ = metricsWriter.Flush()
			}
		}
	}
}

func buildMetrics(client *coingecko.Client, target model.Target, updatesPerSec float64, snapshotWriter *jsonl.Writer) metricsSnapshot {
	snap := metricsSnapshot{
		TsUnixNs:      timeutil.NowNano(),
		State:         client.State().String(),
		Target:        target,
		Connection:    client.Metrics(),
		Latency:       client.Latency(),
		UpdatesPerSec: updatesPerSec,
	}
	if snapshotWriter != nil {
		_, snap.SnapshotsDropped = snapshotWriter.Stats()
	}
	return snap
}

// logState 输出一次状态更新（Debug 级别）
func logState(logger *zap.Logger, ls model.LiveState) {
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	fields := []zap.Field{
		zap.Bool("connected", ls.IsConnected),
		zap.Int("trades", len(ls.Trades)),
	}
	if ls.Price != nil {
		fields = append(fields,
			zap.Float64("price", ls.Price.Price),
			zap.Float64("change_24h_pct", ls.Price.Change24hPct),
		)
	}
	if len(ls.Trades) > 0 {
		tr := ls.Trades[0]
		fields = append(fields,
			zap.String("last_side", string(tr.Side)),
			zap.Float64("last_trade_px", tr.Price),
			zap.Float64("last_trade_value", tr.Value),
		)
	}
	if ls.Candle != nil {
		fields = append(fields,
			zap.Float64("candle_open", ls.Candle.Open),
			zap.Float64("candle_close", ls.Candle.Close),
		)
	}
	logger.Debug("实时状态更新", fields...)
}
