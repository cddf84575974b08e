package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"GoInterviewAnalyzer/internal/config"
	"GoInterviewAnalyzer/internal/httpserver"
	"GoInterviewAnalyzer/internal/logger"
	"GoInterviewAnalyzer/internal/pipeline"
	"GoInterviewAnalyzer/internal/protocol"
	"GoInterviewAnalyzer/internal/session"
	"GoInterviewAnalyzer/internal/wsclient"
	"GoInterviewAnalyzer/internal/wsserver"
)

func main() {
	var (
		mode       = flag.String("mode", "server", "运行模式: server, batch, replay")
		configPath = flag.String("config", "", "配置文件路径（默认搜索 configs/analyzer.yaml）")
		addr       = flag.String("addr", "", "覆盖 server.addr")
		file       = flag.String("file", "", "batch/replay 模式的 MJPEG 文件")
		fps        = flag.Float64("fps", 0, "batch 模式源视频帧率（默认 batch.default_fps）")
		interval   = flag.Duration("interval", 0, "batch 采样间隔 / replay 发送间隔")
		url        = flag.String("url", "ws://localhost:8000/ws", "replay 模式的服务端地址")
	)
	flag.Parse()

	cm := config.NewConfigManager(
		config.WithConfigPath(*configPath),
		config.WithWatchEnabled(*mode == "server"),
	)
	cfg, err := cm.Load()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logger.InitLogger(cfg.Logging.Level)

	switch *mode {
	case "server":
		err = runServer(cm, cfg)
	case "batch":
		err = runBatch(cfg, *file, *fps, *interval)
	case "replay":
		err = runReplay(*url, *file, *interval)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
}

// runServer 启动实时分析服务，直到收到退出信号
func runServer(cm *config.ConfigManager, cfg *config.AnalyzerConfig) error {
	logger.InitGlobalLogger()
	defer logger.GlobalLogger.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	reaper := session.NewReaper(a.registry, cfg.Reaper.Interval, cfg.Reaper.Timeout)
	reaper.OnReap = func(connID, sessionID string) {
		logger.Debugf("reaper", sessionID, "reaped ended session on %s", connID)
	}
	reaper.Start(ctx)
	defer reaper.Stop()

	cm.OnChange(func(old, updated *config.AnalyzerConfig) {
		reaper.SetInterval(updated.Reaper.Interval)
		reaper.SetTimeout(updated.Reaper.Timeout)
		logger.SetLevel(logger.ParseLevel(updated.Logging.Level))
		logger.Infof("config", "", "applied reaper=%v/%v level=%s",
			updated.Reaper.Interval, updated.Reaper.Timeout, updated.Logging.Level)
	})

	wsConfig := wsserver.DefaultConfig()
	wsConfig.ReadLimit = cfg.Server.ReadLimitBytes
	wsConfig.WriteTimeout = cfg.Server.WriteTimeout
	ws := wsserver.New(wsConfig, a.analyzer)

	api := httpserver.NewAPIServer(httpserver.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxUploadBytes: cfg.Batch.MaxUploadMB << 20,
	}, a.analyzer, ws, logger.GlobalLogger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.Start()
	}()

	fmt.Printf("✅ 服务已启动: ws://%s/ws  http://%s/api/v1/health\n", cfg.Server.Addr, cfg.Server.Addr)
	if file := cm.ConfigFile(); file != "" {
		fmt.Printf("📄 配置文件: %s（热更新已启用）\n", file)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	fmt.Println("\n🔄 正在关闭服务器...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.Printf("WebSocket shutdown error: %v", err)
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if n := a.analyzer.Summaries().Pending(); n > 0 {
		log.Printf("%d summaries were not persisted", n)
	}
	fmt.Println("✅ 服务器已关闭")
	return nil
}

// runBatch 离线分析本地 MJPEG 文件并输出会话总结
func runBatch(cfg *config.AnalyzerConfig, path string, fps float64, interval time.Duration) error {
	if path == "" {
		return errors.New("batch 模式需要 -file")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.analyzer.AnalyzeBatch(ctx, pipeline.BatchRequest{
		Stream:   f,
		FPS:      fps,
		Interval: interval,
	})
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, summary)
}

// runReplay 按固定间隔把 MJPEG 文件逐帧推送到运行中的服务
func runReplay(url, path string, interval time.Duration) error {
	if path == "" {
		return errors.New("replay 模式需要 -file")
	}
	if interval <= 0 {
		interval = time.Second
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := protocol.NewMJPEGDecoder()
	dec.Feed(data)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summaryCh := make(chan json.RawMessage, 1)
	client := wsclient.New(wsclient.DefaultClientConfig(url))
	client.SetEventHandler(func(env *protocol.Envelope) {
		switch env.Event {
		case protocol.EventFeedback:
			var fb protocol.FeedbackPayload
			if err := json.Unmarshal(env.Data, &fb); err == nil {
				fmt.Printf("🎭 %-12s 🧍 %-16s %v\n", fb.Emotion, fb.Posture, fb.Feedback)
			}
		case protocol.EventError:
			fmt.Printf("⚠️  %s\n", env.Data)
		case protocol.EventSessionSummary:
			select {
			case summaryCh <- env.Data:
			default:
			}
		}
	})
	client.SetStateChangeHandler(func(oldState, newState wsclient.ClientState) {
		log.Printf("Client state: %s -> %s", oldState, newState)
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if err := client.StartSession(); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
frames:
	for {
		frame, err := dec.Next()
		if err != nil {
			log.Printf("Skipping frame: %v", err)
			continue
		}
		if frame == nil {
			break
		}
		select {
		case <-ctx.Done():
			break frames
		case summary := <-summaryCh:
			// 服务端因持续无信号自动结束了会话
			return printJSON(os.Stdout, summary)
		case <-ticker.C:
		}
		if err := client.SendFrame(frame); err != nil {
			log.Printf("Send frame %d failed: %v", sent, err)
			continue
		}
		sent++
	}
	fmt.Printf("📤 已发送 %d 帧\n", sent)

	if err := client.EndSession(); err != nil {
		return err
	}
	select {
	case summary := <-summaryCh:
		return printJSON(os.Stdout, summary)
	case <-time.After(10 * time.Second):
		return errors.New("timed out waiting for session summary")
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
