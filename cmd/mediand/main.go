// Package main 是流式中位数跟踪器的入口点。
// 将多个按追加方式增长的 CSV 价格文件归并为单一时间有序流，
// 以 T-Digest 维护运行中位数，并在中位数显著变化时输出结果行。
// 支持 batch（处理存量数据后退出）与 streaming（持续尾随追加）两种模式。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"streaming-median-tracker/internal/calc"
	"streaming-median-tracker/internal/config"
	"streaming-median-tracker/internal/output/csvout"
	"streaming-median-tracker/internal/reader"
	"streaming-median-tracker/internal/watch"
)

func main() {
	var configPath string
	var streamingFlag bool
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.BoolVar(&streamingFlag, "streaming", false, "覆盖配置中的 streaming 开关")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	streaming := cfg.Input.Streaming
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "streaming" {
			streaming = streamingFlag
		}
	})

	logger := newLogger(cfg.App.LogLevel)
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

	files, err := cfg.ResolveInputFiles()
	if err != nil {
		logger.Error("解析输入文件列表失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("输入文件解析完成", zap.Int("files", len(files)), zap.Bool("streaming", streaming))

	// 输出端: 配置了文件则写 CSV，否则回退到日志输出
	var sink calc.Sink
	var csvWriter *csvout.Writer
	if cfg.Output.File != "" {
		csvWriter, err = csvout.NewWriter(cfg.Output.File, cfg.Digest.ExtraValues)
		if err != nil {
			logger.Error("创建输出文件失败", zap.Error(err))
			os.Exit(1)
		}
		sink = csvWriter
	} else {
		sink = calc.NewLogSink(logger)
	}

	mgr := reader.NewManager(streaming, time.Duration(cfg.Input.PollIntervalMs)*time.Millisecond, logger)
	for _, f := range files {
		if err := mgr.Add(f); err != nil {
			logger.Error("注册输入文件失败", zap.Error(err))
			os.Exit(1)
		}
	}

	calculator := calc.New(mgr.Tasks(), sink, cfg.Digest.ExtraValues, uint64(cfg.Digest.Compression), logger)

	// 可选的实时广播
	if cfg.Watch.Enabled {
		ws := watch.New(cfg.Watch.Addr, logger)
		calculator.SetBroadcaster(ws)
		go func() {
			if err := ws.Run(ctx); err != nil {
				logger.Warn("广播服务退出", zap.Error(err))
			}
		}()
		logger.Info("实时广播已开启", zap.String("addr", cfg.Watch.Addr))
	}

	mgr.Start(ctx)

	calcDone := make(chan error, 1)
	go func() {
		calcDone <- calculator.Run(ctx)
	}()

	// batch: 等待读取器自然耗尽；streaming: 等待退出信号
	readersDone := make(chan struct{})
	go func() {
		mgr.WaitReaders()
		close(readersDone)
	}()

	// 计算器提前退出（输出失败）同样触发停机
	var calcErr error
	calcExited := false
	if streaming {
		select {
		case <-ctx.Done():
		case calcErr = <-calcDone:
			calcExited = true
			cancel()
		}
	} else {
		select {
		case <-readersDone:
		case <-ctx.Done():
		case calcErr = <-calcDone:
			calcExited = true
			cancel()
		}
	}

	// 有界的有序停机: 排空归并器与计算器
	shutdownDone := make(chan error, 1)
	go func() {
		mgr.Stop()
		if !calcExited {
			calcErr = <-calcDone
		}
		shutdownDone <- calcErr
	}()

	exitCode := 0
	select {
	case err := <-shutdownDone:
		if err != nil {
			logger.Error("计算器异常退出", zap.Error(err))
			exitCode = 1
		}
	case <-time.After(10 * time.Second):
		logger.Warn("关闭超时，强制退出")
		exitCode = 1
	}

	if csvWriter != nil {
		if err := csvWriter.Close(); err != nil {
			logger.Error("关闭输出文件失败", zap.Error(err))
			exitCode = 1
		}
		logger.Info("输出完成", zap.Uint64("rows", csvWriter.TotalRecords()))
	}

	logger.Info("处理完成",
		zap.Uint64("merged_records", mgr.TotalTasks()),
		zap.Uint64("parse_errors", mgr.ParseErrors()))

	os.Exit(exitCode)
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
