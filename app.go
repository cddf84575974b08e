package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"GoInterviewAnalyzer/internal/audit"
	"GoInterviewAnalyzer/internal/classifier"
	"GoInterviewAnalyzer/internal/config"
	"GoInterviewAnalyzer/internal/database"
	"GoInterviewAnalyzer/internal/feedback"
	"GoInterviewAnalyzer/internal/pipeline"
	"GoInterviewAnalyzer/internal/session"
)

// app 按配置装配好的分析流水线及其需要释放的资源
type app struct {
	config   *config.AnalyzerConfig
	analyzer *pipeline.Analyzer
	registry *session.Registry
	audit    *audit.Logger
	pool     *pgxpool.Pool
	closers  []func() error
}

// buildApp 装配审计、总结存储、分类器和流水线
func buildApp(ctx context.Context, cfg *config.AnalyzerConfig) (*app, error) {
	a := &app{config: cfg}

	auditLog, err := audit.OpenLogger(cfg.Audit.LogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.audit = auditLog

	files, err := audit.NewFileSummaryStore(cfg.Audit.SummaryDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open summary dir: %w", err)
	}
	stores := []audit.SummaryStore{files}

	if cfg.Database.Enabled {
		pool, err := database.Open(ctx, cfg.PoolConfig())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		stores = append(stores, audit.NewPostgresSummaryStore(pool))
	}

	emotions, postures, err := a.buildClassifiers(cfg.Classifier)
	if err != nil {
		a.Close()
		return nil, err
	}

	var table *feedback.Table
	if cfg.Feedback.TablePath != "" {
		if table, err = feedback.Load(cfg.Feedback.TablePath); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.registry = session.NewRegistry(cfg.SessionOptions())
	a.analyzer = pipeline.New(pipeline.Deps{
		Registry:  a.registry,
		Emotions:  emotions,
		Postures:  postures,
		Feedback:  table,
		Audit:     auditLog,
		Summaries: audit.NewSummaryWriter(stores...),
	}, pipeline.Options{
		TruncateAuditOnStart: cfg.Audit.TruncateOnSessionStart,
		SampleInterval:       cfg.Batch.SampleInterval,
		DefaultFPS:           cfg.Batch.DefaultFPS,
	})
	return a, nil
}

func (a *app) buildClassifiers(cfg config.ClassifierConfig) (classifier.EmotionClassifier, classifier.PostureClassifier, error) {
	if cfg.Mode == config.ClassifierMock {
		log.Printf("Using mock classifiers")
		mock := classifier.NewMock()
		return mock, mock, nil
	}

	if err := classifier.InitRuntime(cfg.ONNX.LibraryPath); err != nil {
		return nil, nil, fmt.Errorf("init onnxruntime: %w", err)
	}
	pose, err := classifier.NewPoseModel(cfg.ONNX.PoseModel, cfg.PosePresenceThreshold)
	if err != nil {
		return nil, nil, fmt.Errorf("load pose model: %w", err)
	}
	a.closers = append(a.closers, pose.Close)

	emotion, err := classifier.NewEmotionModel(classifier.EmotionModelConfig{
		Path:                cfg.ONNX.EmotionModel,
		Labels:              cfg.EmotionLabels,
		LabelMap:            cfg.LabelMap,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	}, pose)
	if err != nil {
		return nil, nil, fmt.Errorf("load emotion model: %w", err)
	}
	a.closers = append(a.closers, emotion.Close)

	log.Printf("Loaded ONNX models: emotion=%s pose=%s", cfg.ONNX.EmotionModel, cfg.ONNX.PoseModel)
	return emotion, pose, nil
}

// Close 释放模型、连接池和审计日志
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("Close model failed: %v", err)
		}
	}
	a.closers = nil

	database.Close(a.pool)
	a.pool = nil

	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			log.Printf("Close audit log failed: %v", err)
		}
		a.audit = nil
	}
}
