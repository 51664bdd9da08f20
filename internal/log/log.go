// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package log is the process wide logger of the zenpvm binary. Library
// packages log through an injected hclog.Logger instead.
package log

import (
	"context"
	"sync"

	"github.com/pbinitiative/zenpvm/internal/appcontext"
	"github.com/pbinitiative/zenpvm/internal/profile"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop().Sugar()
)

// Init builds the logger for the current profile: a console logger for DEV
// and TEST, JSON at info level for PROD.
func Init() {
	var cfg zap.Config
	switch profile.Current {
	case profile.PROD:
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	SetLogger(l)
}

// SetLogger replaces the process wide logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l.Sugar()
}

func Default() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Sync() {
	_ = Default().Sync()
}

func Info(format string, args ...any) {
	Default().Infof(format, args...)
}

func Error(format string, args ...any) {
	Default().Errorf(format, args...)
}

func withContext(ctx context.Context) *zap.SugaredLogger {
	l := Default()
	if key, ok := appcontext.ProcessInstanceKeyFromContext(ctx); ok {
		l = l.With("processInstanceKey", key)
	}
	if worker, ok := appcontext.WorkerIdFromContext(ctx); ok {
		l = l.With("worker", worker)
	}
	return l
}

func Infof(ctx context.Context, format string, args ...any) {
	withContext(ctx).Infof(format, args...)
}

func Warnf(ctx context.Context, format string, args ...any) {
	withContext(ctx).Warnf(format, args...)
}

func Errorf(ctx context.Context, format string, args ...any) {
	withContext(ctx).Errorf(format, args...)
}
