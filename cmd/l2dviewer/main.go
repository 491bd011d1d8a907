// Package main is the entry point for the l2dview desktop viewer.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/l2dview/internal/config"
	"github.com/Faultbox/l2dview/internal/engine/audio"
	"github.com/Faultbox/l2dview/internal/logger"
	"github.com/Faultbox/l2dview/internal/metrics"
	"github.com/Faultbox/l2dview/internal/viewer"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	config.ParseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("=== l2dview ===")
	logger.Sugar.Debugf("Config: %+v", cfg)

	if err := run(cfg); err != nil {
		logger.Error("viewer error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("viewer closed normally")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	voice := audio.New(cfg.Audio.VoiceVolume)
	if err := voice.Init(cfg.Audio.SampleRate); err != nil {
		logger.Warn("voice playback disabled", zap.Error(err))
		voice = nil
	} else {
		defer voice.Close()
	}

	s, err := viewer.NewSession(cfg, viewer.Deps{Metrics: m, Voice: voice})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if cfg.Control.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Control.Addr,
			Handler:           viewer.NewControlHandler(s),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("control API listening", zap.String("addr", cfg.Control.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("control API failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("control API shutdown", zap.Error(err))
			}
		}()
	}

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
