/*
Copyright 2024 The MotionLake Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/motionlake/motionlaked/pkg/api"
	"github.com/motionlake/motionlaked/pkg/blob"
	"github.com/motionlake/motionlaked/pkg/blob/azureblob"
	"github.com/motionlake/motionlaked/pkg/blob/localdisk"
	"github.com/motionlake/motionlaked/pkg/bridge"
	"github.com/motionlake/motionlaked/pkg/catalog"
	"github.com/motionlake/motionlaked/pkg/config"
	"github.com/motionlake/motionlaked/pkg/content"
	"github.com/motionlake/motionlaked/pkg/engine"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "motionlaked",
	Short: "motionlaked is a time-series blob store",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		levelStr, _ := cmd.Flags().GetString("log-level")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
		log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger().Level(level)

		env, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		cat, err := catalog.Open(ctx, env.DBURL, log)
		if err != nil {
			return fmt.Errorf("open catalog: %w", err)
		}
		defer cat.Close()

		blobs, err := newBlobStore(env, log)
		if err != nil {
			return fmt.Errorf("init blob store: %w", err)
		}

		br := bridge.New(content.NewRegistry(), log)
		metrics := engine.NewMetrics(prometheus.DefaultRegisterer)
		eng := engine.New(cat, blobs, br, log, engine.WithBufferSize(env.BufferSizeBytes), engine.WithMetrics(metrics))

		if err := eng.RecoverOnStartup(ctx); err != nil {
			log.Error().Err(err).Msg("startup recovery failed")
		}

		server := api.NewServer(eng, log)
		httpServer := &http.Server{
			Addr:    env.ListenAddr,
			Handler: server.Router(),
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", env.ListenAddr).Msg("listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info().Msg("shutting down")
		case err := <-errCh:
			log.Error().Err(err).Msg("server error")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}

func newBlobStore(env *config.Env, log zerolog.Logger) (blob.Store, error) {
	switch env.IOManager {
	case config.IOManagerAzureBlob:
		return azureblob.New(env.AzureStorageConnectionString, env.AzureStorageContainerName, log)
	default:
		return localdisk.New(env.StoragePath, log)
	}
}
