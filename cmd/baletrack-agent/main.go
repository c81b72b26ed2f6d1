// Copyright 2024 Algodoeira Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

/*
baletrack-agent runs on field and yard devices. Every mutation is applied to
the local sqlite store first; when the server is genuinely reachable the sync
engine drains the pending-operation queue. The device keeps working through
coverage holes, that is the whole point.
*/

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.elastic.co/ecszap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/algodoeira/baletrack/internal"
	"github.com/algodoeira/baletrack/internal/connectivity"
	"github.com/algodoeira/baletrack/internal/localstore"
	"github.com/algodoeira/baletrack/internal/syncengine"
)

var buildtime string

const healthTimeout = 5 * time.Second

func main() {
	var logLevel = os.Getenv("LOGGING_LEVEL")
	encoderConfig := ecszap.NewDefaultEncoderConfig()
	var core zapcore.Core
	switch logLevel {
	case "DEVELOPMENT":
		core = ecszap.NewCore(encoderConfig, os.Stdout, zap.DebugLevel)
	default:
		core = ecszap.NewCore(encoderConfig, os.Stdout, zap.InfoLevel)
	}
	logger := zap.New(core, zap.AddCaller())
	zap.ReplaceGlobals(logger)
	defer func() {
		_ = logger.Sync()
	}()

	zap.S().Infof("This is baletrack-agent build date: %s", buildtime)

	serverURL, serverURLEnvSet := os.LookupEnv("SERVER_URL")
	if !serverURLEnvSet {
		zap.S().Fatal("Server URL (SERVER_URL) must be set")
	}
	dataDir, dataDirEnvSet := os.LookupEnv("DATA_DIR")
	if !dataDirEnvSet {
		dataDir = "/data/baletrack"
	}
	apiToken := os.Getenv("API_TOKEN")

	syncInterval := 30 * time.Second
	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			zap.S().Fatalf("Cannot parse SYNC_INTERVAL: %s", err)
		}
		syncInterval = parsed
	}

	// Field devices have no redis, the read cache is memory-only.
	internal.InitMemcache()

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(100))
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		zap.S().Fatalf("Cannot create data dir %s: %s", dataDir, err)
	}
	store, err := localstore.Open(dataDir + "/baletrack.db")
	if err != nil {
		zap.S().Fatalf("Cannot open local store: %s", err)
	}

	api := syncengine.NewClient(serverURL, apiToken, &http.Client{Timeout: 30 * time.Second})
	probe := connectivity.New(api.HealthURL())
	engine := syncengine.New(store, api, probe)

	ctx, cancel := context.WithCancel(context.Background())

	gs := internal.NewGracefulShutdown(func() error {
		cancel()
		return store.Close()
	})

	// A confirmed offline-to-online edge kicks a drain immediately.
	probe.OnTransition(func(online bool) {
		if !online {
			return
		}
		go func() {
			session, err := engine.Drain(ctx)
			if err != nil {
				zap.S().Warnf("Drain after reconnect failed: %s", err)
				return
			}
			zap.S().Infow("Drain after reconnect done",
				"processed", session.ProcessedOps, "failed", session.FailedOps)
		}()
	})

	// Mount-time probe: sync whatever piled up while the process was down.
	if probe.IsReallyOnline(ctx, healthTimeout) {
		if _, err := engine.Drain(ctx); err != nil {
			zap.S().Warnf("Startup drain failed: %s", err)
		}
		if err := engine.RefreshSnapshots(ctx); err != nil {
			zap.S().Warnf("Startup snapshot fetch failed: %s", err)
		}
	}

	go probeLoop(ctx, probe, engine, syncInterval)
	go eventLoop(ctx, api, engine, probe)

	gs.Wait()
}

// probeLoop periodically confirms reachability and drains while online. The
// drain itself is single-flight, overlapping triggers collapse into one.
func probeLoop(ctx context.Context, probe *connectivity.Probe, engine *syncengine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !probe.IsReallyOnline(ctx, healthTimeout) {
			continue
		}
		session, err := engine.Drain(ctx)
		if err != nil {
			zap.S().Warnf("Periodic drain failed: %s", err)
			continue
		}
		if session.TotalOps > 0 {
			zap.S().Infow("Periodic drain done",
				"processed", session.ProcessedOps, "failed", session.FailedOps)
		}
	}
}

// eventLoop holds an event-stream subscription open while the server is
// reachable. Signals only invalidate and refetch; a missed signal is
// harmless because probeLoop refetches via drains anyway.
func eventLoop(ctx context.Context, api *syncengine.Client, engine *syncengine.Engine, probe *connectivity.Probe) {
	var retries int64
	for {
		if ctx.Err() != nil {
			return
		}
		if !probe.IsOnline() {
			internal.SleepBackedOff(retries, time.Second, 30*time.Second)
			retries++
			continue
		}
		events, err := api.Subscribe(ctx)
		if err != nil {
			internal.SleepBackedOff(retries, time.Second, 30*time.Second)
			retries++
			continue
		}
		retries = 0
		zap.S().Info("Subscribed to server change events")
		for range events {
			internal.InvalidateCollection(syncengine.CacheCollectionBales)
			if err := engine.RefreshSnapshots(ctx); err != nil {
				zap.S().Debugf("Snapshot refresh after change signal failed: %s", err)
			}
		}
	}
}
