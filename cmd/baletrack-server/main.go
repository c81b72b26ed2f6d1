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
baletrack-server is the authoritative side of the bale pipeline: it owns the
relational store, issues season-scoped sequence numbers, performs idempotent
batch insertion, and pushes change signals to connected agents.

Target architecture:

Incoming REST call --> http.go
1. One handler per route parses parameters (http.go)
2. Database access and the sequence allocator live in database.go
3. Change signals fan out through notifier.go
*/

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.elastic.co/ecszap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/algodoeira/baletrack/internal"
)

var buildtime string
var shutdownEnabled bool

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

	zap.S().Infof("This is baletrack-server build date: %s", buildtime)

	// Read environment variables
	PQHost := "db"
	if os.Getenv("POSTGRES_HOST") != "" {
		PQHost = os.Getenv("POSTGRES_HOST")
	}
	PQPortString := "5432"
	if os.Getenv("POSTGRES_PORT") != "" {
		PQPortString = os.Getenv("POSTGRES_PORT")
	}
	PQPort, err := strconv.Atoi(PQPortString)
	if err != nil {
		zap.S().Errorf("Cannot parse POSTGRES_PORT: %s is not a number", PQPortString)
		return // Abort program
	}
	PQUser := os.Getenv("POSTGRES_USER")
	PQPassword := os.Getenv("POSTGRES_PASSWORD")
	PWDBName := os.Getenv("POSTGRES_DATABASE")
	PQSSLMode := "require"
	if os.Getenv("POSTGRES_SSLMODE") != "" {
		PQSSLMode = os.Getenv("POSTGRES_SSLMODE")
	}

	apiToken := os.Getenv("API_TOKEN")
	if apiToken == "" {
		zap.S().Warn("API_TOKEN not set, the API is unauthenticated")
	}

	listenAddress := ":8080"
	if os.Getenv("LISTEN_ADDRESS") != "" {
		listenAddress = os.Getenv("LISTEN_ADDRESS")
	}

	// The read cache runs memory-only when no redis is configured.
	redisURI := os.Getenv("REDIS_URI")
	if redisURI != "" {
		redisPassword := os.Getenv("REDIS_PASSWORD")
		internal.InitCache(redisURI, redisPassword, 0)
		zap.S().Debugf("Cache initialized with redis %s", redisURI)
	} else {
		internal.InitMemcache()
		zap.S().Debugf("Cache initialized memory-only")
	}

	health := healthcheck.NewHandler()
	shutdownEnabled = false
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	if redisURI != "" {
		// Degraded cache is a readiness problem, not a liveness one.
		health.AddReadinessCheck("redis", func() error {
			if !internal.IsRedisAvailable() {
				return errors.New("redis is not reachable")
			}
			return nil
		})
	}
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()

	SetupDB(PQUser, PQPassword, PWDBName, PQHost, PQPort, PQSSLMode)
	zap.S().Debugf("DB initialized: %s", PQHost)

	notifier = NewNotifier()

	gs := internal.NewGracefulShutdown(onShutdown)
	shutdownHandler = gs

	SetupRestAPI(apiToken, listenAddress)
	gs.Wait()
}

var shutdownHandler internal.GracefulShutdownHandler

// ShutdownApplicationGraceful is called when the database connection is lost
// or the listener cannot bind; the orchestrator restarts the pod.
func ShutdownApplicationGraceful() {
	shutdownEnabled = true
	if shutdownHandler != nil {
		shutdownHandler.Shutdown()
		return
	}
	_ = onShutdown()
	os.Exit(1)
}

func onShutdown() error {
	zap.S().Info("Closing database pool")
	shutdownEnabled = true
	// Give in-flight handlers a moment to finish before the pool goes away.
	time.Sleep(time.Second)
	ShutdownDB()
	return nil
}
