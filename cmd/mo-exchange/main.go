// Copyright 2021 - 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/matrixorigin/moexchange/pkg/common/memmgr"
	"github.com/matrixorigin/moexchange/pkg/common/stopper"
	"github.com/matrixorigin/moexchange/pkg/config"
	"github.com/matrixorigin/moexchange/pkg/exchange/environment"
	"github.com/matrixorigin/moexchange/pkg/logutil"
	v2 "github.com/matrixorigin/moexchange/pkg/util/metric/v2"
)

var (
	configFile = flag.String("cfg", "./mo-exchange.toml", "toml configuration used to start mo-exchange")
	demo       = flag.Bool("demo", false, "run a local producer/consumer pipeline after start")
)

func main() {
	flag.Parse()

	cfg, err := config.ParseFile(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config from %s, error: %s", *configFile, err.Error()))
	}
	logutil.SetupMOLogger(&cfg.Log)

	stopper := stopper.NewStopper("main", stopper.WithLogger(logutil.GetGlobalLogger()))
	if err := startService(cfg, stopper); err != nil {
		panic(err)
	}
	waitSignalToStop(stopper)
}

func waitSignalToStop(stopper *stopper.Stopper) {
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGTERM, syscall.SIGINT)
	<-sigchan
	stopper.Stop()
}

func startService(cfg *config.Config, stopper *stopper.Stopper) error {
	if cfg.Metric.Enable {
		if err := startMetricServer(cfg.Metric, stopper); err != nil {
			return err
		}
	}

	mm, err := memmgr.New(
		memmgr.WithMemorySize(cfg.Memory.Size),
		memmgr.WithPageSize(cfg.Memory.PageSize),
		memmgr.WithKind(cfg.Memory.MemoryKind()),
		memmgr.WithPreAllocate(cfg.Memory.PreAllocate),
		memmgr.WithLogger(logutil.GetNamedLogger("memory-manager")))
	if err != nil {
		return err
	}
	env, err := environment.New(cfg.Network,
		environment.WithLogger(logutil.GetNamedLogger("network-environment")),
		environment.WithMemoryManager(mm))
	if err != nil {
		mm.Shutdown()
		return err
	}

	return stopper.RunNamedTask("exchange-service", func(ctx context.Context) {
		if *demo {
			if err := runDemo(ctx, env); err != nil {
				logutil.Error("demo pipeline failed", zap.Error(err))
			}
		}
		<-ctx.Done()
		if err := env.Shutdown(); err != nil {
			logutil.Error("failed to shut down network environment", zap.Error(err))
		}
		mm.Shutdown()
	})
}

func startMetricServer(cfg config.MetricConfig, stopper *stopper.Stopper) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", v2.Handler())
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return stopper.RunNamedTask("metric-server", func(ctx context.Context) {
		go func() {
			<-ctx.Done()
			_ = server.Close()
		}()
		logutil.Info("metric server started", zap.String("address", cfg.ListenAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logutil.Error("metric server stopped", zap.Error(err))
		}
	})
}
