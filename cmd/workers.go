/*
Copyright 2024 Blnk Finance Authors.

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
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"go.opentelemetry.io/otel"

	"github.com/vendhub/recon"
	"github.com/vendhub/recon/config"
	"github.com/vendhub/recon/internal/lock"
	redis_db "github.com/vendhub/recon/internal/redis-db"
)

const executionLeaseTTL = 5 * time.Minute

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// runExecutor is the part of the engine the worker drives.
type runExecutor interface {
	ExecuteRun(ctx context.Context, runID string) error
}

// leaseFunc returns the lease that keeps a run's execution on one worker.
type leaseFunc func(runID string) *lock.Lease

// executeRunHandler returns the asynq handler for TypeExecuteRun tasks. Failures that a
// retry cannot fix are marked with SkipRetry; the run is already failed in storage.
func executeRunHandler(engine runExecutor, leases leaseFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("recon.worker").Start(ctx, "Process Run From Redis Queue")
		defer span.End()

		runID, err := recon.ParseExecuteRunTask(t)
		if err != nil {
			logrus.Error(err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		if leases != nil {
			lease := leases(runID)
			if err := lease.Acquire(ctx); err != nil {
				return err
			}
			stop := lease.KeepAlive(ctx)
			defer func() {
				stop()
				if err := lease.Release(context.Background()); err != nil {
					logrus.WithField("run_id", runID).Warnf("execution lease not released: %v", err)
				}
			}()
		}

		if err := engine.ExecuteRun(ctx, runID); err != nil {
			span.RecordError(err)
			if !recon.IsRetryable(err) {
				logrus.WithField("run_id", runID).Errorf("run failed permanently: %v", err)
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			retryCount, _ := asynq.GetRetryCount(ctx)
			logrus.WithField("run_id", runID).Infof("run pushed back for retry (attempt %d): %v", retryCount, err)
			return err
		}

		log.Println(" [*] Run Processed", runID)
		return nil
	}
}

func initializeWorkerServer(conf *config.Configuration) (*asynq.Server, error) {
	opt, err := recon.RedisClientOpt(conf)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(opt, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      map[string]int{conf.Queue.ExecutionQueue: 1},
	}), nil
}

func initializeMonitoring(conf *config.Configuration) (http.Handler, error) {
	opt, err := recon.RedisClientOpt(conf)
	if err != nil {
		return nil, err
	}
	return asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	}), nil
}

// workerCommands defines the "workers" command that executes started runs from the queue.
func workerCommands(r *reconInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start reconciliation workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := r.cnf

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, err := initializeWorkerServer(conf)
			if err != nil {
				log.Fatal(err)
			}

			redisClient, err := redis_db.NewRedisClient([]string{conf.Redis.Dns}, conf.Redis.SkipTLSVerify)
			if err != nil {
				log.Fatal(err)
			}
			leases := func(runID string) *lock.Lease {
				return lock.NewLease(redisClient.Client(), "recon:exec:"+runID, executionLeaseTTL)
			}

			mux := asynq.NewServeMux()
			mux.HandleFunc(recon.TypeExecuteRun, executeRunHandler(r.recon, leases))

			monitor, err := initializeMonitoring(conf)
			if err != nil {
				log.Fatal(err)
			}
			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, monitor); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
