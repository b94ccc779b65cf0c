/*
Copyright 2025 Inkwell Authors.

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
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/inkwellhq/inkwell"
	"github.com/inkwellhq/inkwell/config"
	redis_db "github.com/inkwellhq/inkwell/internal/redis-db"
)

const (
	// maintenanceQueue carries the periodic drain and reconciliation ticks.
	maintenanceQueue = "inkwell:maintenance"

	taskDrainRetryQueue       = "retry_queue:drain"
	taskReconcileReservations = "reservations:reconcile"

	// Stale holds get an hour before the sweep considers them abandoned.
	reconcileOlderThan = time.Hour
	reconcileBatch     = 100
)

// drainRetryQueue runs one pass over the durable retry queue, re-driving
// deferred captures and account creations against the billing ledger.
func (i *inkwellInstance) drainRetryQueue(ctx context.Context, _ *asynq.Task) error {
	ctx, span := otel.Tracer("inkwell.retry_queue.worker").Start(ctx, "Drain Retry Queue From Cron Tick")
	defer span.End()

	result, err := i.inkwell.DrainRetryQueue(ctx)
	if err != nil {
		logrus.Error(err)
		return err
	}

	if result.Attempted > 0 {
		log.Printf(" [*] Retry queue drained: %d attempted, %d succeeded, %d rescheduled, %d permanently failed",
			result.Attempted, result.Succeeded, result.Failed, result.PermanentlyFailed)
	}
	return nil
}

// reconcileReservations sweeps stale ACTIVE reservations against ledger
// ground truth.
func (i *inkwellInstance) reconcileReservations(ctx context.Context, _ *asynq.Task) error {
	ctx, span := otel.Tracer("inkwell.reservation.worker").Start(ctx, "Reconcile Reservations From Cron Tick")
	defer span.End()

	resolved, err := i.inkwell.ReconcileReservations(ctx, reconcileOlderThan, reconcileBatch)
	if err != nil {
		logrus.Error(err)
		return err
	}

	if resolved > 0 {
		log.Printf(" [*] Reconciled %d stale reservations", resolved)
	}
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.AlertQueue] = 3
	queues[maintenanceQueue] = 1
	return queues
}

func redisConnOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %v", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	connOpt, err := redisConnOpt(conf)
	if err != nil {
		return nil, err
	}

	return asynq.NewServer(
		connOpt,
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(i *inkwellInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	mux.HandleFunc(cfg.Queue.AlertQueue, inkwell.ProcessWebhook)
	mux.HandleFunc(taskDrainRetryQueue, i.drainRetryQueue)
	mux.HandleFunc(taskReconcileReservations, i.reconcileReservations)
}

// periodicTaskProvider feeds the periodic task manager the drain and
// reconciliation schedules from config.
type periodicTaskProvider struct {
	conf *config.Configuration
}

func (p *periodicTaskProvider) GetConfigs() ([]*asynq.PeriodicTaskConfig, error) {
	return []*asynq.PeriodicTaskConfig{
		{
			Cronspec: p.conf.RetryQueue.DrainCron,
			Task:     asynq.NewTask(taskDrainRetryQueue, nil, asynq.Queue(maintenanceQueue)),
		},
		{
			Cronspec: "@every 1h",
			Task:     asynq.NewTask(taskReconcileReservations, nil, asynq.Queue(maintenanceQueue)),
		},
	}, nil
}

func initializePeriodicTasks(conf *config.Configuration) (*asynq.PeriodicTaskManager, error) {
	connOpt, err := redisConnOpt(conf)
	if err != nil {
		return nil, err
	}

	return asynq.NewPeriodicTaskManager(asynq.PeriodicTaskManagerOpts{
		RedisConnOpt:               connOpt,
		PeriodicTaskConfigProvider: &periodicTaskProvider{conf: conf},
		SyncInterval:               time.Minute,
	})
}

// workerCommands defines the "workers" command to start worker processes.
// The workers deliver operator alerts and run the retry-queue drain and
// reservation reconciliation on their cron schedules.
func workerCommands(i *inkwellInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start inkwell workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			phClient, shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(i, mux)

			mgr, err := initializePeriodicTasks(conf)
			if err != nil {
				log.Fatal(err)
			}

			// Run the cron scheduler alongside the worker server.
			go func() {
				if err := mgr.Run(); err != nil {
					log.Fatalf("could not run periodic task manager: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
