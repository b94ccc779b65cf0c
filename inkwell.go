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

package inkwell

import (
	"embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inkwellhq/inkwell/config"
	"github.com/inkwellhq/inkwell/database"
	redis_db "github.com/inkwellhq/inkwell/internal/redis-db"
	"github.com/inkwellhq/inkwell/internal/resilience"
)

// Inkwell is the main service struct. It owns the local datasource, the
// resilient clients for the two downstream services (billing ledger and
// version snapshot), the task queue and the shared redis connection.
type Inkwell struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	ledger     *resilience.Client
	snapshot   *resilience.Client
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewInkwell initializes a new instance of Inkwell with the provided database
// datasource. It fetches the configuration and wires up the redis client, the
// task queue and the downstream service clients.
func NewInkwell(db database.IDataSource) (*Inkwell, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)

	ledgerClient := resilience.NewClient("ledger", configuration.Ledger.Url, resilience.ClientOptions{
		Secret:           configuration.Ledger.SecretKey,
		Timeout:          configuration.LedgerTimeout(),
		MaxRetries:       configuration.Ledger.MaxRetries,
		RetryBase:        time.Duration(configuration.Ledger.RetryBaseMs) * time.Millisecond,
		FailureThreshold: configuration.Ledger.FailureThreshold,
		RecoveryTimeout:  time.Duration(configuration.Ledger.RecoveryTimeSec) * time.Second,
	})
	snapshotClient := resilience.NewClient("snapshot", configuration.Snapshot.Url, resilience.ClientOptions{
		Secret:  configuration.Snapshot.SecretKey,
		Timeout: time.Duration(configuration.Snapshot.TimeoutSec) * time.Second,
	})

	newInkwell := &Inkwell{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		ledger:     ledgerClient,
		snapshot:   snapshotClient,
	}
	return newInkwell, nil
}

// LedgerClient exposes the ledger's resilient client, mainly so the API layer
// can report breaker state on the health endpoint.
func (l *Inkwell) LedgerClient() *resilience.Client {
	return l.ledger
}

// SnapshotClient exposes the snapshot service's resilient client.
func (l *Inkwell) SnapshotClient() *resilience.Client {
	return l.snapshot
}

// PendingAlerts reports how many operator-alert tasks are waiting for
// delivery.
func (l *Inkwell) PendingAlerts() (int, error) {
	conf, err := config.Fetch()
	if err != nil {
		return 0, err
	}
	return l.queue.PendingAlerts(conf.Queue.AlertQueue)
}
