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
	"log"

	"github.com/hibiken/asynq"

	"github.com/inkwellhq/inkwell/config"
	redis_db "github.com/inkwellhq/inkwell/internal/redis-db"
)

// Queue wraps the asynq client and inspector used for operator-alert webhooks
// and other deferred tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// PendingAlerts reports how many alert tasks are waiting for delivery, for the
// operator surface.
func (q *Queue) PendingAlerts(queueName string) (int, error) {
	info, err := q.Inspector.GetQueueInfo(queueName)
	if err != nil {
		return 0, err
	}
	return info.Pending, nil
}
