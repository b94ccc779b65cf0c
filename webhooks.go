/*
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
	"context"
	"encoding/json"
	"log"

	"github.com/hibiken/asynq"

	"github.com/inkwellhq/inkwell/config"
	"github.com/inkwellhq/inkwell/internal/notification"
)

// Alert event names delivered to the operator webhook.
const (
	EventRetryFailedPermanent = "retry_queue.failed_permanent"
	EventReservationOrphaned  = "reservation.orphaned"
	EventSagaPartialRollback  = "saga.partial_rollback"
)

// NewWebhook represents the structure of an operator alert delivered through
// the webhook queue.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the alert.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// SendWebhook enqueues an operator alert for asynchronous delivery. Delivery
// goes through asynq so a slow or down webhook endpoint never blocks the
// operation that raised the alert.
func (l *Inkwell) SendWebhook(newWebhook NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	payload, err := json.Marshal(newWebhook)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{asynq.Queue(conf.Queue.AlertQueue)}
	task := asynq.NewTask(conf.Queue.AlertQueue, payload, taskOptions...)
	info, err := l.queue.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

// ProcessWebhook delivers an operator alert task from the queue.
func ProcessWebhook(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		log.Printf("Error unmarshaling task payload: %v", err)
		return err
	}
	log.Printf("Processing alert: %+v\n", payload.Event)
	return notification.WebhookNotification(payload)
}
