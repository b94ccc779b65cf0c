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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5401"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"INKWELL_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"INKWELL_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"INKWELL_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"INKWELL_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"INKWELL_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"INKWELL_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"INKWELL_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"INKWELL_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"INKWELL_REDIS_SKIP_TLS_VERIFY"`
}

// LedgerConfig describes the external billing ledger reached through the
// resilience layer. Breaker and retry tuning lives here so operators can
// adjust failure policy without a rebuild.
type LedgerConfig struct {
	Url              string `json:"url" envconfig:"INKWELL_LEDGER_URL"`
	SecretKey        string `json:"secret_key" envconfig:"INKWELL_LEDGER_SECRET_KEY"`
	TimeoutSec       int    `json:"timeout_sec" envconfig:"INKWELL_LEDGER_TIMEOUT_SEC"`
	MaxRetries       int    `json:"max_retries" envconfig:"INKWELL_LEDGER_MAX_RETRIES"`
	RetryBaseMs      int    `json:"retry_base_ms" envconfig:"INKWELL_LEDGER_RETRY_BASE_MS"`
	FailureThreshold int    `json:"failure_threshold" envconfig:"INKWELL_LEDGER_FAILURE_THRESHOLD"`
	RecoveryTimeSec  int    `json:"recovery_time_sec" envconfig:"INKWELL_LEDGER_RECOVERY_TIME_SEC"`
}

// SnapshotConfig describes the version-control snapshot service used as the
// second leg of the document publish saga.
type SnapshotConfig struct {
	Url        string `json:"url" envconfig:"INKWELL_SNAPSHOT_URL"`
	SecretKey  string `json:"secret_key" envconfig:"INKWELL_SNAPSHOT_SECRET_KEY"`
	TimeoutSec int    `json:"timeout_sec" envconfig:"INKWELL_SNAPSHOT_TIMEOUT_SEC"`
}

// PublishConfig holds the S3 location where published document files land.
type PublishConfig struct {
	AwsAccessKeyId     string `json:"aws_access_key_id"`
	AwsSecretAccessKey string `json:"aws_secret_access_key"`
	S3Endpoint         string `json:"s3_endpoint"`
	S3BucketName       string `json:"s3_bucket_name"`
	S3Region           string `json:"s3_region"`
}

// RetryQueueConfig tunes the durable retry queue for deferred operations.
type RetryQueueConfig struct {
	BaseDelaySec int    `json:"base_delay_sec" envconfig:"INKWELL_RETRY_QUEUE_BASE_DELAY_SEC"`
	MaxRetries   int    `json:"max_retries" envconfig:"INKWELL_RETRY_QUEUE_MAX_RETRIES"`
	DrainBatch   int    `json:"drain_batch" envconfig:"INKWELL_RETRY_QUEUE_DRAIN_BATCH"`
	DrainCron    string `json:"drain_cron" envconfig:"INKWELL_RETRY_QUEUE_DRAIN_CRON"`
}

type QueueConfig struct {
	AlertQueue string `json:"alert_queue"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"INKWELL_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"INKWELL_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"INKWELL_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"INKWELL_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"INKWELL_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Ledger          LedgerConfig     `json:"ledger"`
	Snapshot        SnapshotConfig   `json:"snapshot"`
	Publish         PublishConfig    `json:"publish"`
	RetryQueue      RetryQueueConfig `json:"retry_queue"`
	Queue           QueueConfig      `json:"queue"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("inkwell", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called inkwell.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Inkwell Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Ledger.Url == "" {
		log.Println("Error: Ledger URL is empty. It's a required field.")
		return errors.New("ledger URL is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Ledger.Url = strings.TrimSpace(cnf.Ledger.Url)
	cnf.Snapshot.Url = strings.TrimSpace(cnf.Snapshot.Url)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.applyResilienceDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// applyResilienceDefaults fills in breaker, retry and queue tuning that was
// left unset. Kept separate from validation so MockConfig can reuse it.
func (cnf *Configuration) applyResilienceDefaults() {
	if cnf.Ledger.TimeoutSec <= 0 {
		cnf.Ledger.TimeoutSec = 15
	}
	if cnf.Ledger.MaxRetries <= 0 {
		cnf.Ledger.MaxRetries = 3
	}
	if cnf.Ledger.RetryBaseMs <= 0 {
		cnf.Ledger.RetryBaseMs = 200
	}
	if cnf.Ledger.FailureThreshold <= 0 {
		cnf.Ledger.FailureThreshold = 5
	}
	if cnf.Ledger.RecoveryTimeSec <= 0 {
		cnf.Ledger.RecoveryTimeSec = 30
	}
	if cnf.Snapshot.TimeoutSec <= 0 {
		cnf.Snapshot.TimeoutSec = 15
	}

	if cnf.RetryQueue.BaseDelaySec <= 0 {
		cnf.RetryQueue.BaseDelaySec = 30
	}
	if cnf.RetryQueue.MaxRetries <= 0 {
		cnf.RetryQueue.MaxRetries = 5
	}
	if cnf.RetryQueue.DrainBatch <= 0 {
		cnf.RetryQueue.DrainBatch = 50
	}
	if cnf.RetryQueue.DrainCron == "" {
		// Every minute keeps the worst-case added latency below the first
		// backoff step.
		cnf.RetryQueue.DrainCron = "* * * * *"
	}

	if cnf.Queue.AlertQueue == "" {
		cnf.Queue.AlertQueue = "new:alert"
	}
}

// LedgerTimeout returns the per-call timeout for ledger requests.
func (cnf *Configuration) LedgerTimeout() time.Duration {
	return time.Duration(cnf.Ledger.TimeoutSec) * time.Second
}

// RetryBaseDelay returns the base delay of the retry queue schedule.
func (cnf *Configuration) RetryBaseDelay() time.Duration {
	return time.Duration(cnf.RetryQueue.BaseDelaySec) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.applyResilienceDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
