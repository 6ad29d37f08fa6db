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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5002"

	DefaultTimeTolerance   = 300
	DefaultAmountTolerance = 100
	DefaultLooseTimeWindow = 3600
	DefaultWorkers         = 4
	DefaultFetchRetries    = 3
	DefaultRunCacheTTLSec  = 600
	DefaultPageSize        = 50
	MaxPageSize            = 500
)

var ConfigStore atomic.Value

type ServerConfig struct {
	Secure    bool   `json:"secure" envconfig:"RECON_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"RECON_SERVER_SECRET_KEY"`
	Port      string `json:"port" envconfig:"RECON_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"RECON_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"RECON_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"RECON_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	ExecutionQueue   string `json:"execution_queue" envconfig:"RECON_QUEUE_EXECUTION_QUEUE"`
	Concurrency      int    `json:"concurrency" envconfig:"RECON_QUEUE_CONCURRENCY"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"RECON_QUEUE_MAX_RETRY_ATTEMPTS"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"RECON_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"RECON_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"RECON_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"RECON_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

// ReconciliationConfig carries engine defaults. Per-run values are taken from the run itself.
type ReconciliationConfig struct {
	DefaultTimeTolerance   int64    `json:"default_time_tolerance" envconfig:"RECON_RECONCILIATION_DEFAULT_TIME_TOLERANCE"`
	DefaultAmountTolerance int64    `json:"default_amount_tolerance" envconfig:"RECON_RECONCILIATION_DEFAULT_AMOUNT_TOLERANCE"`
	LooseTimeWindow        int64    `json:"loose_time_window" envconfig:"RECON_RECONCILIATION_LOOSE_TIME_WINDOW"`
	SourcePriority         []string `json:"source_priority" envconfig:"RECON_RECONCILIATION_SOURCE_PRIORITY"`
	TimeWeight             float64  `json:"time_weight" envconfig:"RECON_RECONCILIATION_TIME_WEIGHT"`
	AmountWeight           float64  `json:"amount_weight" envconfig:"RECON_RECONCILIATION_AMOUNT_WEIGHT"`
	Workers                int      `json:"workers" envconfig:"RECON_RECONCILIATION_WORKERS"`
	FetchRetries           *int     `json:"fetch_retries" envconfig:"RECON_RECONCILIATION_FETCH_RETRIES"`
	RunCacheTTLSec         int      `json:"run_cache_ttl_sec" envconfig:"RECON_RECONCILIATION_RUN_CACHE_TTL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"RECON_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type OtelExporter struct {
	OtlpProtocol string `json:"otlp_protocol" envconfig:"RECON_OTEL_EXPORTER_OTLP_PROTOCOL"`
	OtlpEndpoint string `json:"otlp_endpoint" envconfig:"RECON_OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtlpHeaders  string `json:"otlp_headers" envconfig:"RECON_OTEL_EXPORTER_OTLP_HEADERS"`
}

type Configuration struct {
	ProjectName     string               `json:"project_name" envconfig:"RECON_PROJECT_NAME"`
	EnableTelemetry bool                 `json:"enable_telemetry" envconfig:"RECON_ENABLE_TELEMETRY"`
	Server          ServerConfig         `json:"server"`
	DataSource      DataSourceConfig     `json:"data_source"`
	Redis           RedisConfig          `json:"redis"`
	Queue           QueueConfig          `json:"queue"`
	RateLimit       RateLimitConfig      `json:"rate_limit"`
	Reconciliation  ReconciliationConfig `json:"reconciliation"`
	Notification    Notification         `json:"notification"`
	Otel            OtelExporter         `json:"otel"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("recon", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called recon.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Vending Reconciliation"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Queue.ExecutionQueue == "" {
		cnf.Queue.ExecutionQueue = "reconciliation_runs"
	}
	if cnf.Queue.Concurrency <= 0 {
		cnf.Queue.Concurrency = 2
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 3
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}

	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return cnf.Reconciliation.addDefaults()
}

func (r *ReconciliationConfig) addDefaults() error {
	if r.DefaultTimeTolerance < 0 || r.DefaultAmountTolerance < 0 || r.LooseTimeWindow < 0 {
		return errors.New("reconciliation tolerances must not be negative")
	}
	if r.DefaultTimeTolerance == 0 {
		r.DefaultTimeTolerance = DefaultTimeTolerance
	}
	if r.DefaultAmountTolerance == 0 {
		r.DefaultAmountTolerance = DefaultAmountTolerance
	}
	if r.LooseTimeWindow == 0 {
		r.LooseTimeWindow = DefaultLooseTimeWindow
	}
	if r.TimeWeight < 0 || r.AmountWeight < 0 {
		return errors.New("reconciliation weights must not be negative")
	}
	if r.TimeWeight == 0 && r.AmountWeight == 0 {
		r.TimeWeight, r.AmountWeight = 0.5, 0.5
	}
	if r.Workers <= 0 {
		r.Workers = DefaultWorkers
	}
	if r.FetchRetries == nil {
		retries := DefaultFetchRetries
		r.FetchRetries = &retries
	} else if *r.FetchRetries < 0 {
		return errors.New("fetch_retries must not be negative")
	}
	if r.RunCacheTTLSec <= 0 {
		r.RunCacheTTLSec = DefaultRunCacheTTLSec
	}

	seen := make(map[string]bool, len(r.SourcePriority))
	for i, s := range r.SourcePriority {
		s = strings.TrimSpace(s)
		if seen[s] {
			return fmt.Errorf("source %q listed twice in source_priority", s)
		}
		seen[s] = true
		r.SourcePriority[i] = s
	}
	return nil
}

// WithDefaults returns a copy of r with defaults applied, for configurations stored
// through MockConfig that never went through validation.
func (r ReconciliationConfig) WithDefaults() (ReconciliationConfig, error) {
	r.SourcePriority = append([]string(nil), r.SourcePriority...)
	err := r.addDefaults()
	return r, err
}

// SetOtelExporterEnvs exports the configured OTLP settings to the variables read by the OTel exporters.
func SetOtelExporterEnvs() error {
	cnf, err := Fetch()
	if err != nil {
		return err
	}
	envs := map[string]string{
		"OTEL_EXPORTER_OTLP_PROTOCOL": cnf.Otel.OtlpProtocol,
		"OTEL_EXPORTER_OTLP_ENDPOINT": cnf.Otel.OtlpEndpoint,
		"OTEL_EXPORTER_OTLP_HEADERS":  cnf.Otel.OtlpHeaders,
	}
	for k, v := range envs {
		if v == "" {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
