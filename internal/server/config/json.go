package config

import (
	"os"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/flagx"
	"github.com/dmitrijs2005/budgetsync/internal/timex"
	"github.com/goccy/go-json"
)

// JsonConfig is the on-disk shape of the configuration file. Durations accept
// strings such as "30s" or integer nanoseconds.
type JsonConfig struct {
	EndpointAddrGRPC            string         `json:"endpoint_addr_grpc"`
	EndpointAddrHTTP            string         `json:"endpoint_addr_http"`
	Storage                     string         `json:"storage"`
	DatabaseDSN                 string         `json:"database_dsn"`
	SecretKey                   string         `json:"secret_key"`
	AccessTokenValidityDuration timex.Duration `json:"access_token_validity_duration"`
	LedgerRetention             timex.Duration `json:"ledger_retention"`
	CompactionInterval          timex.Duration `json:"compaction_interval"`
	CompactionBatchSize         int            `json:"compaction_batch_size"`
	IdempotencyTTL              timex.Duration `json:"idempotency_ttl"`
	RoleCacheTTL                timex.Duration `json:"role_cache_ttl"`
	PullPageSize                int            `json:"pull_page_size"`
	MaxPullPageSize             int            `json:"max_pull_page_size"`
	EntityLockRetries           int            `json:"entity_lock_retries"`
	LogLevel                    string         `json:"log_level"`
	LogFile                     string         `json:"log_file"`
	CORSOrigins                 []string       `json:"cors_origins"`
	S3RootUser                  string         `json:"s3_root_user"`
	S3RootPassword              string         `json:"s3_root_password"`
	S3Bucket                    string         `json:"s3_bucket"`
	S3Region                    string         `json:"s3_region"`
	S3BaseEndpoint              string         `json:"s3_base_endpoint"`
}

// parseJson loads the file named by -c/-config, if any, and copies every
// value it sets into config. A missing or malformed file panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.ConfigFile(os.Args[1:])
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.Storage, c.Storage)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setDuration(&config.AccessTokenValidityDuration, c.AccessTokenValidityDuration)
	setDuration(&config.LedgerRetention, c.LedgerRetention)
	setDuration(&config.CompactionInterval, c.CompactionInterval)
	setInt(&config.CompactionBatchSize, c.CompactionBatchSize)
	setDuration(&config.IdempotencyTTL, c.IdempotencyTTL)
	setDuration(&config.RoleCacheTTL, c.RoleCacheTTL)
	setInt(&config.PullPageSize, c.PullPageSize)
	setInt(&config.MaxPullPageSize, c.MaxPullPageSize)
	setInt(&config.EntityLockRetries, c.EntityLockRetries)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.LogFile, c.LogFile)
	if len(c.CORSOrigins) > 0 {
		config.CORSOrigins = c.CORSOrigins
	}
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
