package config

import (
	"os"
	"strings"

	"github.com/Netflix/go-env"
	"github.com/dmitrijs2005/budgetsync/internal/timex"
)

// csv reads a comma separated list from the environment.
type csv []string

func (c *csv) UnmarshalEnvironmentValue(data string) error {
	var out []string
	for _, s := range strings.Split(data, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*c = out
	return nil
}

// EnvConfig lists the environment variables understood by the server.
type EnvConfig struct {
	EndpointAddrGRPC            string         `env:"BUDGETSYNC_GRPC_ADDRESS"`
	EndpointAddrHTTP            string         `env:"BUDGETSYNC_HTTP_ADDRESS"`
	Storage                     string         `env:"BUDGETSYNC_STORAGE"`
	DatabaseDSN                 string         `env:"DATABASE_URL"`
	SecretKey                   string         `env:"BUDGETSYNC_SECRET_KEY"`
	AccessTokenValidityDuration timex.Duration `env:"BUDGETSYNC_ACCESS_TOKEN_TTL"`
	LedgerRetention             timex.Duration `env:"BUDGETSYNC_LEDGER_RETENTION"`
	CompactionInterval          timex.Duration `env:"BUDGETSYNC_COMPACTION_INTERVAL"`
	CompactionBatchSize         int            `env:"BUDGETSYNC_COMPACTION_BATCH_SIZE"`
	IdempotencyTTL              timex.Duration `env:"BUDGETSYNC_IDEMPOTENCY_TTL"`
	RoleCacheTTL                timex.Duration `env:"BUDGETSYNC_ROLE_CACHE_TTL"`
	PullPageSize                int            `env:"BUDGETSYNC_PULL_PAGE_SIZE"`
	MaxPullPageSize             int            `env:"BUDGETSYNC_MAX_PULL_PAGE_SIZE"`
	EntityLockRetries           int            `env:"BUDGETSYNC_ENTITY_LOCK_RETRIES"`
	LogLevel                    string         `env:"BUDGETSYNC_LOG_LEVEL"`
	LogFile                     string         `env:"BUDGETSYNC_LOG_FILE"`
	CORSOrigins                 csv            `env:"BUDGETSYNC_CORS_ORIGINS"`
	S3RootUser                  string         `env:"S3_ACCESS_KEY"`
	S3RootPassword              string         `env:"S3_SECRET_KEY"`
	S3Bucket                    string         `env:"S3_BUCKET"`
	S3Region                    string         `env:"S3_REGION"`
	S3BaseEndpoint              string         `env:"S3_ENDPOINT"`
}

func parseEnv(config *Config) {
	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		panic(err)
	}
	parseEnvSet(config, es)
}

// parseEnvSet copies every variable present in es into config. Malformed
// values panic, as with the JSON file.
func parseEnvSet(config *Config, es env.EnvSet) {
	c := &EnvConfig{}
	if err := env.Unmarshal(es, c); err != nil {
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
