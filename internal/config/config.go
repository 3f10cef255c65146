package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	SSH       SSHConfig
	Workers   WorkersConfig
	Healing   HealingConfig
	Backup    BackupConfig
	Discovery DiscoveryConfig
	Metadata  MetadataConfig
	Mimir     MimirConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
	MigrationsAuto bool
}

type RedisConfig struct {
	URL string
}

type AuthConfig struct {
	JWTSecret string
}

type SSHConfig struct {
	CommandTimeout  time.Duration
	ConnectTimeout  time.Duration
	MaxAttempts     int
	KnownHostsFile  string
	SessionsPerSec  float64
	SessionBurst    int
	CommandLogChars int
}

// WorkersConfig sizes the task pools. These are tunables, not architecture.
type WorkersConfig struct {
	Discovery          int
	Metadata           int
	SubdomainDetection int
	TechStackDetection int
	Diagnosis          int
	PollTimeout        time.Duration
	SweepInterval      time.Duration
}

type HealingConfig struct {
	CircuitCooldown     time.Duration
	LockTTL             time.Duration
	DetectionMaxRetries int
	DetectionRetryAfter time.Duration
	AutoHeal            bool
}

type BackupConfig struct {
	Root string
	Keep int
}

type DiscoveryConfig struct {
	Paths     []string
	ChunkSize int
	MaxDepth  int
}

type MetadataConfig struct {
	Resolver      string
	LookupWhois   bool
	LookupTimeout time.Duration
}

type MimirConfig struct {
	URL           string
	TenantHeader  string
	TenantID      string
	BatchSize     int
	FlushInterval time.Duration
	AuthToken     string
}

func Load() (*Config, error) {
	// A local .env is optional; real deployments inject the environment.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("HEALER")
	viper.AutomaticEnv()

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("database.migrationsauto", true)
	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("ssh.commandtimeout", "60s")
	viper.SetDefault("ssh.connecttimeout", "10s")
	viper.SetDefault("ssh.maxattempts", 3)
	viper.SetDefault("ssh.sessionspersec", 5)
	viper.SetDefault("ssh.sessionburst", 5)
	viper.SetDefault("ssh.commandlogchars", 100)
	viper.SetDefault("workers.discovery", 4)
	viper.SetDefault("workers.metadata", 10)
	viper.SetDefault("workers.subdomaindetection", 10)
	viper.SetDefault("workers.techstackdetection", 10)
	viper.SetDefault("workers.diagnosis", 4)
	viper.SetDefault("workers.polltimeout", "5s")
	viper.SetDefault("workers.sweepinterval", "15m")
	viper.SetDefault("healing.circuitcooldown", "1h")
	viper.SetDefault("healing.lockttl", "15m")
	viper.SetDefault("healing.detectionmaxretries", 3)
	viper.SetDefault("healing.detectionretryafter", "1h")
	viper.SetDefault("healing.autoheal", true)
	viper.SetDefault("backup.root", "/var/backups/site-healer")
	viper.SetDefault("backup.keep", 5)
	viper.SetDefault("discovery.paths", []string{"/home", "/var/www"})
	viper.SetDefault("discovery.chunksize", 50)
	viper.SetDefault("discovery.maxdepth", 4)
	viper.SetDefault("metadata.resolver", "1.1.1.1:53")
	viper.SetDefault("metadata.lookupwhois", true)
	viper.SetDefault("metadata.lookuptimeout", "10s")
	viper.SetDefault("mimir.tenantheader", "X-Scope-OrgID")
	viper.SetDefault("mimir.tenantid", "site-healer")
	viper.SetDefault("mimir.batchsize", 1000)
	viper.SetDefault("mimir.flushinterval", "30s")

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if url := os.Getenv("MIMIR_URL"); url != "" {
		cfg.Mimir.URL = url
	}
	if token := os.Getenv("MIMIR_AUTH_TOKEN"); token != "" {
		cfg.Mimir.AuthToken = token
	}

	return &cfg, nil
}
