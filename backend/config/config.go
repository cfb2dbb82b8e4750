package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Log struct {
		Level   string `mapstructure:"level"`
		Console bool   `mapstructure:"console"`
	} `mapstructure:"log"`
	Store struct {
		// memory | mysql | postgres | bolt
		Driver   string `mapstructure:"driver"`
		BoltPath string `mapstructure:"boltPath"`
	} `mapstructure:"store"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Postgres struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"postgres"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queueSize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxRetry"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 为空时不鉴权，身份取自 ?userId=&username=
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	HTTP struct {
		Cors           bool     `mapstructure:"cors"`
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"http"`
	Sync struct {
		CheckpointInterval  time.Duration `mapstructure:"checkpointInterval"`
		CheckpointThreshold int           `mapstructure:"checkpointThreshold"`
		HotWindow           int           `mapstructure:"hotWindow"`
		ResendInterval      time.Duration `mapstructure:"resendInterval"`
		MailboxSize         int           `mapstructure:"mailboxSize"`
		MailboxTimeout      time.Duration `mapstructure:"mailboxTimeout"`
		SnapshotEvery       int           `mapstructure:"snapshotEvery"`
		HistoryLimit        int           `mapstructure:"historyLimit"`
		MaxConcurrentOpens  int           `mapstructure:"maxConcurrentOpens"`
	} `mapstructure:"sync"`
	WS struct {
		PingInterval time.Duration `mapstructure:"pingInterval"`
		PongWait     time.Duration `mapstructure:"pongWait"`
		SendQueue    int           `mapstructure:"sendQueue"`
		PresenceTTL  time.Duration `mapstructure:"presenceTTL"`
	} `mapstructure:"ws"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.boltPath", "collab.db")
	// 空默认值让这些键也能被 COLLAB_* 环境变量覆盖
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("postgres.url", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("auth.path", "")
	v.SetDefault("kafka.topic", "collab.revisions")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("http.cors", true)
	v.SetDefault("sync.checkpointInterval", 600*time.Millisecond)
	v.SetDefault("sync.checkpointThreshold", 32)
	v.SetDefault("sync.resendInterval", 2*time.Second)
	v.SetDefault("sync.mailboxSize", 256)
	v.SetDefault("sync.mailboxTimeout", 5*time.Second)
	v.SetDefault("sync.snapshotEvery", 50)
	v.SetDefault("sync.historyLimit", 100)
	v.SetDefault("sync.maxConcurrentOpens", 100)
	v.SetDefault("ws.pingInterval", 10*time.Second)
	v.SetDefault("ws.pongWait", 30*time.Second)
	v.SetDefault("ws.sendQueue", 256)
	v.SetDefault("ws.presenceTTL", 60*time.Second)
}

// Load path 为空时按 collabConfig.yaml 在常用目录里找，找不到就只用默认值和环境变量。
// 环境变量前缀 COLLAB_，例如 COLLAB_MYSQL_DSN、COLLAB_SYNC_MAILBOXSIZE
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "bolt":
	case "mysql":
		if c.Mysql.DSN == "" {
			return errors.New("config: store.driver=mysql requires mysql.dsn")
		}
	case "postgres":
		if c.Postgres.URL == "" {
			return errors.New("config: store.driver=postgres requires postgres.url")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Running.Port <= 0 {
		return fmt.Errorf("config: invalid running.port %d", c.Running.Port)
	}
	return nil
}
