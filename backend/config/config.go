package config

import (
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

type Peer struct {
	// Key 是本地资源名，URL 形如 http://host:port/<远端 key>
	Key string `mapstructure:"key"`
	URL string `mapstructure:"url"`
}

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Store struct {
		Dir string `mapstructure:"dir"`
		// CaseInsensitive: "auto" / "true" / "false"
		CaseInsensitive string `mapstructure:"caseInsensitive"`
	} `mapstructure:"store"`
	Meta struct {
		Path     string        `mapstructure:"path"`
		Debounce time.Duration `mapstructure:"debounce"`
	} `mapstructure:"meta"`
	Admission struct {
		MaxBytes int64         `mapstructure:"maxBytes"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"admission"`
	Collab struct {
		LengthCacheSize             int           `mapstructure:"lengthCacheSize"`
		ValidateAlreadySeenVersions bool          `mapstructure:"validateAlreadySeenVersions"`
		PresenceTTL                 time.Duration `mapstructure:"presenceTTL"`
		WsConcurrency               int           `mapstructure:"wsConcurrency"`
	} `mapstructure:"collab"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Peers []Peer `mapstructure:"peers"`
}

// Load 读取 name.yaml；兼容从项目根目录或 backend 目录启动
func Load(name string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("BRAID")
	v.AutomaticEnv()

	v.SetDefault("running.port", 8080)
	v.SetDefault("store.dir", "./braid-text-db")
	v.SetDefault("store.caseInsensitive", "auto")
	v.SetDefault("meta.path", "./braid-text-db/meta.db")
	v.SetDefault("meta.debounce", 100*time.Millisecond)
	v.SetDefault("admission.maxBytes", 64<<20)
	v.SetDefault("admission.timeout", 3*time.Second)
	v.SetDefault("collab.lengthCacheSize", 256)
	v.SetDefault("collab.presenceTTL", time.Minute)
	v.SetDefault("collab.wsConcurrency", 64)
	v.SetDefault("kafka.topic", "braid-text-puts")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// String 用于启动日志，不包含 redis 密码和 mysql 口令
func (c *Config) String() string {
	redisAuth := "none"
	if c.Redis.Password != "" {
		redisAuth = "set"
	}
	return fmt.Sprintf("port=%d store=%s(case=%s) meta=%s admission=%d/%v collab{lengthCache=%d validateSeen=%v presenceTTL=%v ws=%d} redis=%v(auth=%s) mysql=%s kafka=%v/%s peers=%d",
		c.Running.Port, c.Store.Dir, c.Store.CaseInsensitive, c.Meta.Path,
		c.Admission.MaxBytes, c.Admission.Timeout,
		c.Collab.LengthCacheSize, c.Collab.ValidateAlreadySeenVersions, c.Collab.PresenceTTL, c.Collab.WsConcurrency,
		c.Redis.Addrs, redisAuth, redactDSN(c.Mysql.DSN), c.Kafka.Brokers, c.Kafka.Topic, len(c.Peers))
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return "none"
	}
	m, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "invalid"
	}
	return fmt.Sprintf("%s@%s(%s)/%s", m.User, m.Net, m.Addr, m.DBName)
}
