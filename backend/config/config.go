package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	// DSN 为空时使用内存目录和内存快照
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	// Addrs 为空时不同步 presence
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	// Brokers 为空时不导出事件
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Workers int      `mapstructure:"workers"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
		Issuer string `mapstructure:"issuer"`
	} `mapstructure:"auth"`
	Domain struct {
		BasePath    string        `mapstructure:"basePath"`
		LockWaitMax time.Duration `mapstructure:"lockWaitMax"`
	} `mapstructure:"domain"`
	Push struct {
		QueueSize int `mapstructure:"queueSize"`
	} `mapstructure:"push"`
	Limit struct {
		InFlight int           `mapstructure:"inFlight"`
		Wait     time.Duration `mapstructure:"wait"`
	} `mapstructure:"limit"`
	Cors struct {
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"cors"`
}

// Load 读取 cremaConfig.yaml；CREMA_RUNNING_PORT 这样的环境变量覆盖文件里的值
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("cremaConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("CREMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("running.port", 4004)
	v.SetDefault("kafka.topic", "crema.domain.events")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("domain.basePath", "./data/domains")
	v.SetDefault("domain.lockWaitMax", 30*time.Second)
	v.SetDefault("push.queueSize", 256)
	v.SetDefault("limit.inFlight", 100)
	v.SetDefault("limit.wait", 200*time.Millisecond)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read cremaConfig")
		}
		// 没有配置文件时完全依赖默认值和环境变量
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal cremaConfig")
	}
	return cfg, nil
}
