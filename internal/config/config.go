package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDriver        string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WSSendQueue    int
	WSInboundRate  int
	WSInboundBurst int

	// 首次部署时自动创建的管理员，用户名为空则跳过。
	AdminUsername string
	AdminPassword string
}

var defaults = map[string]any{
	"APP_PORT":                 "8080",
	"DATABASE_DRIVER":          "postgres",
	"DATABASE_DSN":             "host=localhost user=postgres password=postgres dbname=school port=5432 sslmode=disable TimeZone=UTC",
	"JWT_SECRET":               defaultJWTSecret,
	"APP_ENV":                  "dev",
	"ACCESS_TOKEN_TTL_MINUTES": 15,
	"REFRESH_TOKEN_TTL_DAYS":   7,
	"REDIS_ADDR":               "",
	"REDIS_PASSWORD":           "",
	"REDIS_DB":                 0,
	"WS_SEND_QUEUE":            256,
	"WS_INBOUND_RATE":          20,
	"WS_INBOUND_BURST":         40,
	"ADMIN_USERNAME":           "",
	"ADMIN_PASSWORD":           "",
}

// Load 从环境变量读取配置，缺失或非法的数值回退到默认值。
func Load() Config {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	return Config{
		Port:                  v.GetString("APP_PORT"),
		DatabaseDriver:        strings.ToLower(v.GetString("DATABASE_DRIVER")),
		DatabaseDSN:           v.GetString("DATABASE_DSN"),
		JWTSecret:             v.GetString("JWT_SECRET"),
		Env:                   v.GetString("APP_ENV"),
		AccessTokenTTLMinutes: positiveInt(v, "ACCESS_TOKEN_TTL_MINUTES"),
		RefreshTokenTTLDays:   positiveInt(v, "REFRESH_TOKEN_TTL_DAYS"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		RedisDB:               v.GetInt("REDIS_DB"),
		WSSendQueue:           positiveInt(v, "WS_SEND_QUEUE"),
		WSInboundRate:         positiveInt(v, "WS_INBOUND_RATE"),
		WSInboundBurst:        positiveInt(v, "WS_INBOUND_BURST"),
		AdminUsername:         v.GetString("ADMIN_USERNAME"),
		AdminPassword:         v.GetString("ADMIN_PASSWORD"),
	}
}

// positiveInt 读取整数配置；viper 对无法解析的字符串返回 0，统一按默认值处理。
func positiveInt(v *viper.Viper, key string) int {
	n := v.GetInt(key)
	if n <= 0 {
		return defaults[key].(int)
	}
	return n
}

// Validate 检查启动必需的配置项。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is required")
	}
	switch cfg.DatabaseDriver {
	case "", "postgres", "sqlite":
	default:
		return errors.New("config: DATABASE_DRIVER must be postgres or sqlite")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: JWT_SECRET must be changed outside dev")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if cfg.AdminUsername != "" && len(cfg.AdminPassword) < 8 {
		return errors.New("config: ADMIN_PASSWORD must be at least 8 characters")
	}
	return nil
}
