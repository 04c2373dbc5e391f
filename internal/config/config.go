package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Order        OrderConfig        `yaml:"order"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Notification NotificationConfig `yaml:"notification"`
	Synthetic    SyntheticConfig    `yaml:"synthetic"`
	Auth         AuthConfig         `yaml:"auth"`
}

type AppConfig struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	TestMode  bool   `yaml:"test_mode"`
}

type UpstreamConfig struct {
	AppID       string        `yaml:"app_id"`
	AppSecret   string        `yaml:"app_secret"`
	AccessToken string        `yaml:"access_token"`
	RedirectURI string        `yaml:"redirect_uri"`
	BaseURL     string        `yaml:"base_url"`
	AuthURL     string        `yaml:"auth_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffUnit time.Duration `yaml:"backoff_unit"`
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`
	Operations  Operations    `yaml:"operations"`
}

// MaxCallDuration is the longest a single upstream call can take: every attempt
// timing out plus the backoff between attempts.
func (u UpstreamConfig) MaxCallDuration() time.Duration {
	if u.MaxRetries < 1 {
		return u.Timeout
	}
	total := u.Timeout * time.Duration(u.MaxRetries)
	for attempt := 1; attempt < u.MaxRetries; attempt++ {
		total += u.BackoffUnit << (attempt - 1)
	}
	return total
}

// Operations holds the vendor operation names sent as the "type" field.
type Operations struct {
	OrderList     string `yaml:"order_list"`
	OrderDetail   string `yaml:"order_detail"`
	Ship          string `yaml:"ship"`
	Verify        string `yaml:"verify"`
	VerifyRecords string `yaml:"verify_records"`
	TokenCreate   string `yaml:"token_create"`
	TokenRefresh  string `yaml:"token_refresh"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
	// LockTTL of zero is derived from the upstream call budget.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// lockTTLMargin is added on top of the longest upstream call when deriving the lock TTL.
const lockTTLMargin = 15 * time.Second

type OrderConfig struct {
	VirtualGoodsTypes []int         `yaml:"virtual_goods_types"`
	CodeLength        int           `yaml:"code_length"`
	PendingWindow     time.Duration `yaml:"pending_window"`
	PageSize          int           `yaml:"page_size"`
	Instructions      string        `yaml:"instructions"`
	AutoVerifyLimit   int           `yaml:"auto_verify_limit"`
}

type SchedulerConfig struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	AutoVerifyInterval time.Duration `yaml:"auto_verify_interval"`
	TokenRefreshWindow time.Duration `yaml:"token_refresh_window"`
	DailyReportHour    int           `yaml:"daily_report_hour"`
}

type NotificationConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SMTPServer    string `yaml:"smtp_server"`
	SMTPPort      int    `yaml:"smtp_port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	To            string `yaml:"to"`
	SubjectPrefix string `yaml:"subject_prefix"`
	QueueSize     int    `yaml:"queue_size"`
}

type SyntheticConfig struct {
	OrderCount  int     `yaml:"order_count"`
	SuccessRate float64 `yaml:"success_rate"`
	Seed        uint64  `yaml:"seed"`
}

type AuthConfig struct {
	JWTSecret            string        `yaml:"jwt_secret"`
	OperatorUsername     string        `yaml:"operator_username"`
	OperatorPasswordHash string        `yaml:"operator_password_hash"`
	TokenTTL             time.Duration `yaml:"token_ttl"`
}

// Default returns the configuration used when no file or environment overrides are present.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Port:      "8001",
			LogLevel:  "info",
			LogFormat: "console",
		},
		Upstream: UpstreamConfig{
			BaseURL:     "https://gw-api.pinduoduo.com/api/router",
			AuthURL:     "https://mms.pinduoduo.com/open.html",
			Timeout:     30 * time.Second,
			MaxRetries:  3,
			BackoffUnit: time.Second,
			RateLimit:   10,
			RateBurst:   5,
			Operations: Operations{
				OrderList:     "pdd.order.list.get",
				OrderDetail:   "pdd.order.detail.get",
				Ship:          "pdd.order.goods.send",
				Verify:        "pdd.virtual.goods.verify",
				VerifyRecords: "pdd.verification.record.get",
				TokenCreate:   "pop.auth.token.create",
				TokenRefresh:  "pop.auth.token.refresh",
			},
		},
		Database: DatabaseConfig{
			URL:             "sqlite://pdd_auto_verify.db",
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
		},
		Order: OrderConfig{
			VirtualGoodsTypes: []int{1, 2, 3},
			CodeLength:        16,
			PendingWindow:     24 * time.Hour,
			PageSize:          100,
			Instructions:      "Present this code to redeem your purchase.",
			AutoVerifyLimit:   500,
		},
		Scheduler: SchedulerConfig{
			CheckInterval:      60 * time.Second,
			AutoVerifyInterval: 30 * time.Minute,
			TokenRefreshWindow: 10 * time.Minute,
			DailyReportHour:    9,
		},
		Notification: NotificationConfig{
			Enabled:       true,
			SMTPPort:      587,
			SubjectPrefix: "[autoverify]",
			QueueSize:     64,
		},
		Synthetic: SyntheticConfig{
			OrderCount:  10,
			SuccessRate: 0.75,
			Seed:        1,
		},
		Auth: AuthConfig{
			OperatorUsername: "admin",
			TokenTTL:         12 * time.Hour,
		},
	}
}

// Load reads an optional .env file, an optional YAML file named by CONFIG_FILE,
// and then applies environment variables on top of the defaults.
func Load(path string) (*Config, error) {
	if path != "" {
		err := godotenv.Load(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load .env: %w", err)
		}
	}

	cfg := Default()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", file, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", file, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = cfg.Upstream.MaxCallDuration() + lockTTLMargin
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	envString("APP_PORT", &c.App.Port)
	envString("LOG_LEVEL", &c.App.LogLevel)
	envString("LOG_FORMAT", &c.App.LogFormat)
	collect(envBool("TEST_MODE", &c.App.TestMode))

	envString("PDD_APP_ID", &c.Upstream.AppID)
	envString("PDD_APP_SECRET", &c.Upstream.AppSecret)
	envString("PDD_ACCESS_TOKEN", &c.Upstream.AccessToken)
	envString("PDD_REDIRECT_URI", &c.Upstream.RedirectURI)
	envString("PDD_BASE_URL", &c.Upstream.BaseURL)
	envString("PDD_AUTH_URL", &c.Upstream.AuthURL)
	collect(envDuration("API_TIMEOUT", &c.Upstream.Timeout))
	collect(envInt("MAX_RETRY_TIMES", &c.Upstream.MaxRetries))
	collect(envDuration("RETRY_BACKOFF_UNIT", &c.Upstream.BackoffUnit))
	collect(envFloat("API_RATE_LIMIT", &c.Upstream.RateLimit))
	collect(envInt("API_RATE_BURST", &c.Upstream.RateBurst))
	envString("OP_ORDER_LIST", &c.Upstream.Operations.OrderList)
	envString("OP_ORDER_DETAIL", &c.Upstream.Operations.OrderDetail)
	envString("OP_SHIP", &c.Upstream.Operations.Ship)
	envString("OP_VERIFY", &c.Upstream.Operations.Verify)
	envString("OP_VERIFY_RECORDS", &c.Upstream.Operations.VerifyRecords)
	envString("OP_TOKEN_CREATE", &c.Upstream.Operations.TokenCreate)
	envString("OP_TOKEN_REFRESH", &c.Upstream.Operations.TokenRefresh)

	envString("DATABASE_URL", &c.Database.URL)
	collect(envInt32("DB_MAX_CONNS", &c.Database.MaxConns))
	collect(envInt32("DB_MIN_CONNS", &c.Database.MinConns))
	collect(envDuration("DB_MAX_CONN_LIFETIME", &c.Database.MaxConnLifetime))

	envString("REDIS_URL", &c.Redis.URL)
	collect(envDuration("REDIS_LOCK_TTL", &c.Redis.LockTTL))

	collect(envIntList("VIRTUAL_GOODS_TYPES", &c.Order.VirtualGoodsTypes))
	collect(envInt("TEST_VERIFICATION_CODE_LENGTH", &c.Order.CodeLength))
	collect(envDuration("PENDING_WINDOW", &c.Order.PendingWindow))
	collect(envInt("ORDER_PAGE_SIZE", &c.Order.PageSize))
	envString("DELIVERY_INSTRUCTIONS", &c.Order.Instructions)
	collect(envInt("AUTO_VERIFY_LIMIT", &c.Order.AutoVerifyLimit))

	collect(envDuration("ORDER_CHECK_INTERVAL", &c.Scheduler.CheckInterval))
	collect(envDuration("AUTO_VERIFY_INTERVAL", &c.Scheduler.AutoVerifyInterval))
	collect(envDuration("TOKEN_REFRESH_WINDOW", &c.Scheduler.TokenRefreshWindow))
	collect(envInt("DAILY_REPORT_HOUR", &c.Scheduler.DailyReportHour))

	collect(envBool("NOTIFICATION_ENABLED", &c.Notification.Enabled))
	envString("EMAIL_SMTP_SERVER", &c.Notification.SMTPServer)
	collect(envInt("EMAIL_SMTP_PORT", &c.Notification.SMTPPort))
	envString("EMAIL_USERNAME", &c.Notification.Username)
	envString("EMAIL_PASSWORD", &c.Notification.Password)
	envString("EMAIL_TO", &c.Notification.To)
	envString("EMAIL_SUBJECT_PREFIX", &c.Notification.SubjectPrefix)

	collect(envInt("TEST_ORDER_COUNT", &c.Synthetic.OrderCount))
	collect(envFloat("TEST_SUCCESS_RATE", &c.Synthetic.SuccessRate))
	collect(envUint64("TEST_SEED", &c.Synthetic.Seed))

	envString("JWT_SECRET_KEY", &c.Auth.JWTSecret)
	envString("OPERATOR_USERNAME", &c.Auth.OperatorUsername)
	envString("OPERATOR_PASSWORD_HASH", &c.Auth.OperatorPasswordHash)
	collect(envDuration("TOKEN_TTL", &c.Auth.TokenTTL))

	return errors.Join(errs...)
}

// Validate reports configuration that would make the service misbehave at runtime.
func (c *Config) Validate() error {
	var errs []error

	if !c.App.TestMode {
		if c.Upstream.AppID == "" {
			errs = append(errs, errors.New("PDD_APP_ID is required outside test mode"))
		}
		if c.Upstream.AppSecret == "" {
			errs = append(errs, errors.New("PDD_APP_SECRET is required outside test mode"))
		}
	}
	if c.Upstream.MaxRetries < 1 {
		errs = append(errs, errors.New("MAX_RETRY_TIMES must be at least 1"))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("API_TIMEOUT must be positive"))
	}
	if c.Order.CodeLength < 8 || c.Order.CodeLength > 32 {
		errs = append(errs, errors.New("TEST_VERIFICATION_CODE_LENGTH must be between 8 and 32"))
	}
	if len(c.Order.VirtualGoodsTypes) == 0 {
		errs = append(errs, errors.New("VIRTUAL_GOODS_TYPES must not be empty"))
	}
	if c.Order.PageSize <= 0 {
		errs = append(errs, errors.New("ORDER_PAGE_SIZE must be positive"))
	}
	if c.Scheduler.CheckInterval <= 0 || c.Scheduler.AutoVerifyInterval <= 0 {
		errs = append(errs, errors.New("scheduler intervals must be positive"))
	}
	if c.Redis.URL != "" && c.Redis.LockTTL <= c.Upstream.MaxCallDuration() {
		errs = append(errs, fmt.Errorf("REDIS_LOCK_TTL (%s) must exceed the longest upstream call (%s)",
			c.Redis.LockTTL, c.Upstream.MaxCallDuration()))
	}
	if c.Synthetic.SuccessRate < 0 || c.Synthetic.SuccessRate > 1 {
		errs = append(errs, errors.New("TEST_SUCCESS_RATE must be within [0,1]"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envInt32(key string, dst *int32) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = int32(n)
	return nil
}

func envUint64(key string, dst *uint64) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

// envDuration accepts Go durations ("90s", "30m") and bare integers, which are read as seconds.
func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envIntList(key string, dst *[]int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, n)
	}
	*dst = out
	return nil
}

func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}
