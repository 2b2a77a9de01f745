// Package config loads the pipeline configuration from an optional YAML
// file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ETL_WAREHOUSE_HOST.
const EnvPrefix = "ETL"

// Config is the complete pipeline configuration.
type Config struct {
	Source    Database `mapstructure:"source"`
	Staging   Database `mapstructure:"staging"`
	Warehouse Database `mapstructure:"warehouse"`
	Log       Database `mapstructure:"etl_log"`

	SourceSchema    string `mapstructure:"source_schema"`
	StagingSchema   string `mapstructure:"staging_schema"`
	WarehouseSchema string `mapstructure:"warehouse_schema"`
	QueriesDir      string `mapstructure:"queries_dir"`

	Minio       Minio       `mapstructure:"minio"`
	Spreadsheet Spreadsheet `mapstructure:"spreadsheet"`
	Logging     Logging     `mapstructure:"logging"`
	Metrics     Metrics     `mapstructure:"metrics"`
	Load        Loader      `mapstructure:"load"`
}

// Database addresses one Postgres store.
type Database struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the store as a lib/pq key/value connection string.
func (d Database) DSN() string {
	pairs := []struct{ k, v string }{
		{"host", d.Host},
		{"port", fmt.Sprint(d.Port)},
		{"user", d.User},
		{"password", d.Password},
		{"dbname", d.DBName},
		{"sslmode", d.SSLMode},
	}
	var sb strings.Builder
	for _, p := range pairs {
		if p.v == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(p.k)
		sb.WriteByte('=')
		sb.WriteString(quote(p.v))
	}
	return sb.String()
}

// quote escapes a value per the libpq connection string rules.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Minio addresses the dead-letter object store.
type Minio struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
}

// Spreadsheet locates the store branch worksheet.
type Spreadsheet struct {
	Key             string `mapstructure:"key"`
	CredentialsPath string `mapstructure:"credentials_path"`
	Worksheet       string `mapstructure:"worksheet"`
}

// Logging configures the process logger.
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Metrics configures the Pushgateway export. An empty URL disables it.
type Metrics struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// Loader tunes the upsert loader. Zero MaxRows means only the bind-parameter
// limit splits statements.
type Loader struct {
	MaxRows int `mapstructure:"max_rows"`
}

// legacyEnv maps keys to the variable names used by existing deployments.
var legacyEnv = map[string]string{
	"spreadsheet.key":              "KEY_SPREADSHEET",
	"spreadsheet.credentials_path": "CRED_PATH",
	"queries_dir":                  "MODEL_PATH",
	"minio.access_key":             "MINIO_ACCESS_KEY",
	"minio.secret_key":             "MINIO_SECRET_KEY",
}

var legacyDB = map[string]string{
	"source":    "SRC",
	"staging":   "STG",
	"warehouse": "WH",
	"etl_log":   "LOG",
}

var legacyDBFields = map[string]string{
	"host":     "HOST",
	"port":     "PORT",
	"user":     "USER",
	"password": "PASSWORD",
	"dbname":   "DB",
}

// Load reads the configuration. envFile and file are optional; a missing
// envFile is ignored only when it is the default ".env". Environment
// variables override the file.
func Load(file, envFile string) (*Config, error) {
	if err := loadEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func loadEnv(envFile string) error {
	if envFile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	for store := range legacyDB {
		v.SetDefault(store+".host", "localhost")
		v.SetDefault(store+".port", 5432)
		v.SetDefault(store+".sslmode", "disable")
	}
	v.SetDefault("source_schema", "public")
	v.SetDefault("staging_schema", "public")
	v.SetDefault("warehouse_schema", "public")
	v.SetDefault("queries_dir", "")

	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "error-paccafe")

	v.SetDefault("spreadsheet.worksheet", "store_branch")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "retail-etl")

	v.SetDefault("load.max_rows", 0)
}

// bindEnv binds every key to its ETL_ name plus, where one exists, the
// name existing deployments already export. The ETL_ name wins.
func bindEnv(v *viper.Viper) error {
	bind := func(key string, names ...string) error {
		all := append([]string{envName(key)}, names...)
		if err := v.BindEnv(append([]string{key}, all...)...); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
		return nil
	}
	for store, prefix := range legacyDB {
		for field, suffix := range legacyDBFields {
			if err := bind(store+"."+field, prefix+"_POSTGRES_"+suffix); err != nil {
				return err
			}
		}
	}
	for key, name := range legacyEnv {
		if err := bind(key, name); err != nil {
			return err
		}
	}
	return nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var errs []error
	stores := []struct {
		name string
		db   Database
	}{
		{"source", c.Source},
		{"staging", c.Staging},
		{"warehouse", c.Warehouse},
		{"etl_log", c.Log},
	}
	for _, s := range stores {
		name, db := s.name, s.db
		if db.Host == "" {
			errs = append(errs, fmt.Errorf("%s.host is required", name))
		}
		if db.DBName == "" {
			errs = append(errs, fmt.Errorf("%s.dbname is required", name))
		}
		if db.Port <= 0 || db.Port > 65535 {
			errs = append(errs, fmt.Errorf("%s.port %d out of range", name, db.Port))
		}
	}
	if c.Minio.Endpoint == "" {
		errs = append(errs, errors.New("minio.endpoint is required"))
	}
	if c.Minio.Bucket == "" {
		errs = append(errs, errors.New("minio.bucket is required"))
	}
	if c.Spreadsheet.Key != "" && c.Spreadsheet.CredentialsPath == "" {
		errs = append(errs, errors.New("spreadsheet.credentials_path is required with spreadsheet.key"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	if c.Load.MaxRows < 0 {
		errs = append(errs, fmt.Errorf("load.max_rows %d must not be negative", c.Load.MaxRows))
	}
	return errors.Join(errs...)
}
