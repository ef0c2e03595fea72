package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Paths     PathsConfig     `yaml:"paths" mapstructure:"paths"`
	CLP       CLPConfig       `yaml:"clp" mapstructure:"clp"`
	Weather   WeatherConfig   `yaml:"weather" mapstructure:"weather"`
	Emissions EmissionsConfig `yaml:"emissions" mapstructure:"emissions"`
	Run       RunConfig       `yaml:"run" mapstructure:"run"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persisted dataset backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	Path        string `yaml:"path" mapstructure:"path"`     // sqlite database file
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// PathsConfig holds working directories and output locations.
type PathsConfig struct {
	DataDir     string `yaml:"data_dir" mapstructure:"data_dir"`
	OutputFile  string `yaml:"output_file" mapstructure:"output_file"`
	SummaryFile string `yaml:"summary_file" mapstructure:"summary_file"`
	LockFile    string `yaml:"lock_file" mapstructure:"lock_file"`
}

// CLPConfig configures ingestion of chiller equipment exports.
type CLPConfig struct {
	ExportPath string  `yaml:"export_path" mapstructure:"export_path"`
	MinPowerKW float64 `yaml:"min_power_kw" mapstructure:"min_power_kw"`
}

// WeatherConfig configures the weather archive source.
type WeatherConfig struct {
	ArchiveURL string `yaml:"archive_url" mapstructure:"archive_url"` // %d expands to the year
	Station    string `yaml:"station" mapstructure:"station"`
	FirstYear  int    `yaml:"first_year" mapstructure:"first_year"`
}

// EmissionsConfig configures the grid CO2-factor inventory source.
type EmissionsConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	BaseYear     int    `yaml:"base_year" mapstructure:"base_year"`
	BaseWorkbook string `yaml:"base_workbook" mapstructure:"base_workbook"`
	MinYear      int    `yaml:"min_year" mapstructure:"min_year"`
}

// RunConfig bounds a pipeline run.
type RunConfig struct {
	TimeoutSecs       int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	SourceTimeoutSecs int `yaml:"source_timeout_secs" mapstructure:"source_timeout_secs"`
	LockStaleSecs     int `yaml:"lock_stale_secs" mapstructure:"lock_stale_secs"`
}

// ServerConfig configures the read-only dataset API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CHILLWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "chillwatch.db")
	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.output_file", "data/dataset.csv")
	v.SetDefault("paths.summary_file", "data/run_summary.yaml")
	v.SetDefault("paths.lock_file", "data/chillwatch.lock")
	v.SetDefault("clp.export_path", "CHILLERS.csv")
	v.SetDefault("clp.min_power_kw", 0.0)
	v.SetDefault("weather.archive_url", "https://portal.inmet.gov.br/uploads/dadoshistoricos/%d.zip")
	v.SetDefault("weather.station", "MIRANTE DE SAO PAULO")
	v.SetDefault("weather.first_year", 2020)
	v.SetDefault("emissions.base_url", "https://www.gov.br/mcti/pt-br/acompanhe-o-mcti/sirene/dados-e-ferramentas/fatores-de-emissao/arquivo")
	v.SetDefault("emissions.base_year", 2024)
	v.SetDefault("emissions.base_workbook", "Inventario_2024_jandez.xlsx")
	v.SetDefault("emissions.min_year", 2020)
	v.SetDefault("run.timeout_secs", 600)
	v.SetDefault("run.source_timeout_secs", 120)
	v.SetDefault("run.lock_stale_secs", 3600)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the loaded configuration can support a run.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return eris.New("config: store.path required for sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url required for postgres driver")
		}
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Run.TimeoutSecs <= 0 || c.Run.SourceTimeoutSecs <= 0 {
		return eris.New("config: run timeouts must be positive")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
