package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultQueryURL is the ESRI Colombia open-data layer holding the 2016 vereda boundaries.
const DefaultQueryURL = "https://ags.esri.co/arcgis/rest/services/DatosAbiertos/VEREDAS_2016/MapServer/0/query"

// Config holds the full application configuration.
type Config struct {
	ArcGIS ArcGISConfig `yaml:"arcgis" mapstructure:"arcgis"`
	Fetch  FetchConfig  `yaml:"fetch" mapstructure:"fetch"`
	Index  IndexConfig  `yaml:"index" mapstructure:"index"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// ArcGISConfig configures the remote feature-query endpoint.
type ArcGISConfig struct {
	URL         string            `yaml:"url" mapstructure:"url"`
	TimeoutSecs int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Headers     map[string]string `yaml:"headers" mapstructure:"headers"`
}

// FetchConfig configures the paginated download.
type FetchConfig struct {
	BatchSize       int    `yaml:"batch_size" mapstructure:"batch_size"`
	TotalRecords    int    `yaml:"total_records" mapstructure:"total_records"`
	OutputFile      string `yaml:"output_file" mapstructure:"output_file"`
	PauseMs         int    `yaml:"pause_ms" mapstructure:"pause_ms"`
	MaxAttempts     int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBackoffMs  int    `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	CheckpointEvery int    `yaml:"checkpoint_every" mapstructure:"checkpoint_every"`
	Workers         int    `yaml:"workers" mapstructure:"workers"`
}

// IndexConfig names the feature properties the search index reads.
type IndexConfig struct {
	NameField         string `yaml:"name_field" mapstructure:"name_field"`
	DepartmentField   string `yaml:"department_field" mapstructure:"department_field"`
	MunicipalityField string `yaml:"municipality_field" mapstructure:"municipality_field"`
	CodeField         string `yaml:"code_field" mapstructure:"code_field"`
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
	v.SetEnvPrefix("VEREDAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("arcgis.url", DefaultQueryURL)
	v.SetDefault("arcgis.timeout_secs", 120)
	v.SetDefault("arcgis.headers", map[string]string{
		"Accept":          "*/*",
		"Accept-Language": "en-GB,en;q=0.6",
		"Origin":          "https://datosabiertos.esri.co",
		"Referer":         "https://datosabiertos.esri.co/",
		"User-Agent":      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	})
	v.SetDefault("fetch.batch_size", 10)
	v.SetDefault("fetch.total_records", 32000)
	v.SetDefault("fetch.output_file", "colombia_veredas.geojson")
	v.SetDefault("fetch.pause_ms", 2000)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.retry_backoff_ms", 10000)
	v.SetDefault("fetch.checkpoint_every", 50)
	v.SetDefault("fetch.workers", 1)
	v.SetDefault("index.name_field", "NOMBRE_VER")
	v.SetDefault("index.department_field", "NOM_DEP")
	v.SetDefault("index.municipality_field", "NOMB_MPIO")
	v.SetDefault("index.code_field", "CODIGO_VER")

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

// Validate checks the settings a command depends on. Supported commands are
// "fetch" and "index"; anything else only validates the log settings.
func (c *Config) Validate(command string) error {
	var problems []string

	switch command {
	case "fetch":
		if c.ArcGIS.URL == "" {
			problems = append(problems, "arcgis.url is required")
		}
		if c.Fetch.BatchSize <= 0 {
			problems = append(problems, "fetch.batch_size must be positive")
		}
		if c.Fetch.TotalRecords <= 0 {
			problems = append(problems, "fetch.total_records must be positive")
		}
		if c.Fetch.OutputFile == "" {
			problems = append(problems, "fetch.output_file is required")
		}
		if c.Fetch.MaxAttempts <= 0 {
			problems = append(problems, "fetch.max_attempts must be positive")
		}
		if c.Fetch.Workers <= 0 {
			problems = append(problems, "fetch.workers must be positive")
		}
		if c.Fetch.CheckpointEvery < 0 {
			problems = append(problems, "fetch.checkpoint_every must not be negative")
		}
	case "index":
		if c.Index.NameField == "" {
			problems = append(problems, "index.name_field is required")
		}
		if c.Index.DepartmentField == "" {
			problems = append(problems, "index.department_field is required")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", command, strings.Join(problems, "; "))
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
