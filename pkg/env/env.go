package env

import (
	"time"

	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

var variables = new(Environment)

// Process the environment variables set for lumen.
func Process() error {
	if err := envconfig.Process("lumen", variables); err != nil {
		return errors.Wrap(err, "failed to process environment variables")
	}

	// set the log level
	if err := log.SetLevel(variables.LogLevel); err != nil {
		return errors.Wrap(err, "failed to set log level")
	}

	return nil
}

// Variables returns the processed environment variables.
func Variables() Environment {
	return *variables
}

// Environment defines the environment variables used
// by lumen.
type Environment struct {
	LogLevel         string        `split_words:"true" default:"info"`
	Port             int           `split_words:"true" default:"8080"`
	DatabaseType     string        `split_words:"true" default:"sqlite"`
	DatabaseDSN      string        `split_words:"true" default:"lumen.db"`
	WorkDir          string        `split_words:"true" default:"./output"`
	ConfigPath       string        `split_words:"true" default:""`
	Concurrency      int           `split_words:"true" default:"2"`
	PollInterval     time.Duration `split_words:"true" default:"500ms"`
	FallbackTimeout  time.Duration `split_words:"true" default:"5m"`
	ForceStopGrace   time.Duration `split_words:"true" default:"10s"`
	ProviderURL      string        `split_words:"true" default:"http://localhost:9000"`
	ProviderAPIKey   string        `split_words:"true" default:""` // secret:// reference or literal
	SecretsEnableEnv bool          `split_words:"true" default:"true"`
	VaultAddress     string        `split_words:"true" default:""`
	VaultToken       string        `split_words:"true" default:""`
	VaultNamespace   string        `split_words:"true" default:""`
	Schedule         string        `split_words:"true" default:""`
	ScheduleTimezone string        `split_words:"true" default:"UTC"`
	CallbackURLs     string        `envconfig:"callback_urls" default:""`
	CallbackToken    string        `split_words:"true" default:""`
}
