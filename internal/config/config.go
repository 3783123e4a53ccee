// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package config implements the agent configuration. Settings are read once
// when the agent attaches to the host process, from a configuration file and
// environment variables, and then frozen into an immutable snapshot given to
// the module registry.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/ceiler/hookagent/internal/plog"
	"github.com/spf13/viper"
)

type Config struct {
	*viper.Viper
}

// Logger interface required by this package.
type Logger interface {
	plog.InfoLogger
	plog.ErrorLogger
}

const (
	configEnvPrefix    = `hookagent`
	configFileBasename = `hookagent`
)

const (
	configEnvKeyConfigFile = `config_file`

	configKeyLogLevel    = `log_level`
	configKeyDisable     = `disable`
	configKeyProcess     = `process`
	configKeyImageFile   = `image`
	configKeyScriptsFile = `scripts`
)

// User configuration's default values.
const (
	configDefaultLogLevel = `info`
)

type parameter struct {
	key          string
	defaultValue interface{}
}

var parameters = []parameter{
	{key: configKeyLogLevel, defaultValue: configDefaultLogLevel},
	{key: configKeyDisable, defaultValue: ""},
	{key: configKeyProcess, defaultValue: ""},
	{key: configKeyImageFile, defaultValue: ""},
	{key: configKeyScriptsFile, defaultValue: ""},
}

func newManager() *viper.Viper {
	manager := viper.New()
	manager.SetEnvPrefix(configEnvPrefix)
	// Dotted module keys such as `home.title_color.enabled` are read from
	// `HOOKAGENT_HOME_TITLE_COLOR_ENABLED`.
	manager.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	manager.AutomaticEnv()
	for _, p := range parameters {
		manager.SetDefault(p.key, p.defaultValue)
	}
	return manager
}

// New reads the configuration from the configuration file and the environment.
// The configuration file location can be enforced by the environment variable
// `HOOKAGENT_CONFIG_FILE`, otherwise file `hookagent.<ext>` is looked up in the
// current working directory, then in the executable's directory. The absence
// of configuration file is not an error.
func New(logger Logger) (*Config, error) {
	manager := newManager()
	manager.SetConfigName(configFileBasename)

	configFileEnvVar := strings.ToUpper(configEnvPrefix + "_" + configEnvKeyConfigFile)
	configFile := os.Getenv(configFileEnvVar)
	if configFile != "" {
		manager.SetConfigFile(configFile)
		logger.Infof("config: configuration file enforced by the environment variable `%s` to `%s`", configFileEnvVar, configFile)
	} else {
		manager.AddConfigPath(`.`)
		exec, err := os.Executable()
		if err != nil {
			logger.Error(hkerrors.Wrap(err, "config: could not read the executable file path"))
		} else {
			manager.AddConfigPath(filepath.Dir(exec))
		}
	}

	if readErr, fileUsed := manager.ReadInConfig(), manager.ConfigFileUsed(); readErr != nil && fileUsed != "" {
		logger.Error(hkerrors.Wrap(readErr, fmt.Sprintf("config: could not read the configuration file `%s`: falling back to environment variables", fileUsed)))
	} else if fileUsed != "" {
		logger.Infof("config: reading configuration settings from file `%s`", fileUsed)
	} else {
		logger.Infof("config: reading configuration settings from environment variables")
	}

	return &Config{Viper: manager}, nil
}

// NewFromReader reads the configuration from `r` encoded in the given format
// (yaml, json, toml...). Environment variables still take precedence.
func NewFromReader(r io.Reader, format string) (*Config, error) {
	manager := newManager()
	manager.SetConfigType(format)
	if err := manager.ReadConfig(r); err != nil {
		return nil, hkerrors.Wrapf(err, "config: could not read the %s configuration", format)
	}
	return &Config{Viper: manager}, nil
}

// LogLevel returns the log level.
func (c *Config) LogLevel() plog.LogLevel {
	return plog.ParseLogLevel(sanitizeString(c.GetString(configKeyLogLevel)))
}

// Disabled returns true when the agent should not attach at all.
func (c *Config) Disabled() bool {
	return sanitizeString(c.GetString(configKeyDisable)) != ""
}

// Process returns the name of the host process the agent is attached to.
func (c *Config) Process() string {
	return sanitizeString(c.GetString(configKeyProcess))
}

// ImageFile returns the path of the class image manifest of the host process.
func (c *Config) ImageFile() string {
	return sanitizeString(c.GetString(configKeyImageFile))
}

// ScriptsFile returns the path of the script module file, if any.
func (c *Config) ScriptsFile() string {
	return sanitizeString(c.GetString(configKeyScriptsFile))
}

// Snapshot freezes the current settings into immutable values. Besides the
// settings found in the configuration sources, the given keys are looked up
// too so that keys only provided through environment variables are captured.
func (c *Config) Snapshot(keys ...string) Values {
	values := make(map[string]interface{})
	for _, k := range c.AllKeys() {
		values[normalizeKey(k)] = c.Get(k)
	}
	for _, k := range keys {
		k = normalizeKey(k)
		if _, exists := values[k]; exists {
			continue
		}
		if c.IsSet(k) {
			values[k] = c.Get(k)
		}
	}
	return Values{values: values}
}

func sanitizeString(s string) string {
	return strings.TrimSpace(s)
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
