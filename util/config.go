package util

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const Name = "botpod"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host      string
		HttpPort  int    `yaml:"httpPort"`
		SslDomain string `yaml:"sslDomain"`
		DbFile    string `yaml:"dbFile"`
		// Bots are the local actors this instance serves. Missing bots are
		// provisioned with fresh keypairs at startup.
		Bots []string `yaml:"bots"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		slog.Info("config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				slog.Warn("could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				slog.Info("created default config file", "path", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if envHost := os.Getenv("BOTPOD_HOST"); envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort := os.Getenv("BOTPOD_HTTPPORT"); envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			return nil, fmt.Errorf("BOTPOD_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain := os.Getenv("BOTPOD_SSLDOMAIN"); envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envDbFile := os.Getenv("BOTPOD_DBFILE"); envDbFile != "" {
		c.Conf.DbFile = envDbFile
	}

	if envBots := os.Getenv("BOTPOD_BOTS"); envBots != "" {
		c.Conf.Bots = c.Conf.Bots[:0]
		for _, name := range strings.Split(envBots, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Conf.Bots = append(c.Conf.Bots, name)
			}
		}
	}

	return c, nil
}
