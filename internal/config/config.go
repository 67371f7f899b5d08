// Package config loads the key=value text file that tells a tow process
// which endpoints to bind or dial and its session idle timeout. The role
// (initiator or terminator) is chosen on the command line, not here.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/relaywire/tow/internal/util"
)

const defaultTimeoutMs = 30000

// Config is the parsed contents of a tow.conf file.
type Config struct {
	Listen    []string // endpoint list this side binds/listens on
	Connect   []string // endpoint list this side dials
	TimeoutMs int      // session idle timeout, clamped [0, 300000]
}

const defaultTemplate = `# tow configuration file
#
# listen  = endpoints this process accepts connections on
# connect = endpoints this process opens connections to
# timeout = session idle timeout in milliseconds (0..300000, default 30000)
#
# Endpoints are comma/semicolon/space separated. A bare port number
# expands to both 127.0.0.1 and ::1 on that port.

listen=9601
connect=127.0.0.1:9602
timeout=30000
`

// Load reads path, writing defaultTemplate to it first if it does not
// already exist.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		util.LogInfo("writing default config to %s", path)
		if err := os.WriteFile(path, []byte(defaultTemplate), 0644); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}
	}

	cfg := &Config{TimeoutMs: defaultTimeoutMs}
	if err := cfg.loadFromFile(path); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if cfg.TimeoutMs < 0 {
		cfg.TimeoutMs = 0
	}
	if cfg.TimeoutMs > 300000 {
		cfg.TimeoutMs = 300000
	}

	return cfg, nil
}

// loadFromFile reads key=value pairs from path into cfg.
func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "listen":
			cfg.Listen = append(cfg.Listen, value)
		case "connect":
			cfg.Connect = append(cfg.Connect, value)
		case "timeout":
			if ms, err := strconv.Atoi(value); err == nil {
				cfg.TimeoutMs = ms
			} else {
				util.LogWarning("ignoring non-numeric timeout %q", value)
			}
		default:
			util.LogWarning("ignoring unknown config key %q", key)
		}
	}

	return scanner.Err()
}
