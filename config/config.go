package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

var ErrInvalidPort = errors.New("invalid port number")

const DefaultControlSocket = "/tmp/chatrelay.sock"

type Config struct {
	DBPath        string
	WriteTimeout  time.Duration
	DialTimeout   time.Duration
	LogLevel      string
	LogFile       string
	ControlSocket string // empty disables the control socket
	BcryptCost    int
}

func Load() *Config {
	cfg := &Config{
		DBPath:        "chatrelay.db",
		WriteTimeout:  5 * time.Second,
		DialTimeout:   10 * time.Second,
		LogLevel:      "info",
		ControlSocket: DefaultControlSocket,
		BcryptCost:    10,
	}

	if dbPath := os.Getenv("RELAY_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if timeoutStr := os.Getenv("RELAY_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil && timeout > 0 {
			cfg.WriteTimeout = time.Duration(timeout) * time.Second
		}
	}

	if timeoutStr := os.Getenv("RELAY_DIAL_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil && timeout > 0 {
			cfg.DialTimeout = time.Duration(timeout) * time.Second
		}
	}

	if level := os.Getenv("RELAY_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if costStr := os.Getenv("RELAY_BCRYPT_COST"); costStr != "" {
		if cost, err := strconv.Atoi(costStr); err == nil && cost > 0 {
			cfg.BcryptCost = cost
		}
	}

	cfg.LogFile = os.Getenv("RELAY_LOG_FILE")

	if path, ok := os.LookupEnv("RELAY_CONTROL_SOCKET"); ok {
		cfg.ControlSocket = path
	}

	return cfg
}

// ParsePort validates a TCP port given on the command line.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, ErrInvalidPort
	}
	return port, nil
}
