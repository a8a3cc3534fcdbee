package configuration

import (
	"encoding/json"
	"os"
	"time"
)

type MongoConfig struct {
	Uri                string `json:"uri"`
	Database           string `json:"database"`
	MessagesCollection string `json:"messagesCollection"`
	UsersCollection    string `json:"usersCollection"`
	SocketRoute        string `json:"socketRoute"`
}

type ServerConfig struct {
	AppPort    int `json:"app_port"`
	SocketPort int `json:"socket_port"`
}

// ClientConfig tunes the delivery subsystem's client side.
type ClientConfig struct {
	GatewayURL           string `json:"gateway_url"`
	ReconnectMaxAttempts int    `json:"reconnect_max_attempts"`
	ReconnectBaseDelayMs int    `json:"reconnect_base_delay_ms"`
	PollIntervalMs       int    `json:"poll_interval_ms"`
	TypingExpiryMs       int    `json:"typing_expiry_ms"`
	TypingIdleMs         int    `json:"typing_idle_ms"`
}

func (c ClientConfig) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

func (c ClientConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c ClientConfig) TypingExpiry() time.Duration {
	return time.Duration(c.TypingExpiryMs) * time.Millisecond
}

func (c ClientConfig) TypingIdle() time.Duration {
	return time.Duration(c.TypingIdleMs) * time.Millisecond
}

type Config struct {
	ChatDatabase MongoConfig  `json:"mongo"`
	Server       ServerConfig `json:"server"`
	Client       ClientConfig `json:"client"`
}

func LoadConfig(configPath string) (*Config, error) {
	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
