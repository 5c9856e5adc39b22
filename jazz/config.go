package jazz

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const DefaultPort = 8080
const DefaultPath = "/jazz"

// the host is read from this variable when the config does not name one
const HostEnvVar = "JAZZ_HOST"

// Config locates the coordinator.
type Config struct {
	// empty to use `JAZZ_HOST`
	Host string `toml:"host"`
	// 0 for `DefaultPort`
	Port int `toml:"port"`
	// the resource path, called `url` by older clients. empty for `DefaultPath`
	Path string `toml:"path"`
	// compose the endpoint as `ws://host/path:port`, which is what older
	// coordinators were addressed with
	LegacyLayout bool `toml:"legacy_layout"`
}

func DefaultConfig() *Config {
	return &Config{
		Port: DefaultPort,
		Path: DefaultPath,
	}
}

// fills in defaults and resolves the host from the environment
func (self *Config) Resolve() (*Config, error) {
	resolved := *self
	if resolved.Host == "" {
		resolved.Host = strings.TrimSpace(os.Getenv(HostEnvVar))
	}
	if resolved.Host == "" {
		return nil, ErrEnvironment
	}
	if resolved.Port == 0 {
		resolved.Port = DefaultPort
	}
	if resolved.Port < 0 || 65535 < resolved.Port {
		return nil, fmt.Errorf("Invalid port: %d", resolved.Port)
	}
	if resolved.Path == "" {
		resolved.Path = DefaultPath
	}
	if !strings.HasPrefix(resolved.Path, "/") {
		resolved.Path = "/" + resolved.Path
	}
	return &resolved, nil
}

func (self *Config) EndpointUrl() string {
	host := net.JoinHostPort(self.Host, strconv.Itoa(self.Port))
	return fmt.Sprintf("ws://%s%s", host, self.Path)
}

func (self *Config) LegacyEndpointUrl() string {
	return fmt.Sprintf("ws://%s%s:%d", self.Host, self.Path, self.Port)
}

func (self *Config) Endpoint() string {
	if self.LegacyLayout {
		return self.LegacyEndpointUrl()
	}
	return self.EndpointUrl()
}

// file form of the config and the settings that can be tuned from a file
type FileConfig struct {
	Config

	HandshakeTimeout Duration `toml:"handshake_timeout"`
	WriteTimeout     Duration `toml:"write_timeout"`
	PingTimeout      Duration `toml:"ping_timeout"`
	// defaults to three pings when only `ping_timeout` is set
	ReadTimeout       Duration `toml:"read_timeout"`
	DecodeErrorsFatal bool     `toml:"decode_errors_fatal"`

	Reconnect *ReconnectConfig `toml:"reconnect"`
}

type ReconnectConfig struct {
	Base     Duration `toml:"base"`
	Factor   float64  `toml:"factor"`
	Max      Duration `toml:"max"`
	MaxTries int      `toml:"max_tries"`
}

// a duration in toml string form, e.g. "2s"
type Duration time.Duration

func (self *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*self = Duration(d)
	return nil
}

func (self Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(self).String()), nil
}

func LoadConfigFile(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &FileConfig{Config: *DefaultConfig()}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (*FileConfig, error) {
	fileConfig := &FileConfig{}
	if err := toml.Unmarshal(b, fileConfig); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	fileConfig.Host = strings.TrimSpace(fileConfig.Host)
	return fileConfig, nil
}

// applies the tuned values over `connectionSettings` and `storeSettings`.
// fails with `ErrSettings` when the resulting read timeout does not exceed the ping timeout
func (self *FileConfig) Apply(connectionSettings *ConnectionSettings, storeSettings *StoreSettings) error {
	if 0 < self.HandshakeTimeout {
		connectionSettings.WsHandshakeTimeout = time.Duration(self.HandshakeTimeout)
	}
	if 0 < self.WriteTimeout {
		connectionSettings.WriteTimeout = time.Duration(self.WriteTimeout)
	}
	if 0 < self.PingTimeout {
		connectionSettings.PingTimeout = time.Duration(self.PingTimeout)
	}
	if 0 < self.ReadTimeout {
		connectionSettings.ReadTimeout = time.Duration(self.ReadTimeout)
	} else if 0 < self.PingTimeout {
		connectionSettings.ReadTimeout = 3 * connectionSettings.PingTimeout
	}
	if self.Reconnect != nil {
		connectionSettings.ReconnectPolicy = NewBackoffReconnect(
			time.Duration(self.Reconnect.Base),
			self.Reconnect.Factor,
			time.Duration(self.Reconnect.Max),
			self.Reconnect.MaxTries,
		)
	}
	if self.DecodeErrorsFatal {
		storeSettings.DecodeErrorsFatal = true
	}
	return connectionSettings.Validate()
}
