package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Stream  StreamConfig  `yaml:"stream"`
	Control ControlConfig `yaml:"control"`
	Storage StorageConfig `yaml:"storage"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	Browser BrowserConfig `yaml:"browser"`
	Redis   RedisConfig   `yaml:"redis"`
	PubSub  PubSubConfig  `yaml:"pubsub"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
	// PublicBaseURL is prepended to the stream/control/status URLs returned
	// by the run endpoint, e.g. "wss://visual.example.com".
	PublicBaseURL string `yaml:"public_base_url"`
}

type StreamConfig struct {
	// EventBufferSize is the per-session ring capacity.
	EventBufferSize int `yaml:"event_buffer_size"`
	// ClientWriteQueue is the per-viewer backpressure threshold.
	ClientWriteQueue int `yaml:"client_write_queue"`
	// SnapshotWaitSeconds bounds how long a client_ready handshake waits for
	// the first buffered FullSnapshot.
	SnapshotWaitSeconds int `yaml:"snapshot_wait_seconds"`
	// IdleCutoffSeconds is how long a session may go without events or
	// viewers before the sweeper tears it down.
	IdleCutoffSeconds int `yaml:"idle_cutoff_seconds"`
}

type ControlConfig struct {
	RatePerSec      int  `yaml:"rate_per_sec"`
	MaxDurationSecs int  `yaml:"max_duration_secs"`
	CommandTimeoutS int  `yaml:"command_timeout_secs"`
	DebugLogging    bool `yaml:"debug_logging"`
}

type StorageConfig struct {
	AutoSave        bool   `yaml:"auto_save"`
	UseCookies      bool   `yaml:"use_cookies"`
	VerifyTTLHours  int    `yaml:"verify_ttl_hours"`
	DatabaseURL     string `yaml:"database_url"`
	SupabaseURL     string `yaml:"supabase_url"`
	SupabaseKey     string `yaml:"supabase_key"`
	StateDir        string `yaml:"state_dir"`
	SharedStateFile string `yaml:"shared_state_file"`
}

type CryptoConfig struct {
	KID            string `yaml:"kid"`
	PublicKeyPEM   string `yaml:"public_key_pem"`
	PrivateKeyPEM  string `yaml:"private_key_pem"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type BrowserConfig struct {
	Headless       bool `yaml:"headless"`
	ViewportWidth  int  `yaml:"viewport_width"`
	ViewportHeight int  `yaml:"viewport_height"`
	NavTimeoutSecs int  `yaml:"nav_timeout_secs"`
}

type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// DefaultConfig returns the documented defaults. Env and file values
// override on top of these.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Stream: StreamConfig{
			EventBufferSize:     1000,
			ClientWriteQueue:    256,
			SnapshotWaitSeconds: 30,
			IdleCutoffSeconds:   300,
		},
		Control: ControlConfig{
			RatePerSec:      100,
			MaxDurationSecs: 300,
			CommandTimeoutS: 2,
		},
		Storage: StorageConfig{
			AutoSave:       true,
			UseCookies:     false,
			VerifyTTLHours: 24,
		},
		Crypto: CryptoConfig{KID: "rsa-2025-01"},
		Browser: BrowserConfig{
			Headless:       true,
			ViewportWidth:  1280,
			ViewportHeight: 720,
			NavTimeoutSecs: 30,
		},
		Redis:  RedisConfig{KeyPrefix: "visual:sessions:"},
		PubSub: PubSubConfig{TopicID: "visual-session-events"},
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file is
// not an error — deployments that configure purely via env skip it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
