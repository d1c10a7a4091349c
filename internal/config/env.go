package config

import (
	"log"
	"os"
	"strconv"
)

// ApplyEnv layers environment variables over the loaded config. Env wins
// over both file values and defaults.
func (c *Config) ApplyEnv() {
	envString(&c.Server.Port, "PORT")
	envString(&c.Server.Env, "APP_ENV")
	envString(&c.Server.PublicBaseURL, "PUBLIC_BASE_URL")

	envInt(&c.Stream.EventBufferSize, "EVENT_BUFFER_SIZE")
	envInt(&c.Stream.ClientWriteQueue, "CLIENT_WRITE_QUEUE")
	envInt(&c.Stream.SnapshotWaitSeconds, "SNAPSHOT_WAIT_SECS")
	envInt(&c.Stream.IdleCutoffSeconds, "STREAM_IDLE_CUTOFF_SECS")

	envInt(&c.Control.RatePerSec, "CONTROL_RATE_PER_SEC")
	envInt(&c.Control.MaxDurationSecs, "CONTROL_MAX_DURATION_S")
	envInt(&c.Control.CommandTimeoutS, "CONTROL_COMMAND_TIMEOUT_S")
	envBool(&c.Control.DebugLogging, "CONTROL_DEBUG_LOGGING")

	envBool(&c.Storage.AutoSave, "AUTO_SAVE_SESSION_STATE")
	envBool(&c.Storage.UseCookies, "FEATURE_USE_COOKIES")
	envInt(&c.Storage.VerifyTTLHours, "COOKIE_VERIFY_TTL_HOURS")
	envString(&c.Storage.DatabaseURL, "DATABASE_URL")
	envString(&c.Storage.SupabaseURL, "SUPABASE_URL")
	envString(&c.Storage.SupabaseKey, "SUPABASE_SERVICE_KEY")
	envString(&c.Storage.StateDir, "STORAGE_STATE_DIR")
	envString(&c.Storage.SharedStateFile, "SHARED_STORAGE_STATE_FILE")

	envString(&c.Crypto.KID, "COOKIE_KID")
	envString(&c.Crypto.PublicKeyPEM, "COOKIE_PUBLIC_KEY_PEM")
	envString(&c.Crypto.PrivateKeyPEM, "COOKIE_PRIVATE_KEY_PEM")
	envString(&c.Crypto.PrivateKeyPath, "COOKIE_PRIVATE_KEY_PATH")

	envBool(&c.Browser.Headless, "BROWSER_HEADLESS")
	envInt(&c.Browser.ViewportWidth, "BROWSER_VIEWPORT_WIDTH")
	envInt(&c.Browser.ViewportHeight, "BROWSER_VIEWPORT_HEIGHT")
	envInt(&c.Browser.NavTimeoutSecs, "BROWSER_NAV_TIMEOUT_S")

	envString(&c.Redis.URL, "REDIS_URL")
	envString(&c.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	envString(&c.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	envString(&c.PubSub.TopicID, "PUBSUB_TOPIC_ID")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

func envBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("config: ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = b
}
