package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName        = "PayCore"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour

	defaultRateLimitMax        = 100
	defaultRateLimitWindow     = time.Minute
	defaultRateLimitSuspension = 15 * time.Minute

	defaultVendorTimeout        = 30 * time.Second
	defaultVendorHealthInterval = time.Minute
	defaultVendorHealthWindow   = 15 * time.Minute
	defaultVendorUnstableRatio  = 0.3
	defaultVendorDownRatio      = 0.6
	defaultVendorMinSamples     = 10

	defaultReconcileInterval   = time.Minute
	defaultReconcileDelay      = 2 * time.Minute
	defaultReconcileAlertAfter = 24 * time.Hour

	defaultDeliveryPollInterval = 5 * time.Second
	defaultDeliveryBatchSize    = 50
	defaultDeliveryWorkers      = 4
	defaultDeliveryMaxAttempts  = 6
	defaultDeliveryTimeout      = 10 * time.Second
	defaultDeliveryStaleAfter   = 5 * time.Minute

	// sandboxVendor is routed to the static gateway when VENDORS is unset in development.
	sandboxVendor = "sandbox"
)

// Vendor is one entry of the routing pool, in priority order.
type Vendor struct {
	ID      string
	BaseURL string
	// CallbackSecret verifies the X-Signature of inbound status callbacks.
	CallbackSecret string
}

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	RateLimitMax        int
	RateLimitWindow     time.Duration
	RateLimitSuspension time.Duration

	Vendors              []Vendor
	VendorAPIKey         string
	VendorTimeout        time.Duration
	VendorHealthInterval time.Duration
	VendorHealthWindow   time.Duration
	VendorUnstableRatio  float64
	VendorDownRatio      float64
	VendorMinSamples     int

	ReconcileInterval   time.Duration
	ReconcileDelay      time.Duration
	ReconcileAlertAfter time.Duration

	DeliveryPollInterval time.Duration
	DeliveryBatchSize    int
	DeliveryWorkers      int
	DeliveryMaxAttempts  int
	DeliveryTimeout      time.Duration
	DeliveryStaleAfter   time.Duration
	WebhookSigningSecret string
	OpsAlertURL          string
	// AdminAPIKey gates administrative endpoints such as topups. Empty disables them.
	AdminAPIKey string
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:              getEnv("APP_NAME", defaultAppName),
		AppEnv:               getEnv("APP_ENV", defaultAppEnv),
		Port:                 getEnv("PORT", defaultPort),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		VendorAPIKey:         os.Getenv("VENDOR_API_KEY"),
		WebhookSigningSecret: os.Getenv("WEBHOOK_SIGNING_SECRET"),
		OpsAlertURL:          os.Getenv("OPS_ALERT_URL"),
		AdminAPIKey:          os.Getenv("ADMIN_API_KEY"),
	}

	durations := []struct {
		key      string
		fallback time.Duration
		target   *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", defaultShutdownDelay, &cfg.ShutdownPeriod},
		{"IDEMPOTENCY_TTL", defaultIdempotencyTTL, &cfg.IdempotencyTTL},
		{"RATE_LIMIT_WINDOW", defaultRateLimitWindow, &cfg.RateLimitWindow},
		{"RATE_LIMIT_SUSPENSION", defaultRateLimitSuspension, &cfg.RateLimitSuspension},
		{"VENDOR_TIMEOUT", defaultVendorTimeout, &cfg.VendorTimeout},
		{"VENDOR_HEALTH_INTERVAL", defaultVendorHealthInterval, &cfg.VendorHealthInterval},
		{"VENDOR_HEALTH_WINDOW", defaultVendorHealthWindow, &cfg.VendorHealthWindow},
		{"RECONCILE_INTERVAL", defaultReconcileInterval, &cfg.ReconcileInterval},
		{"RECONCILE_DELAY", defaultReconcileDelay, &cfg.ReconcileDelay},
		{"RECONCILE_ALERT_AFTER", defaultReconcileAlertAfter, &cfg.ReconcileAlertAfter},
		{"DELIVERY_POLL_INTERVAL", defaultDeliveryPollInterval, &cfg.DeliveryPollInterval},
		{"DELIVERY_TIMEOUT", defaultDeliveryTimeout, &cfg.DeliveryTimeout},
		{"DELIVERY_STALE_AFTER", defaultDeliveryStaleAfter, &cfg.DeliveryStaleAfter},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.target = v
	}

	ints := []struct {
		key      string
		fallback int
		target   *int
	}{
		{"RATE_LIMIT_MAX", defaultRateLimitMax, &cfg.RateLimitMax},
		{"VENDOR_MIN_SAMPLES", defaultVendorMinSamples, &cfg.VendorMinSamples},
		{"DELIVERY_BATCH_SIZE", defaultDeliveryBatchSize, &cfg.DeliveryBatchSize},
		{"DELIVERY_WORKERS", defaultDeliveryWorkers, &cfg.DeliveryWorkers},
		{"DELIVERY_MAX_ATTEMPTS", defaultDeliveryMaxAttempts, &cfg.DeliveryMaxAttempts},
	}
	for _, i := range ints {
		v, err := getInt(i.key, i.fallback)
		if err != nil {
			return Config{}, err
		}
		*i.target = v
	}

	var err error
	if cfg.VendorUnstableRatio, err = getFloat("VENDOR_UNSTABLE_RATIO", defaultVendorUnstableRatio); err != nil {
		return Config{}, err
	}
	if cfg.VendorDownRatio, err = getFloat("VENDOR_DOWN_RATIO", defaultVendorDownRatio); err != nil {
		return Config{}, err
	}
	if cfg.VendorUnstableRatio > cfg.VendorDownRatio {
		return Config{}, fmt.Errorf("VENDOR_UNSTABLE_RATIO must not exceed VENDOR_DOWN_RATIO")
	}

	if cfg.Vendors, err = parseVendors(os.Getenv("VENDORS")); err != nil {
		return Config{}, err
	}

	if !cfg.IsDevelopment() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
		if len(cfg.Vendors) == 0 {
			return Config{}, fmt.Errorf("VENDORS must be set")
		}
	}
	if len(cfg.Vendors) == 0 {
		cfg.Vendors = []Vendor{{ID: sandboxVendor}}
	}
	if err := applyCallbackSecrets(cfg.Vendors, os.Getenv("VENDOR_CALLBACK_SECRETS")); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDevelopment reports whether in-memory backends and the sandbox vendor are allowed.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// VendorIDs returns the vendor pool in priority order.
func (c Config) VendorIDs() []string {
	ids := make([]string, 0, len(c.Vendors))
	for _, v := range c.Vendors {
		ids = append(ids, v.ID)
	}
	return ids
}

// parseVendors reads "id=baseURL,id2=baseURL2". A bare id has no base URL and is
// served by the static gateway.
func parseVendors(raw string) ([]Vendor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var vendors []Vendor
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, baseURL, _ := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("invalid VENDORS entry %q", part)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate vendor %q in VENDORS", id)
		}
		seen[id] = struct{}{}
		vendors = append(vendors, Vendor{ID: id, BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")})
	}
	return vendors, nil
}

// applyCallbackSecrets reads "id=secret,id2=secret2" into the matching vendors.
func applyCallbackSecrets(vendors []Vendor, raw string) error {
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, secret, ok := strings.Cut(part, "=")
		id, secret = strings.TrimSpace(id), strings.TrimSpace(secret)
		if !ok || id == "" || secret == "" {
			return fmt.Errorf("invalid VENDOR_CALLBACK_SECRETS entry for %q", id)
		}
		found := false
		for i := range vendors {
			if vendors[i].ID == id {
				vendors[i].CallbackSecret = secret
				found = true
			}
		}
		if !found {
			return fmt.Errorf("VENDOR_CALLBACK_SECRETS names unknown vendor %q", id)
		}
	}
	return nil
}

// CallbackSecrets maps vendor ids to their callback signing secrets.
func (c Config) CallbackSecrets() map[string]string {
	out := make(map[string]string, len(c.Vendors))
	for _, v := range c.Vendors {
		if v.CallbackSecret != "" {
			out[v.ID] = v.CallbackSecret
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration accepts either a Go duration string ("90s") or integer seconds ("90").
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if f <= 0 || f > 1 {
		return 0, fmt.Errorf("invalid %s: must be in (0, 1]", key)
	}
	return f, nil
}
