package config

// Logging controls the structured log stream and its optional file mirror.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Auth configures bearer token verification on the RPC surface. Tokens are
// HS256 JWTs whose subject is the caller's base58 identity.
type Auth struct {
	HMACSecret       string `toml:"HMACSecret"`
	HMACSecretEnv    string `toml:"HMACSecretEnv"`
	Issuer           string `toml:"Issuer"`
	Audience         string `toml:"Audience"`
	ClockSkewSeconds int    `toml:"ClockSkewSeconds"`
}

// RateLimit bounds requests per authenticated identity, or per client
// address for anonymous calls. X-Forwarded-For is honoured only when the
// peer matches TrustedProxies.
type RateLimit struct {
	RequestsPerSecond float64  `toml:"RequestsPerSecond"`
	Burst             int      `toml:"Burst"`
	TrustedProxies    []string `toml:"TrustedProxies"`
}

// Idempotency configures the replay cache for mutating RPC calls.
type Idempotency struct {
	Path       string `toml:"Path"`
	TTLSeconds int    `toml:"TTLSeconds"`
}

// Audit configures the persistent event log. An empty driver disables it.
type Audit struct {
	Driver    string `toml:"Driver"`
	DSN       string `toml:"DSN"`
	ExportDir string `toml:"ExportDir"`
}

// Telemetry mirrors the OTLP exporter knobs.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Traces      bool    `toml:"Traces"`
	Metrics     bool    `toml:"Metrics"`
	SampleRatio float64 `toml:"SampleRatio"`
}
