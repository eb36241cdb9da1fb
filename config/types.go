package config

// Executor configures the JSON-RPC endpoint that carries out external calls.
type Executor struct {
	Endpoint string `toml:"Endpoint"`
	// TimeoutSeconds bounds every external call.
	TimeoutSeconds int    `toml:"TimeoutSeconds"`
	AuthToken      string `toml:"AuthToken"`
	// Retries is the number of extra attempts when the node could not be
	// reached at all. Requests that were written are never resent.
	Retries int `toml:"Retries"`
}

// Gas overrides entries of the default gas schedule. Values are in TGas and
// zero keeps the default.
type Gas struct {
	OneCCC                 uint64 `toml:"OneCCC"`
	ClaimBase              uint64 `toml:"ClaimBase"`
	CreateAccount          uint64 `toml:"CreateAccount"`
	ResolveAccountCreation uint64 `toml:"ResolveAccountCreation"`
	NativeTransfer         uint64 `toml:"NativeTransfer"`
	FTClaimLogic           uint64 `toml:"FTClaimLogic"`
	FTStorageDeposit       uint64 `toml:"FTStorageDeposit"`
	FTTransfer             uint64 `toml:"FTTransfer"`
	FTResolveBatch         uint64 `toml:"FTResolveBatch"`
	NFTClaimLogic          uint64 `toml:"NFTClaimLogic"`
	NFTTransfer            uint64 `toml:"NFTTransfer"`
	NFTResolve             uint64 `toml:"NFTResolve"`
	FCClaimLogic           uint64 `toml:"FCClaimLogic"`
}

// RateLimit throttles gateway clients.
type RateLimit struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Enabled     bool    `toml:"Enabled"`
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Metrics     bool    `toml:"Metrics"`
	Traces      bool    `toml:"Traces"`
	SampleRatio float64 `toml:"SampleRatio"`
}

// Journal configures the claim journal database. An empty driver disables it.
type Journal struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Logging configures the log sink.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Scheduler bounds promise execution.
type Scheduler struct {
	MaxParallelBranches int `toml:"MaxParallelBranches"`
	// DrainSeconds bounds how long shutdown waits for in-flight claims.
	DrainSeconds int `toml:"DrainSeconds"`
}

// Webhook configures settlement notifications. An empty endpoint disables them.
type Webhook struct {
	Endpoint    string `toml:"Endpoint"`
	Secret      string `toml:"Secret"`
	RefundsOnly bool   `toml:"RefundsOnly"`
}

// Auth guards funder views with HMAC-signed bearer tokens.
type Auth struct {
	Enabled    bool   `toml:"Enabled"`
	HMACSecret string `toml:"HMACSecret"`
	Issuer     string `toml:"Issuer"`
	Audience   string `toml:"Audience"`
}

// Stream exposes settlements over websocket.
type Stream struct {
	Enabled bool `toml:"Enabled"`
}

// CORS lists browser origins allowed to call the gateway and open the
// settlement stream. Empty allows any origin on HTTP routes and only
// same-origin websocket upgrades.
type CORS struct {
	AllowedOrigins []string `toml:"AllowedOrigins"`
}
