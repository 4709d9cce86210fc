// Package config loads the replica's configuration surface: every option
// named in the replication protocol's external-interfaces contract, plus
// the domain-stack additions (transport fabrics, caches, admin surface).
// Configuration parsing itself is intentionally out of scope for the
// consensus core — this package is the external collaborator it talks to
// through a plain *Config value.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"
)

// Network selects which transport fabric carries consensus messages.
type Network string

const (
	NetworkTCP     Network = "TCP"
	NetworkUDP     Network = "UDP"
	NetworkGeneric Network = "Generic"
	NetworkNATS    Network = "NATS"
)

// CrashModel selects the durability discipline the replica uses for its
// stable storage, which in turn governs whether a shared ClientBatchStore
// instance exists at all (see ClientBatchStoreAvailable).
type CrashModel string

const (
	CrashModelFullSS    CrashModel = "FullSS"
	CrashModelViewSS    CrashModel = "ViewSS"
	CrashModelCrashStop CrashModel = "CrashStop"
	CrashModelEpochSS   CrashModel = "EpochSS"
)

// Config is the full configuration surface of a replica process.
type Config struct {
	// Process identity.
	ReplicaID int
	Peers     []string // address per replica, indexed by replica id

	// Protocol.
	WindowSize                             int
	BatchSize                              int
	MaxBatchDelay                          time.Duration
	MaxUDPPacketSize                       int
	Network                                Network
	CrashModel                             CrashModel
	LogPath                                string
	FDSuspectTimeout                       time.Duration
	FDSendTimeout                          time.Duration
	RetransmitTimeout                      time.Duration
	FirstSnapshotEstimateBytes             int64
	MinLogSizeForRatioCheckBytes           int64
	SnapshotAskRatio                       float64
	SnapshotForceRatio                     float64
	MinimumInstancesForSnapshotRatioSample int64
	ForwardMaxBatchSize                    int
	ForwardMaxBatchDelay                   time.Duration
	SelectorThreads                        int
	ClientRequestBufferSize                int
	TimeoutFetchBatchValue                 time.Duration
	MulticastPort                          int
	MulticastIPAddress                     string
	NetworkMTUSize                         int
	IndirectConsensus                      bool
	AugmentedPaxos                         bool

	// Domain-stack additions.
	NATSURL        string
	RedisAddr      string
	WireAuthKey    string
	AdminHTTPAddr  string
	MetricsAddr    string
	AdminJWTSecret string
	ClientAddr     string

	// Reference state-machine wiring (cmd/replica only; the core never
	// reads these).
	PostgresDSN string
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	return &Config{
		WindowSize:                              2,
		BatchSize:                                65507,
		MaxBatchDelay:                            10 * time.Millisecond,
		MaxUDPPacketSize:                         8192,
		Network:                                  NetworkTCP,
		CrashModel:                               CrashModelFullSS,
		LogPath:                                  "./data",
		FDSuspectTimeout:                         1000 * time.Millisecond,
		FDSendTimeout:                            500 * time.Millisecond,
		RetransmitTimeout:                        1000 * time.Millisecond,
		FirstSnapshotEstimateBytes:               65536,
		MinLogSizeForRatioCheckBytes:             1 << 20,
		SnapshotAskRatio:                         0.5,
		SnapshotForceRatio:                       2.0,
		MinimumInstancesForSnapshotRatioSample:   50,
		ForwardMaxBatchSize:                      8192,
		ForwardMaxBatchDelay:                     5 * time.Millisecond,
		SelectorThreads:                          -1,
		ClientRequestBufferSize:                  4096,
		TimeoutFetchBatchValue:                   2000 * time.Millisecond,
		MulticastPort:                            6000,
		MulticastIPAddress:                       "239.0.0.1",
		NetworkMTUSize:                           1400,
		IndirectConsensus:                        false,
		AugmentedPaxos:                           false,
		ClientAddr:                               ":9000",
		AdminHTTPAddr:                            ":9100",
		MetricsAddr:                              ":9101",
	}
}

// Load builds a Config from environment variables and, when path is
// non-empty, a key=value property file layered on top of the environment.
// Recognized keys match the option names of the replication protocol's
// configuration surface (see the package doc); unrecognized keys are
// ignored rather than rejected, matching the teacher's permissive
// getEnv-style loading.
func Load(path string) (*Config, error) {
	cfg := Default()
	applyEnv(cfg)

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		props := map[string]string{}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			kv := strings.SplitN(line, "=", 2)
			if len(kv) != 2 {
				continue
			}
			props[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		applyProps(cfg, props)
	}

	return cfg, nil
}

// ClientBatchStoreAvailable reports whether a shared ClientBatchStore
// instance is permitted under cfg.CrashModel. Under FullSS the original
// implementation this protocol is modeled on deliberately leaves the store
// nil; any code path that needs batching under FullSS must fail fast
// rather than synthesize a store.
func (c *Config) ClientBatchStoreAvailable() bool {
	return c.CrashModel != CrashModelFullSS
}

func applyEnv(cfg *Config) {
	cfg.ReplicaID = getEnvInt("REPLICA_ID", cfg.ReplicaID)
	if peers := os.Getenv("PEERS"); peers != "" {
		cfg.Peers = strings.Split(peers, ",")
	}
	cfg.WindowSize = getEnvInt("WindowSize", cfg.WindowSize)
	cfg.BatchSize = getEnvInt("BatchSize", cfg.BatchSize)
	cfg.MaxBatchDelay = getEnvDuration("MaxBatchDelay", cfg.MaxBatchDelay)
	cfg.MaxUDPPacketSize = getEnvInt("MaxUDPPacketSize", cfg.MaxUDPPacketSize)
	cfg.Network = Network(getEnv("Network", string(cfg.Network)))
	cfg.CrashModel = CrashModel(getEnv("CrashModel", string(cfg.CrashModel)))
	cfg.LogPath = getEnv("LogPath", cfg.LogPath)
	cfg.FDSuspectTimeout = getEnvDuration("FDSuspectTimeout", cfg.FDSuspectTimeout)
	cfg.FDSendTimeout = getEnvDuration("FDSendTimeout", cfg.FDSendTimeout)
	cfg.RetransmitTimeout = getEnvDuration("RetransmitTimeoutMilisecs", cfg.RetransmitTimeout)
	cfg.FirstSnapshotEstimateBytes = getEnvInt64("FirstSnapshotEstimateBytes", cfg.FirstSnapshotEstimateBytes)
	cfg.MinLogSizeForRatioCheckBytes = getEnvInt64("MinLogSizeForRatioCheckBytes", cfg.MinLogSizeForRatioCheckBytes)
	cfg.SnapshotAskRatio = getEnvFloat("SnapshotAskRatio", cfg.SnapshotAskRatio)
	cfg.SnapshotForceRatio = getEnvFloat("SnapshotForceRatio", cfg.SnapshotForceRatio)
	cfg.MinimumInstancesForSnapshotRatioSample = getEnvInt64("MinimumInstancesForSnapshotRatioSample", cfg.MinimumInstancesForSnapshotRatioSample)
	cfg.ForwardMaxBatchSize = getEnvInt("replica.ForwardMaxBatchSize", cfg.ForwardMaxBatchSize)
	cfg.ForwardMaxBatchDelay = getEnvDuration("replica.ForwardMaxBatchDelay", cfg.ForwardMaxBatchDelay)
	cfg.SelectorThreads = getEnvInt("replica.SelectorThreads", cfg.SelectorThreads)
	cfg.ClientRequestBufferSize = getEnvInt("replica.ClientRequestBufferSize", cfg.ClientRequestBufferSize)
	cfg.TimeoutFetchBatchValue = getEnvDuration("TimeoutFetchBatchValue", cfg.TimeoutFetchBatchValue)
	cfg.MulticastPort = getEnvInt("MulticastPort", cfg.MulticastPort)
	cfg.MulticastIPAddress = getEnv("MulticastIpAddress", cfg.MulticastIPAddress)
	cfg.NetworkMTUSize = getEnvInt("NetworkMtuSize", cfg.NetworkMTUSize)
	cfg.IndirectConsensus = getEnvBool("IndirectConsensus", cfg.IndirectConsensus)
	cfg.AugmentedPaxos = getEnvBool("AugmentedPaxos", cfg.AugmentedPaxos)

	cfg.NATSURL = getEnv("NATSURL", cfg.NATSURL)
	cfg.RedisAddr = getEnv("RedisAddr", cfg.RedisAddr)
	cfg.WireAuthKey = getEnv("WireAuthKey", cfg.WireAuthKey)
	cfg.AdminHTTPAddr = getEnv("AdminHTTPAddr", cfg.AdminHTTPAddr)
	cfg.MetricsAddr = getEnv("MetricsAddr", cfg.MetricsAddr)
	cfg.AdminJWTSecret = getEnv("AdminJWTSecret", cfg.AdminJWTSecret)
	cfg.PostgresDSN = getEnv("PostgresDSN", cfg.PostgresDSN)
	cfg.ClientAddr = getEnv("ClientAddr", cfg.ClientAddr)
}

// applyProps overlays property-file values, which take precedence over
// environment variables since the file is presumed to be the operator's
// explicit, per-deployment configuration.
func applyProps(cfg *Config, props map[string]string) {
	for k, v := range props {
		switch k {
		case "REPLICA_ID":
			cfg.ReplicaID = atoiOr(v, cfg.ReplicaID)
		case "PEERS":
			cfg.Peers = strings.Split(v, ",")
		case "WindowSize":
			cfg.WindowSize = atoiOr(v, cfg.WindowSize)
		case "BatchSize":
			cfg.BatchSize = atoiOr(v, cfg.BatchSize)
		case "MaxBatchDelay":
			cfg.MaxBatchDelay = durationOr(v, cfg.MaxBatchDelay)
		case "MaxUDPPacketSize":
			cfg.MaxUDPPacketSize = atoiOr(v, cfg.MaxUDPPacketSize)
		case "Network":
			cfg.Network = Network(v)
		case "CrashModel":
			cfg.CrashModel = CrashModel(v)
		case "LogPath":
			cfg.LogPath = v
		case "FDSuspectTimeout":
			cfg.FDSuspectTimeout = durationOr(v, cfg.FDSuspectTimeout)
		case "FDSendTimeout":
			cfg.FDSendTimeout = durationOr(v, cfg.FDSendTimeout)
		case "RetransmitTimeoutMilisecs":
			cfg.RetransmitTimeout = durationOr(v, cfg.RetransmitTimeout)
		case "FirstSnapshotEstimateBytes":
			cfg.FirstSnapshotEstimateBytes = atoi64Or(v, cfg.FirstSnapshotEstimateBytes)
		case "MinLogSizeForRatioCheckBytes":
			cfg.MinLogSizeForRatioCheckBytes = atoi64Or(v, cfg.MinLogSizeForRatioCheckBytes)
		case "SnapshotAskRatio":
			cfg.SnapshotAskRatio = floatOr(v, cfg.SnapshotAskRatio)
		case "SnapshotForceRatio":
			cfg.SnapshotForceRatio = floatOr(v, cfg.SnapshotForceRatio)
		case "MinimumInstancesForSnapshotRatioSample":
			cfg.MinimumInstancesForSnapshotRatioSample = atoi64Or(v, cfg.MinimumInstancesForSnapshotRatioSample)
		case "replica.ForwardMaxBatchSize":
			cfg.ForwardMaxBatchSize = atoiOr(v, cfg.ForwardMaxBatchSize)
		case "replica.ForwardMaxBatchDelay":
			cfg.ForwardMaxBatchDelay = durationOr(v, cfg.ForwardMaxBatchDelay)
		case "replica.SelectorThreads":
			cfg.SelectorThreads = atoiOr(v, cfg.SelectorThreads)
		case "replica.ClientRequestBufferSize":
			cfg.ClientRequestBufferSize = atoiOr(v, cfg.ClientRequestBufferSize)
		case "TimeoutFetchBatchValue":
			cfg.TimeoutFetchBatchValue = durationOr(v, cfg.TimeoutFetchBatchValue)
		case "MulticastPort":
			cfg.MulticastPort = atoiOr(v, cfg.MulticastPort)
		case "MulticastIpAddress":
			cfg.MulticastIPAddress = v
		case "NetworkMtuSize":
			cfg.NetworkMTUSize = atoiOr(v, cfg.NetworkMTUSize)
		case "IndirectConsensus":
			cfg.IndirectConsensus = v == "true"
		case "AugmentedPaxos":
			cfg.AugmentedPaxos = v == "true"
		case "NATSURL":
			cfg.NATSURL = v
		case "RedisAddr":
			cfg.RedisAddr = v
		case "WireAuthKey":
			cfg.WireAuthKey = v
		case "AdminHTTPAddr":
			cfg.AdminHTTPAddr = v
		case "MetricsAddr":
			cfg.MetricsAddr = v
		case "AdminJWTSecret":
			cfg.AdminJWTSecret = v
		case "PostgresDSN":
			cfg.PostgresDSN = v
		case "ClientAddr":
			cfg.ClientAddr = v
		}
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		return atoiOr(v, def)
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		return atoi64Or(v, def)
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		return floatOr(v, def)
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		return durationOr(v, def)
	}
	return def
}

func atoiOr(v string, def int) int {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}

func atoi64Or(v string, def int64) int64 {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	return def
}

func floatOr(v string, def float64) float64 {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}

func durationOr(v string, def time.Duration) time.Duration {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return def
}
