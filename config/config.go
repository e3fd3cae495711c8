package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	NodeID                 string  `mapstructure:"node_id"`
	Port                   int     `mapstructure:"port"`
	StoragePath            string  `mapstructure:"storage_path"`
	ReputationDBPath       string  `mapstructure:"reputation_db_path"`
	ResumeDBPath           string  `mapstructure:"resume_db_path"`
	MaxPeers               int     `mapstructure:"max_peers"`
	MinTrustScore          float64 `mapstructure:"min_trust_score"`
	MaxRetries             int     `mapstructure:"max_retries"`
	FetchTimeoutSeconds    int     `mapstructure:"fetch_timeout_seconds"`
	PerPeerWindow          int     `mapstructure:"per_peer_window"`
	MaxConcurrentDownloads int     `mapstructure:"max_concurrent_downloads"`
	SnapshotEveryChunks    int     `mapstructure:"snapshot_every_chunks"`
	SnapshotMaxAgeHours    int     `mapstructure:"snapshot_max_age_hours"`
	ReferenceBandwidthBps  float64 `mapstructure:"reference_bandwidth_bps"`
	DecayRate              float64 `mapstructure:"decay_rate"`
	ScoreFloor             float64 `mapstructure:"score_floor"`
	ProgressTickMs         int     `mapstructure:"progress_tick_ms"`
}

var Config *AppConfig

func LoadConfig(path string) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.AutomaticEnv()

	viper.SetDefault("node_id", "polyfetch-default-node")
	viper.SetDefault("port", 8080)
	viper.SetDefault("storage_path", "./data")
	viper.SetDefault("reputation_db_path", "./data/reputation")
	viper.SetDefault("resume_db_path", "./data/resume")
	viper.SetDefault("max_peers", 3)
	viper.SetDefault("min_trust_score", 20.0)
	viper.SetDefault("max_retries", 3)
	viper.SetDefault("fetch_timeout_seconds", 30)
	viper.SetDefault("per_peer_window", 4)
	viper.SetDefault("max_concurrent_downloads", 3)
	viper.SetDefault("snapshot_every_chunks", 8)
	viper.SetDefault("snapshot_max_age_hours", 24)
	viper.SetDefault("reference_bandwidth_bps", 10*1024*1024)
	viper.SetDefault("decay_rate", 0.05)
	viper.SetDefault("score_floor", 10.0)
	viper.SetDefault("progress_tick_ms", 500)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("⚠️ Could not read config file, using defaults: %v", err)
	}

	var appConfig AppConfig
	if err := viper.Unmarshal(&appConfig); err != nil {
		log.Fatalf("❌ Unable to decode config into struct: %v", err)
	}

	Config = &appConfig

	fmt.Println("✅ Configuration loaded successfully.")
}
