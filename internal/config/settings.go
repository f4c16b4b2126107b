package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
)

// Settings holds all user-configurable settings organized by category.
type Settings struct {
	General     GeneralSettings     `json:"general"`
	Connections ConnectionSettings  `json:"connections"`
	Segments    SegmentSettings     `json:"segments"`
	Performance PerformanceSettings `json:"performance"`
}

// GeneralSettings contains application behavior settings.
type GeneralSettings struct {
	DefaultDownloadDir string `json:"default_download_dir"`
	AutoResume         bool   `json:"auto_resume"`
	WarnOnDuplicate    bool   `json:"warn_on_duplicate"`
}

// ConnectionSettings contains network connection parameters.
type ConnectionSettings struct {
	MaxConnectionsPerTask  int    `json:"max_connections_per_task"`
	MaxConcurrentDownloads int    `json:"max_concurrent_downloads"`
	UserAgent              string `json:"user_agent"`
	ProxyURL               string `json:"proxy_url"`
	SpeedLimitBytesPerSec  int64  `json:"speed_limit_bytes_per_sec"`
}

// SegmentSettings contains byte-range segmentation configuration.
type SegmentSettings struct {
	MinSplitSize     int64 `json:"min_split_size"`
	WorkerBufferSize int   `json:"worker_buffer_size"`
}

// PerformanceSettings contains transfer tuning parameters.
type PerformanceSettings struct {
	MaxSegmentRetries int           `json:"max_segment_retries"`
	SaveInterval      time.Duration `json:"save_interval"`
	PersistThreshold  int64         `json:"persist_threshold"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	ConnectTimeout    time.Duration `json:"connect_timeout"`
}

const (
	KB = 1024
	MB = 1024 * KB
)

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()
	defaultDir := filepath.Join(homeDir, "Downloads")

	return &Settings{
		General: GeneralSettings{
			DefaultDownloadDir: defaultDir,
			AutoResume:         false,
			WarnOnDuplicate:    true,
		},
		Connections: ConnectionSettings{
			MaxConnectionsPerTask:  8,
			MaxConcurrentDownloads: 3,
			UserAgent:              "", // Empty means use default UA
			SpeedLimitBytesPerSec:  0,  // 0 means unlimited
		},
		Segments: SegmentSettings{
			MinSplitSize:     1 * MB,
			WorkerBufferSize: 512 * KB,
		},
		Performance: PerformanceSettings{
			MaxSegmentRetries: 6,
			SaveInterval:      time.Second,
			PersistThreshold:  4 * MB,
			IdleTimeout:       30 * time.Second,
			ConnectTimeout:    15 * time.Second,
		},
	}
}

// GetNexusDir returns the application data directory (~/.nexus).
func GetNexusDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".nexus"
	}
	return filepath.Join(homeDir, ".nexus")
}

// EnsureDirs creates the application data directory if it does not exist.
func EnsureDirs() error {
	return os.MkdirAll(GetNexusDir(), 0755)
}

// GetSettingsPath returns the path to the settings JSON file.
func GetSettingsPath() string {
	return filepath.Join(GetNexusDir(), "settings.json")
}

// GetDatabasePath returns the path to the SQLite database file.
func GetDatabasePath() string {
	return filepath.Join(GetNexusDir(), "nexus.db")
}

// LoadSettings loads settings from disk. Returns defaults if the file doesn't exist.
func LoadSettings() (*Settings, error) {
	data, err := os.ReadFile(GetSettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// SaveSettings writes settings to disk as indented JSON.
func SaveSettings(s *Settings) error {
	if err := EnsureDirs(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(GetSettingsPath(), data, 0644)
}

// Runtime converts settings into the engine's runtime configuration.
func (s *Settings) Runtime() *types.RuntimeConfig {
	return &types.RuntimeConfig{
		MaxConnectionsPerTask: s.Connections.MaxConnectionsPerTask,
		UserAgent:             s.Connections.UserAgent,
		ProxyURL:              s.Connections.ProxyURL,
		MinSplitSize:          s.Segments.MinSplitSize,
		WorkerBufferSize:      s.Segments.WorkerBufferSize,
		MaxSegmentRetries:     s.Performance.MaxSegmentRetries,
		SaveInterval:          s.Performance.SaveInterval,
		PersistThreshold:      s.Performance.PersistThreshold,
		IdleTimeout:           s.Performance.IdleTimeout,
		ConnectTimeout:        s.Performance.ConnectTimeout,
	}
}
