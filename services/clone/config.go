package clone

import (
	"errors"
	"time"

	"github.com/basaltdata/basalt/toml"
)

const (
	// DefaultDownloadLowSpeedLimitKBps is the transfer rate floor used to
	// derive per-file download timeouts.
	DefaultDownloadLowSpeedLimitKBps = 50

	// DefaultDownloadLowSpeedTime is the minimum per-file download timeout.
	DefaultDownloadLowSpeedTime = toml.Duration(300 * time.Second)

	// DefaultMaxConcurrentClones bounds clone tasks running at once.
	DefaultMaxConcurrentClones = 8

	// DefaultTraceTabletLockThreshold is how long the metadata revision may
	// hold the tablet locks before a warning is logged.
	DefaultTraceTabletLockThreshold = toml.Duration(time.Second)
)

const (
	// DownloadFileMaxRetry bounds the attempts of any single HTTP
	// operation during transfer.
	DownloadFileMaxRetry = 3

	// ListRemoteFileTimeout bounds a directory listing request.
	ListRemoteFileTimeout = 15 * time.Second

	// GetLengthTimeout bounds a content-length probe.
	GetLengthTimeout = 10 * time.Second

	// BatchFileNum caps the number of files packed into one batch.
	BatchFileNum = 64

	// BatchFileSize caps the bytes packed into one batch.
	BatchFileSize = 64 << 20 // 64MB

	// ClonePrefix is the staging directory name under an existing tablet.
	ClonePrefix = "clone"
)

// Config represents the configuration for the clone service.
type Config struct {
	// EnableBatchDownload selects the batch transfer strategy when the
	// source peer supports it.
	EnableBatchDownload bool `toml:"enable-batch-download"`

	DownloadLowSpeedLimitKBps int           `toml:"download-low-speed-limit-kbps"`
	DownloadLowSpeedTime      toml.Duration `toml:"download-low-speed-time"`

	MaxConcurrentClones int `toml:"max-concurrent-clones"`

	TraceTabletLockThreshold toml.Duration `toml:"trace-tablet-lock-threshold"`
}

// NewConfig returns an instance of Config with defaults.
func NewConfig() Config {
	return Config{
		DownloadLowSpeedLimitKBps: DefaultDownloadLowSpeedLimitKBps,
		DownloadLowSpeedTime:      DefaultDownloadLowSpeedTime,
		MaxConcurrentClones:       DefaultMaxConcurrentClones,
		TraceTabletLockThreshold:  DefaultTraceTabletLockThreshold,
	}
}

// Validate returns an error if the config is invalid.
func (c Config) Validate() error {
	if c.DownloadLowSpeedLimitKBps <= 0 {
		return errors.New("download-low-speed-limit-kbps must be positive")
	}
	if c.DownloadLowSpeedTime <= 0 {
		return errors.New("download-low-speed-time must be positive")
	}
	if c.MaxConcurrentClones <= 0 {
		return errors.New("max-concurrent-clones must be positive")
	}
	return nil
}
