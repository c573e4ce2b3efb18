package filestore

import (
	"strings"
	"time"

	"github.com/koustreak/callsql/internal/errs"
)

// Provider identifies the file storage backend.
type Provider string

const (
	ProviderMinIO Provider = "minio"
)

// Config holds all settings needed to connect to a storage backend.
// Archiving is disabled while Endpoint is empty.
type Config struct {
	// Provider is the storage backend (e.g. ProviderMinIO).
	Provider Provider `yaml:"provider"`

	// Endpoint is the host:port of the storage server.
	// Example: "localhost:9000" for local MinIO.
	Endpoint string `yaml:"endpoint"`

	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`

	// Region is used by region-aware backends (e.g. AWS S3).
	// Leave empty for MinIO.
	Region string `yaml:"region"`

	// Bucket receives every archived result.
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to generated keys, e.g. "results/".
	Prefix string `yaml:"prefix"`

	// PresignTTL, when positive, makes archive responses carry a download URL
	// valid for that long.
	PresignTTL time.Duration `yaml:"presignTTL"`
}

// DefaultConfig returns a sensible local-dev config for MinIO.
func DefaultConfig(endpoint, accessKey, secretKey, bucket string) *Config {
	return &Config{
		Provider:  ProviderMinIO,
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    bucket,
		Prefix:    "results/",
	}
}

// Enabled reports whether an archive backend is configured.
func (c *Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

// Validate checks an enabled config. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Provider != "" && c.Provider != ProviderMinIO {
		return errs.New(errs.ErrKindInvalidInput, "unsupported archive provider: "+string(c.Provider))
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errs.New(errs.ErrKindInvalidInput, "archive.bucket is required")
	}
	if c.PresignTTL < 0 {
		return errs.New(errs.ErrKindInvalidInput, "archive.presignTTL must not be negative")
	}
	return nil
}
