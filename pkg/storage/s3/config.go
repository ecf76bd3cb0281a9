package s3

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config contains configuration for the S3 slow tier.
type Config struct {
	// S3 Connection Settings
	Endpoint  string `hcl:"endpoint,optional"`   // S3 endpoint URL (empty for AWS, or a MinIO endpoint)
	Region    string `hcl:"region"`              // AWS region (e.g., "us-west-2")
	Bucket    string `hcl:"bucket"`              // S3 bucket name
	Prefix    string `hcl:"prefix,optional"`     // Optional namespace prefix (e.g., "prod")
	AccessKey string `hcl:"access_key,optional"` // Access key ID
	SecretKey string `hcl:"secret_key,optional"` // Secret access key

	// Performance Tuning
	UploadConcurrency     int `hcl:"upload_concurrency,optional"`      // Concurrent asset uploads (default: 5)
	DownloadConcurrency   int `hcl:"download_concurrency,optional"`    // Concurrent asset downloads (default: 10)
	RequestTimeoutSeconds int `hcl:"request_timeout_seconds,optional"` // Request timeout (default: 30)

	// TLS/SSL Settings
	InsecureSkipVerify bool `hcl:"insecure_skip_verify,optional"` // Skip SSL certificate verification (for testing only)
}

// Validate validates the S3 configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Region, validation.Required),
		validation.Field(&c.Bucket, validation.Required),
		validation.Field(&c.UploadConcurrency, validation.Min(0)),
		validation.Field(&c.DownloadConcurrency, validation.Min(0)),
		validation.Field(&c.RequestTimeoutSeconds, validation.Min(0)),
		validation.Field(&c.SecretKey,
			validation.When(c.AccessKey != "", validation.Required.Error("is required with access_key"))),
	)
}

// SetDefaults sets default values for optional configuration fields.
func (c *Config) SetDefaults() {
	if c.UploadConcurrency == 0 {
		c.UploadConcurrency = 5
	}
	if c.DownloadConcurrency == 0 {
		c.DownloadConcurrency = 10
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 30
	}
}
