package loyaltyapi

import "time"

// Config controls request handling limits.
type Config struct {
	MaxBodyBytes int64
	// SignatureTolerance bounds the bridge signature timestamp skew.
	SignatureTolerance time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.SignatureTolerance <= 0 {
		c.SignatureTolerance = 300 * time.Second
	}
	return c
}
