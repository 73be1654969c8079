package marketdata

import "time"

// Config 描述行情网关运行所需的参数。
type Config struct {
	BaseURL     string
	HTTPTimeout time.Duration
	UserAgent   string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseURL == "" {
		out.BaseURL = "http://localhost:9000/api"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.UserAgent == "" {
		out.UserAgent = "stockdeck/1.0"
	}
	return out
}
