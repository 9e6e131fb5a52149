// Package capture implements the session-capture forward proxy: it
// relays traffic for allow-listed hosts and intercepts the auth
// callback to turn a bot login into a stored portal session.
package capture

import (
	"fmt"
	"time"
)

// Config configures the capture proxy.
type Config struct {
	// ListenAddr is the proxy listen address.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// AllowedHosts are the hosts the proxy will relay for.
	AllowedHosts []string `mapstructure:"allowed_hosts" yaml:"allowed_hosts"`
	// GameHost is the portal host. Direct CONNECT to it is rejected so
	// logins cannot bypass credential capture.
	GameHost string `mapstructure:"game_host" yaml:"game_host"`
	// CallbackHost and CallbackPath identify the intercepted auth callback.
	CallbackHost string `mapstructure:"callback_host" yaml:"callback_host"`
	CallbackPath string `mapstructure:"callback_path" yaml:"callback_path"`
	// CompletionURL receives the 302 with the resolved bot code appended.
	CompletionURL string `mapstructure:"completion_url" yaml:"completion_url"`
	// FailureURL receives the bare 302 when capture fails.
	FailureURL string `mapstructure:"failure_url" yaml:"failure_url"`
	// ExchangeTimeout bounds the authorization exchange.
	ExchangeTimeout time.Duration `mapstructure:"exchange_timeout" yaml:"exchange_timeout"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8081"
	}
	if c.GameHost == "" {
		c.GameHost = "maimai.wahlap.com"
	}
	if c.CallbackHost == "" {
		c.CallbackHost = "tgk-wcaime.wahlap.com"
	}
	if c.CallbackPath == "" {
		c.CallbackPath = "/wc_auth/oauth/callback/maimai-dx"
	}
	if len(c.AllowedHosts) == 0 {
		c.AllowedHosts = []string{c.CallbackHost, "open.weixin.qq.com"}
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = 30 * time.Second
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.CompletionURL == "" {
		return fmt.Errorf("capture completion url is required")
	}
	if c.FailureURL == "" {
		return fmt.Errorf("capture failure url is required")
	}
	return nil
}
