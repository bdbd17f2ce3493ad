package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// LLM provider
	viper.SetDefault("llm.endpoint", "https://api.openai.com")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.request_timeout", 30*time.Second)

	// State store
	viper.SetDefault("store.memory", false)
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Delivery gateway
	viper.SetDefault("gateway.base_url", "")
	viper.SetDefault("gateway.account_sid", "")
	viper.SetDefault("gateway.auth_token", "")
	viper.SetDefault("gateway.from", "")
	viper.SetDefault("gateway.timeout", 15*time.Second)

	// Proactive scheduler
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.tick_interval", 30*time.Second)
	// Renewal happens once per tick; the lease must span several ticks
	// so one slow scan doesn't hand leadership to a peer mid-flight.
	viper.SetDefault("scheduler.lease_ttl", 90*time.Second)
	viper.SetDefault("scheduler.timezone", "Local")

	// Outbound pacing
	viper.SetDefault("dispatch.max_segment", 1200)
	viper.SetDefault("dispatch.pacing", 600*time.Millisecond)

	// HTTP server
	viper.SetDefault("server.bind", "127.0.0.1")
	viper.SetDefault("server.port", 8686)
}
