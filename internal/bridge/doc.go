// Package bridge connects the Kasa device manager to MQTT.
//
// Inbound messages:
//
//	{prefix}/command/{alias}   on, off, set_brightness, set_color_temp,
//	                           set_transition, refresh
//	{prefix}/request/{id}      read_state, read_all, scan
//
// Every command is answered on {prefix}/ack/{alias}; every request on
// {prefix}/response/{id}. Device state is published retained on
// {prefix}/state/{alias} whenever it changes, and scan reports go to
// {prefix}/discovery.
//
// # Polling
//
// The poller refreshes each device on Bridge.PollInterval. Devices are
// guarded by per-alias circuit breakers (github.com/sony/gobreaker) so a
// dead device is skipped instead of stalling the shared session lock.
//
// # Startup
//
// The first scan is retried with exponential backoff
// (github.com/cenkalti/backoff/v4) while it fails or finds nothing.
//
// # Health
//
// HealthReporter publishes a retained HealthMessage on {prefix}/health.
// The status is degraded when MQTT is down, no devices are tracked or a
// device breaker is open.
package bridge
