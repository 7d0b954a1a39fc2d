// Package config loads the kasacore YAML configuration.
//
// Load starts from built-in defaults, overlays the file, then applies
// KASACORE_* environment variables (KASACORE_MQTT_PASSWORD,
// KASACORE_INFLUXDB_TOKEN and friends) and finally validates the result,
// reporting every problem at once:
//
//	cfg, err := config.Load("configs/config.yaml")
//
// Keep credentials in the environment rather than in the file.
package config
