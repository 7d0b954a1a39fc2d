// Package influxdb writes kasa telemetry to InfluxDB v2.
//
// Measurements:
//
//	kasa_device_state  tags alias, kind, model; fields on, err_code,
//	                   confirmed, plus brightness and color_temp for bulbs
//	kasa_scan          one point per discovery scan (replies, tracked, drops)
//
// Writes never block the caller: points are batched by the client
// library and failures surface through SetOnError.
package influxdb
