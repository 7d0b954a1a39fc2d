// Package api provides the HTTP REST API for Kasa Core.
//
// It exposes device snapshots, device control, discovery and state history
// to local tools and dashboards, plus Prometheus metrics on /metrics.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
//
// # Routes
//
//	GET  /api/v1/health
//	GET  /api/v1/devices
//	GET  /api/v1/devices/{alias}
//	PUT  /api/v1/devices/{alias}/state     {"on":true,"brightness":40}
//	POST /api/v1/devices/{alias}/refresh
//	GET  /api/v1/devices/{alias}/history   ?limit=50&since=RFC3339
//	GET  /api/v1/scan                      last scan report
//	POST /api/v1/scan                      run discovery
//	POST /api/v1/refresh                   query every device
//	GET  /metrics                          Prometheus exposition
//
// Errors are returned as {"status":404,"code":"not_found","message":"..."}.
package api
