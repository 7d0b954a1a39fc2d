package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/kasa-core/internal/kasa"
)

// Measurement names.
const (
	measurementDeviceState = "kasa_device_state"
	measurementScan        = "kasa_scan"
)

// WriteDeviceState records a device state snapshot.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Snapshots are written whether the state was confirmed by a query or
// assumed after a command; the "confirmed" field tells them apart.
//
// Example:
//
//	st, _ := manager.Refresh(ctx, "Lamp1")
//	client.WriteDeviceState(st)
func (c *Client) WriteDeviceState(st kasa.State) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(statePoint(st))
}

// WriteScanReport records the outcome of one discovery scan.
func (c *Client) WriteScanReport(report kasa.ScanReport) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(scanPoint(report))
}

// statePoint builds the line-protocol point for a device snapshot.
// Bulb-only fields are omitted for plugs.
func statePoint(st kasa.State) *write.Point {
	fields := map[string]interface{}{
		"on":        st.On,
		"err_code":  st.ErrCode,
		"confirmed": st.Confirmed,
	}
	if st.Kind == kasa.KindBulb {
		fields["brightness"] = st.Brightness
		fields["color_temp"] = st.ColorTemp
	}

	ts := st.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	return write.NewPoint(
		measurementDeviceState,
		map[string]string{
			"alias": st.Alias,
			"kind":  st.Kind.String(),
			"model": st.Model,
		},
		fields,
		ts,
	)
}

// scanPoint builds the line-protocol point for a scan report.
func scanPoint(report kasa.ScanReport) *write.Point {
	ts := report.StartedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	return write.NewPoint(
		measurementScan,
		map[string]string{
			"failed": boolTag(report.Error != ""),
		},
		map[string]interface{}{
			"duration_ms":         report.Duration.Milliseconds(),
			"broadcasts":          report.Broadcasts,
			"replies":             report.Replies,
			"tracked":             report.Tracked,
			"address_updates":     report.AddressUpdates,
			"dropped_at_capacity": report.DroppedAtCapacity,
			"ignored_model":       report.IgnoredModel,
			"malformed":           report.Malformed,
			"devices":             report.Devices,
		},
		ts,
	)
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
