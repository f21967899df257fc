package influxdb

import (
	"math"
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementCharacteristics is the measurement every characteristic value is written to.
const MeasurementCharacteristics = "characteristics"

// WriteCharacteristic queues one normalized characteristic value, tagged
// with connection, device and characteristic. Values without a numeric
// form (see Fields) are counted as skipped. The zero time means now.
//
// Returns true if a point was queued.
func (c *Client) WriteCharacteristic(connection, device, characteristic string, value any, at time.Time) bool {
	if !c.IsConnected() {
		return false
	}

	fields, ok := Fields(value)
	if !ok {
		c.skipped.Add(1)
		return false
	}
	if at.IsZero() {
		at = time.Now()
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementCharacteristics,
		map[string]string{
			"connection":     connection,
			"device":         device,
			"characteristic": characteristic,
		},
		fields,
		at,
	))
	c.written.Add(1)
	return true
}

// Fields converts a normalized value into InfluxDB fields.
//
// Numbers are written as "value". Booleans are written as "value" (1 or 0)
// plus "state". Strings that parse as numbers are written as numbers, other
// strings are dropped since the bucket stores numeric series only.
func Fields(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case bool:
		n := 0.0
		if v {
			n = 1
		}
		return map[string]any{"value": n, "state": v}, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		return map[string]any{"value": v}, true
	case float32:
		return Fields(float64(v))
	case int:
		return map[string]any{"value": float64(v)}, true
	case int64:
		return map[string]any{"value": float64(v)}, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, false
		}
		return Fields(f)
	default:
		return nil, false
	}
}
