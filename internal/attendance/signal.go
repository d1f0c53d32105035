package attendance

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseSignal reads an optional signal strength from a loosely typed value
// (JSON number, numeric string, or raw JSON). Anything malformed yields nil so
// that a bad optional field never fails a check-in.
func ParseSignal(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case json.RawMessage:
		raw := strings.TrimSpace(string(t))
		if raw == "" || raw == "null" {
			return nil
		}
		var inner any
		if err := json.Unmarshal(t, &inner); err != nil {
			return nil
		}
		return ParseSignal(inner)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// EstimateDistance converts an RSSI reading into metres with the log-distance
// path loss model: d = 10 ^ ((txPower - rssi) / (10 * n)).
func EstimateDistance(rssi, txPower, n float64) float64 {
	if n <= 0 {
		n = 2
	}
	d := math.Pow(10, (txPower-rssi)/(10*n))
	return math.Round(d*100) / 100
}
