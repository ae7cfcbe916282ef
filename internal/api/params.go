package api

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lipish/xtrace/internal/apierror"
)

// parseTimeQuery accepts an ISO-8601 instant. An empty value returns the
// zero time with ok=false so callers can apply their own default.
func parseTimeQuery(raw string) (time.Time, bool, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, false, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, value)
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("expected ISO-8601, got %q", value)
	}
	return parsed.UTC(), true, nil
}

func parseIntQuery(raw string, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

// parseMultiValue reads a repeatable query parameter (?tags=a&tags=b) as
// well as a single comma-separated value, matching how most SDKs encode
// multi-value filters against a plain query string.
func parseMultiValue(query url.Values, key string) []string {
	values := query[key]
	if len(values) == 0 {
		return nil
	}
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

var orderByWhitelist = map[string]bool{
	"timestamp.asc": true, "timestamp.desc": true,
	"latency.asc": true, "latency.desc": true,
	"totalCost.asc": true, "totalCost.desc": true,
}

func parseOrderBy(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "timestamp.desc", nil
	}
	if !orderByWhitelist[value] {
		return "", apierror.BadRequest(fmt.Sprintf("invalid orderBy: %q", value))
	}
	return value, nil
}

var stepSeconds = map[string]int64{
	"1m": 60,
	"5m": 300,
	"1h": 3600,
	"1d": 86400,
}

func parseStep(raw string) (int64, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = "1m"
	}
	seconds, ok := stepSeconds[value]
	if !ok {
		return 0, apierror.BadRequest(fmt.Sprintf("invalid step: %q", value))
	}
	return seconds, nil
}

var aggWhitelist = map[string]bool{
	"avg": true, "max": true, "min": true, "sum": true, "last": true,
	"p50": true, "p90": true, "p99": true,
}

func parseAgg(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "avg", nil
	}
	if !aggWhitelist[value] {
		return "", apierror.BadRequest(fmt.Sprintf("invalid agg: %q", value))
	}
	return value, nil
}

func parseLabels(raw string) (map[string]string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}
	var labels map[string]string
	if err := json.Unmarshal([]byte(value), &labels); err != nil {
		return nil, apierror.BadRequest("labels must be a JSON object of string values")
	}
	return labels, nil
}

// fieldsProjection records which optional projections a trace list/detail
// caller asked for via ?fields=io,observations,metrics.
type fieldsProjection struct {
	io           bool
	observations bool
	metrics      bool
	scores       bool
}

func parseFields(raw string) fieldsProjection {
	var p fieldsProjection
	for _, part := range strings.Split(raw, ",") {
		switch strings.TrimSpace(part) {
		case "io":
			p.io = true
		case "observations":
			p.observations = true
		case "metrics":
			p.metrics = true
		case "scores":
			p.scores = true
		}
	}
	return p
}
