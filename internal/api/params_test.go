package api

import (
	"net/url"
	"testing"
)

func TestParseTimeQueryEmptyReturnsNotOK(t *testing.T) {
	_, ok, err := parseTimeQuery("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("ok=true for empty input, want false")
	}
}

func TestParseTimeQueryRejectsDateOnly(t *testing.T) {
	_, _, err := parseTimeQuery("2026-01-01")
	if err == nil {
		t.Fatalf("expected error for date-only input, spec requires full ISO-8601 instants")
	}
}

func TestParseTimeQueryAcceptsRFC3339(t *testing.T) {
	parsed, ok, err := parseTimeQuery("2026-01-01T00:00:00Z")
	if err != nil || !ok {
		t.Fatalf("err=%v ok=%v, want nil/true", err, ok)
	}
	if parsed.Year() != 2026 {
		t.Fatalf("year=%d, want 2026", parsed.Year())
	}
}

func TestParseOrderByDefaultsWhenEmpty(t *testing.T) {
	got, err := parseOrderBy("")
	if err != nil || got != "timestamp.desc" {
		t.Fatalf("got=%q err=%v, want timestamp.desc/nil", got, err)
	}
}

func TestParseOrderByRejectsUnknownValue(t *testing.T) {
	if _, err := parseOrderBy("cost.asc"); err == nil {
		t.Fatalf("expected error for value outside whitelist")
	}
}

func TestParseStepMapsToSeconds(t *testing.T) {
	cases := map[string]int64{"1m": 60, "5m": 300, "1h": 3600, "1d": 86400, "": 60}
	for input, want := range cases {
		got, err := parseStep(input)
		if err != nil {
			t.Fatalf("parseStep(%q) error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseStep(%q)=%d, want %d", input, got, want)
		}
	}
}

func TestParseStepRejectsUnknownValue(t *testing.T) {
	if _, err := parseStep("3s"); err == nil {
		t.Fatalf("expected error for value outside whitelist")
	}
}

func TestParseAggDefaultsToAvg(t *testing.T) {
	got, err := parseAgg("")
	if err != nil || got != "avg" {
		t.Fatalf("got=%q err=%v, want avg/nil", got, err)
	}
}

func TestParseLabelsRejectsMalformedJSON(t *testing.T) {
	if _, err := parseLabels("not-json"); err == nil {
		t.Fatalf("expected error for malformed labels")
	}
}

func TestParseLabelsParsesObject(t *testing.T) {
	labels, err := parseLabels(`{"env":"prod"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if labels["env"] != "prod" {
		t.Fatalf("labels=%v, want env=prod", labels)
	}
}

func TestParseFieldsParsesCommaList(t *testing.T) {
	fields := parseFields("io,metrics")
	if !fields.io || !fields.metrics || fields.observations || fields.scores {
		t.Fatalf("fields=%+v, want io and metrics only", fields)
	}
}

func TestParseMultiValueAcceptsRepeatedAndCommaSeparated(t *testing.T) {
	query := url.Values{"tags": []string{"a,b", "c"}}
	got := parseMultiValue(query, "tags")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got=%v, want %v", got, want)
		}
	}
}

func TestParseIntQueryEnforcesBounds(t *testing.T) {
	if _, err := parseIntQuery("300", "limit", 1, 200); err == nil {
		t.Fatalf("expected error for value above max")
	}
	if _, err := parseIntQuery("0", "page", 1, 0); err == nil {
		t.Fatalf("expected error for value below min")
	}
	got, err := parseIntQuery("5", "limit", 1, 200)
	if err != nil || got != 5 {
		t.Fatalf("got=%d err=%v, want 5/nil", got, err)
	}
}
