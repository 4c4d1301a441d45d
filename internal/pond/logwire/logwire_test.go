package logwire

import (
	"testing"
	"time"
)

func sampleFull() *Full {
	return &Full{
		Summary: Summary{
			Timestamp:    time.Unix(1700000000, 123000).UTC(),
			HasTimestamp: true,
			Site:         "alice",
			HasSite:      true,
			Type:         TypeHTTPAccess,
		},
		Host:          "alice.example.com",
		HTTPURI:       "/widgets",
		HTTPStatus:    404,
		HasHTTPStatus: true,
		HTTPMethod:    MethodGET,
		HasHTTPMethod: true,
		Duration:      37500 * time.Microsecond,
		HasDuration:   true,
		Generator:     "edge-1",
	}
}

func TestEncodeParseFullRoundTrip(t *testing.T) {
	want := sampleFull()
	raw := Encode(want)

	got, err := ParseFull(raw)
	if err != nil {
		t.Fatalf("ParseFull: %v", err)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
	if got.Site != want.Site || !got.HasSite {
		t.Errorf("Site = %q, want %q", got.Site, want.Site)
	}
	if got.Type != want.Type {
		t.Errorf("Type = %v, want %v", got.Type, want.Type)
	}
	if got.Host != want.Host {
		t.Errorf("Host = %q, want %q", got.Host, want.Host)
	}
	if got.HTTPURI != want.HTTPURI {
		t.Errorf("HTTPURI = %q, want %q", got.HTTPURI, want.HTTPURI)
	}
	if got.HTTPStatus != want.HTTPStatus || !got.HasHTTPStatus {
		t.Errorf("HTTPStatus = %d, want %d", got.HTTPStatus, want.HTTPStatus)
	}
	if got.HTTPMethod != want.HTTPMethod || !got.HasHTTPMethod {
		t.Errorf("HTTPMethod = %v, want %v", got.HTTPMethod, want.HTTPMethod)
	}
	if got.Duration != want.Duration || !got.HasDuration {
		t.Errorf("Duration = %v, want %v", got.Duration, want.Duration)
	}
	if got.Generator != want.Generator {
		t.Errorf("Generator = %q, want %q", got.Generator, want.Generator)
	}
}

func TestParseSummaryStopsAfterThreeTags(t *testing.T) {
	full := sampleFull()
	raw := Encode(full)

	s, err := ParseSummary(raw)
	if err != nil {
		t.Fatalf("ParseSummary: %v", err)
	}
	if !s.HasTimestamp || !s.Timestamp.Equal(full.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", s.Timestamp, full.Timestamp)
	}
	if s.Site != full.Site {
		t.Errorf("Site = %q, want %q", s.Site, full.Site)
	}
	if s.Type != full.Type {
		t.Errorf("Type = %v, want %v", s.Type, full.Type)
	}
}

func TestParseSummaryMissingFieldsAreZeroValue(t *testing.T) {
	raw := Encode(&Full{Summary: Summary{Type: TypeSubmission}})
	s, err := ParseSummary(raw)
	if err != nil {
		t.Fatalf("ParseSummary: %v", err)
	}
	if s.HasTimestamp {
		t.Errorf("HasTimestamp = true, want false")
	}
	if s.HasSite {
		t.Errorf("HasSite = true, want false")
	}
	if s.Type != TypeSubmission {
		t.Errorf("Type = %v, want TypeSubmission", s.Type)
	}
}

func TestParseTruncatedDatagram(t *testing.T) {
	raw := Encode(sampleFull())
	for _, cut := range []int{1, 2, 3, len(raw) - 1} {
		if cut <= 0 || cut >= len(raw) {
			continue
		}
		if _, err := ParseFull(raw[:cut]); err == nil {
			t.Errorf("ParseFull(raw[:%d]) = nil error, want truncation error", cut)
		}
	}
}

func TestUnsafeMethodMask(t *testing.T) {
	cases := []struct {
		m      Method
		unsafe bool
	}{
		{MethodGET, false},
		{MethodHEAD, false},
		{MethodOptions, false},
		{MethodTrace, false},
		{MethodPOST, true},
		{MethodPUT, true},
		{MethodDELETE, true},
		{MethodPatch, true},
		{MethodConnect, true},
	}
	for _, c := range cases {
		got := c.m&UnsafeMethodMask != 0
		if got != c.unsafe {
			t.Errorf("method %v: unsafe = %v, want %v", c.m, got, c.unsafe)
		}
	}
}
