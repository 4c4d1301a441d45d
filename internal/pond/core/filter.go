package core

import (
	"strings"
	"time"

	"pond/internal/pond/logwire"
)

// TimestampRange is an inclusive [Since, Until] window; a side whose Has
// flag is unset is unbounded.
type TimestampRange struct {
	Since    time.Time
	HasSince bool
	Until    time.Time
	HasUntil bool
}

// Filter is a value type describing a conjunction of predicates. It
// evaluates in two stages: MatchSummary is the cheap first stage
// (site/type/timestamp, using only the record's parsed Summary);
// NeedsFull/MatchFull is the second stage, invoked only if the first
// stage passed and further predicates were set, since it requires a full
// parse of the raw datagram.
type Filter struct {
	Sites      map[string]struct{}
	Hosts      map[string]struct{}
	Generators map[string]struct{}

	HTTPURIStartsWith string
	HTTPURIEquals     string

	HasHTTPStatus   bool
	HTTPStatusBegin uint16
	HTTPStatusEnd   uint16

	HasHTTPMethodMask bool
	HTTPMethodMask    logwire.Method
	HTTPMethodUnsafe  bool

	HasDurationLonger bool
	DurationLonger    time.Duration

	Timestamp TimestampRange

	Type logwire.LogType // TypeUnspecified matches any
}

// HasOneSite reports whether the filter names exactly one site, which lets
// Database route the query straight to that PerSite list.
func (f *Filter) HasOneSite() (string, bool) {
	if len(f.Sites) != 1 {
		return "", false
	}
	for s := range f.Sites {
		return s, true
	}
	return "", false
}

// ClearSites empties the site whitelist; Database does this once a
// single-site filter has already been routed to that site's list, since
// re-checking site membership there would be redundant.
func (f *Filter) ClearSites() {
	f.Sites = nil
}

// NeedsFull reports whether any second-stage predicate is set.
func (f *Filter) NeedsFull() bool {
	return len(f.Hosts) > 0 ||
		len(f.Generators) > 0 ||
		f.HTTPURIStartsWith != "" ||
		f.HTTPURIEquals != "" ||
		f.HasHTTPStatus ||
		f.HasHTTPMethodMask ||
		f.HTTPMethodUnsafe ||
		f.HasDurationLonger
}

// MatchSummary is stage one: site, type, timestamp, using only the
// summary already carried by the record.
func (f *Filter) MatchSummary(s logwire.Summary) bool {
	if len(f.Sites) > 0 {
		if !s.HasSite {
			return false
		}
		if _, ok := f.Sites[s.Site]; !ok {
			return false
		}
	}
	if f.Type != logwire.TypeUnspecified && s.Type != f.Type {
		return false
	}
	if f.Timestamp.HasSince || f.Timestamp.HasUntil {
		if !s.HasTimestamp {
			return false
		}
		if f.Timestamp.HasSince && s.Timestamp.Before(f.Timestamp.Since) {
			return false
		}
		if f.Timestamp.HasUntil && s.Timestamp.After(f.Timestamp.Until) {
			return false
		}
	}
	return true
}

// MatchFull is stage two, requiring the fully parsed datagram.
func (f *Filter) MatchFull(full logwire.Full) bool {
	if len(f.Hosts) > 0 {
		if _, ok := f.Hosts[full.Host]; !ok {
			return false
		}
	}
	if len(f.Generators) > 0 {
		if _, ok := f.Generators[full.Generator]; !ok {
			return false
		}
	}
	if f.HTTPURIStartsWith != "" && !strings.HasPrefix(full.HTTPURI, f.HTTPURIStartsWith) {
		return false
	}
	if f.HTTPURIEquals != "" && full.HTTPURI != f.HTTPURIEquals {
		return false
	}
	if f.HasHTTPStatus {
		if !full.HasHTTPStatus || full.HTTPStatus < f.HTTPStatusBegin || full.HTTPStatus >= f.HTTPStatusEnd {
			return false
		}
	}
	if f.HasHTTPMethodMask {
		if !full.HasHTTPMethod || full.HTTPMethod&f.HTTPMethodMask == 0 {
			return false
		}
	}
	if f.HTTPMethodUnsafe {
		if !full.HasHTTPMethod || full.HTTPMethod&logwire.UnsafeMethodMask == 0 {
			return false
		}
	}
	if f.HasDurationLonger {
		if !full.HasDuration || full.Duration <= f.DurationLonger {
			return false
		}
	}
	return true
}

// MatchRaw runs the full two-stage evaluation against raw datagram bytes,
// parsing only as much as needed: a raw summary first, then (lazily) the
// full datagram.
func MatchRaw(f *Filter, summary logwire.Summary, raw []byte) bool {
	if !f.MatchSummary(summary) {
		return false
	}
	if !f.NeedsFull() {
		return true
	}
	full, err := logwire.ParseFull(raw)
	if err != nil {
		return false
	}
	return f.MatchFull(full)
}
