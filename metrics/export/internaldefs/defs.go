package internaldefs

import (
	"github.com/MrEthical07/sockauth"
)

// CounterDef names one gate counter for exporters.
type CounterDef struct {
	ID   sockauth.MetricID
	Name string
	Help string
}

// HistogramDef names one gate histogram for exporters.
type HistogramDef struct {
	ID   sockauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported gate counter.
var CounterDefs = []CounterDef{
	{ID: sockauth.MetricAdmissionAccepted, Name: "sockauth_admission_accepted_total", Help: "Connections admitted as authenticated."},
	{ID: sockauth.MetricAdmissionAnonymous, Name: "sockauth_admission_anonymous_total", Help: "Connections admitted as anonymous."},
	{ID: sockauth.MetricAdmissionRejected, Name: "sockauth_admission_rejected_total", Help: "Connections refused at the handshake."},
	{ID: sockauth.MetricAdmissionAbandoned, Name: "sockauth_admission_abandoned_total", Help: "Handshakes abandoned by the peer before a decision."},
	{ID: sockauth.MetricOptionalDegraded, Name: "sockauth_optional_degraded_total", Help: "Optional-mode handshakes whose presented credential failed."},
	{ID: sockauth.MetricVerifyMissing, Name: "sockauth_verify_missing_total", Help: "Handshakes without a credential."},
	{ID: sockauth.MetricVerifyMalformed, Name: "sockauth_verify_malformed_total", Help: "Credentials that failed to parse or verify."},
	{ID: sockauth.MetricVerifyExpired, Name: "sockauth_verify_expired_total", Help: "Expired credentials."},
	{ID: sockauth.MetricVerifyMissingSubject, Name: "sockauth_verify_missing_subject_total", Help: "Verified credentials without a subject."},
	{ID: sockauth.MetricVerifySubjectRejected, Name: "sockauth_verify_subject_rejected_total", Help: "Subjects refused by the user directory."},
	{ID: sockauth.MetricVerifyUnexpected, Name: "sockauth_verify_unexpected_total", Help: "Unexpected verification failures."},
	{ID: sockauth.MetricRateLimited, Name: "sockauth_rate_limited_total", Help: "Handshakes refused by the rate limiter."},
	{ID: sockauth.MetricMessageRateLimited, Name: "sockauth_message_rate_limited_total", Help: "Channel events dropped by the message limiter."},
	{ID: sockauth.MetricSubscriptionRateLimited, Name: "sockauth_subscription_rate_limited_total", Help: "Room subscriptions dropped by the subscription limiter."},
	{ID: sockauth.MetricSubjectLookupTimeout, Name: "sockauth_subject_lookup_timeout_total", Help: "User directory lookups that timed out."},
	{ID: sockauth.MetricAuthorizationDenied, Name: "sockauth_authorization_denied_total", Help: "Actions denied by role predicates."},
	{ID: sockauth.MetricPresenceError, Name: "sockauth_presence_error_total", Help: "Failed presence registry writes."},
}

// HistogramDefs lists every exported gate histogram.
var HistogramDefs = []HistogramDef{
	{ID: sockauth.MetricAdmitLatency, Name: "sockauth_admit_latency_seconds", Help: "Admission decision latency."},
}

// HistogramUpperBounds are the bucket bounds in seconds, excluding +Inf.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket for exporters without native
// histograms.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size bucket array.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
