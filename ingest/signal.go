package ingest

import "fmt"

// Signal is the telemetry kind a session carries.
type Signal int

const (
	SignalLogs Signal = iota
	SignalMetrics
	SignalTraces
)

func (s Signal) String() string {
	switch s {
	case SignalLogs:
		return "logs"
	case SignalMetrics:
		return "metrics"
	case SignalTraces:
		return "traces"
	}
	return fmt.Sprintf("signal_%d", int(s))
}

// PayloadType names the table a payload's stream feeds. Values follow the
// OTel Arrow ArrowPayloadType enum.
type PayloadType int32

const (
	PayloadUnknown PayloadType = 0

	PayloadResourceAttrs PayloadType = 1
	PayloadScopeAttrs    PayloadType = 2

	PayloadUnivariateMetrics           PayloadType = 10
	PayloadNumberDataPoints            PayloadType = 11
	PayloadSummaryDataPoints           PayloadType = 12
	PayloadHistogramDataPoints         PayloadType = 13
	PayloadExpHistogramDataPoints      PayloadType = 14
	PayloadNumberDPAttrs               PayloadType = 15
	PayloadSummaryDPAttrs              PayloadType = 16
	PayloadHistogramDPAttrs            PayloadType = 17
	PayloadExpHistogramDPAttrs         PayloadType = 18
	PayloadNumberDPExemplars           PayloadType = 19
	PayloadHistogramDPExemplars        PayloadType = 20
	PayloadExpHistogramDPExemplars     PayloadType = 21
	PayloadNumberDPExemplarAttrs       PayloadType = 22
	PayloadHistogramDPExemplarAttrs    PayloadType = 23
	PayloadExpHistogramDPExemplarAttrs PayloadType = 24
	PayloadMultivariateMetrics         PayloadType = 25

	PayloadLogs     PayloadType = 30
	PayloadLogAttrs PayloadType = 31

	PayloadSpans          PayloadType = 40
	PayloadSpanAttrs      PayloadType = 41
	PayloadSpanEvents     PayloadType = 42
	PayloadSpanLinks      PayloadType = 43
	PayloadSpanEventAttrs PayloadType = 44
	PayloadSpanLinkAttrs  PayloadType = 45
)

var payloadTypeNames = map[PayloadType]string{
	PayloadUnknown:                     "UNKNOWN",
	PayloadResourceAttrs:               "RESOURCE_ATTRS",
	PayloadScopeAttrs:                  "SCOPE_ATTRS",
	PayloadUnivariateMetrics:           "UNIVARIATE_METRICS",
	PayloadNumberDataPoints:            "NUMBER_DATA_POINTS",
	PayloadSummaryDataPoints:           "SUMMARY_DATA_POINTS",
	PayloadHistogramDataPoints:         "HISTOGRAM_DATA_POINTS",
	PayloadExpHistogramDataPoints:      "EXP_HISTOGRAM_DATA_POINTS",
	PayloadNumberDPAttrs:               "NUMBER_DP_ATTRS",
	PayloadSummaryDPAttrs:              "SUMMARY_DP_ATTRS",
	PayloadHistogramDPAttrs:            "HISTOGRAM_DP_ATTRS",
	PayloadExpHistogramDPAttrs:         "EXP_HISTOGRAM_DP_ATTRS",
	PayloadNumberDPExemplars:           "NUMBER_DP_EXEMPLARS",
	PayloadHistogramDPExemplars:        "HISTOGRAM_DP_EXEMPLARS",
	PayloadExpHistogramDPExemplars:     "EXP_HISTOGRAM_DP_EXEMPLARS",
	PayloadNumberDPExemplarAttrs:       "NUMBER_DP_EXEMPLAR_ATTRS",
	PayloadHistogramDPExemplarAttrs:    "HISTOGRAM_DP_EXEMPLAR_ATTRS",
	PayloadExpHistogramDPExemplarAttrs: "EXP_HISTOGRAM_DP_EXEMPLAR_ATTRS",
	PayloadMultivariateMetrics:         "MULTIVARIATE_METRICS",
	PayloadLogs:                        "LOGS",
	PayloadLogAttrs:                    "LOG_ATTRS",
	PayloadSpans:                       "SPANS",
	PayloadSpanAttrs:                   "SPAN_ATTRS",
	PayloadSpanEvents:                  "SPAN_EVENTS",
	PayloadSpanLinks:                   "SPAN_LINKS",
	PayloadSpanEventAttrs:              "SPAN_EVENT_ATTRS",
	PayloadSpanLinkAttrs:               "SPAN_LINK_ATTRS",
}

func (p PayloadType) String() string {
	if name, ok := payloadTypeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PAYLOAD_TYPE_%d", int32(p))
}

var accepted = map[Signal]map[PayloadType]bool{
	SignalLogs: set(
		PayloadResourceAttrs, PayloadScopeAttrs,
		PayloadLogs, PayloadLogAttrs,
	),
	SignalMetrics: set(
		PayloadResourceAttrs, PayloadScopeAttrs,
		PayloadUnivariateMetrics, PayloadMultivariateMetrics,
		PayloadNumberDataPoints, PayloadSummaryDataPoints,
		PayloadHistogramDataPoints, PayloadExpHistogramDataPoints,
		PayloadNumberDPAttrs, PayloadSummaryDPAttrs,
		PayloadHistogramDPAttrs, PayloadExpHistogramDPAttrs,
		PayloadNumberDPExemplars, PayloadHistogramDPExemplars, PayloadExpHistogramDPExemplars,
		PayloadNumberDPExemplarAttrs, PayloadHistogramDPExemplarAttrs, PayloadExpHistogramDPExemplarAttrs,
	),
	SignalTraces: set(
		PayloadResourceAttrs, PayloadScopeAttrs,
		PayloadSpans, PayloadSpanAttrs,
		PayloadSpanEvents, PayloadSpanLinks,
		PayloadSpanEventAttrs, PayloadSpanLinkAttrs,
	),
}

func set(types ...PayloadType) map[PayloadType]bool {
	m := make(map[PayloadType]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

// Accepts reports whether payloads of type p belong to signal s.
func (s Signal) Accepts(p PayloadType) bool {
	return accepted[s][p]
}
