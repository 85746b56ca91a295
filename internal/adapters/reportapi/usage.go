package reportapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// Usage header names carrying utilization percentages
const (
	HeaderBusinessUsage  = "X-Business-Use-Case-Usage"
	HeaderAppUsage       = "X-App-Usage"
	HeaderAdAccountUsage = "X-Ad-Account-Usage"
	HeaderInsightsUsage  = "X-Fb-Ads-Insights-Throttle"
)

// Usage summarizes utilization across all usage headers on one response
type Usage struct {
	// MaxPct is the highest utilization percentage reported by any header
	MaxPct float64

	// Source names the header that reported MaxPct
	Source string

	// RegainAccess is the provider estimate of time until quota returns
	RegainAccess time.Duration
}

// Exceeds reports whether utilization is strictly above limit percent
func (u Usage) Exceeds(limit float64) bool { return u.MaxPct > limit }

type bucUsage struct {
	Type                        string  `json:"type"`
	CallCount                   float64 `json:"call_count"`
	TotalCPUTime                float64 `json:"total_cputime"`
	TotalTime                   float64 `json:"total_time"`
	EstimatedTimeToRegainAccess float64 `json:"estimated_time_to_regain_access"`
}

type appUsage struct {
	CallCount    float64 `json:"call_count"`
	TotalCPUTime float64 `json:"total_cputime"`
	TotalTime    float64 `json:"total_time"`
}

type accountUsage struct {
	AccIDUtilPct      float64 `json:"acc_id_util_pct"`
	ResetTimeDuration float64 `json:"reset_time_duration"`
}

type insightsUsage struct {
	AppIDUtilPct float64 `json:"app_id_util_pct"`
	AccIDUtilPct float64 `json:"acc_id_util_pct"`
}

// ParseUsage reads every known usage header. Malformed headers are ignored
func ParseUsage(h http.Header) Usage {
	var u Usage
	bump := func(src string, v float64) {
		if v > u.MaxPct {
			u.MaxPct = v
			u.Source = src
		}
	}

	if raw := h.Get(HeaderBusinessUsage); raw != "" {
		var m map[string][]bucUsage
		if json.Unmarshal([]byte(raw), &m) == nil {
			for _, list := range m {
				for _, b := range list {
					bump(HeaderBusinessUsage, maxOf(b.CallCount, b.TotalCPUTime, b.TotalTime))
					if d := time.Duration(b.EstimatedTimeToRegainAccess * float64(time.Minute)); d > u.RegainAccess {
						u.RegainAccess = d
					}
				}
			}
		}
	}
	if raw := h.Get(HeaderAppUsage); raw != "" {
		var a appUsage
		if json.Unmarshal([]byte(raw), &a) == nil {
			bump(HeaderAppUsage, maxOf(a.CallCount, a.TotalCPUTime, a.TotalTime))
		}
	}
	if raw := h.Get(HeaderAdAccountUsage); raw != "" {
		var a accountUsage
		if json.Unmarshal([]byte(raw), &a) == nil {
			bump(HeaderAdAccountUsage, a.AccIDUtilPct)
			if d := time.Duration(a.ResetTimeDuration * float64(time.Second)); d > u.RegainAccess {
				u.RegainAccess = d
			}
		}
	}
	if raw := h.Get(HeaderInsightsUsage); raw != "" {
		var a insightsUsage
		if json.Unmarshal([]byte(raw), &a) == nil {
			bump(HeaderInsightsUsage, maxOf(a.AppIDUtilPct, a.AccIDUtilPct))
		}
	}
	return u
}

func maxOf(vs ...float64) float64 {
	var m float64
	for _, v := range vs {
		if v > m {
			m = v
		}
	}
	return m
}
