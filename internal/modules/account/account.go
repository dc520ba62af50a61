// Package account scores login attempts and decides when MFA is required.
// Everything here is a pure function of its inputs.
package account

import (
	"math"
	"net/netip"
	"strings"
	"time"

	"github.com/1sec-project/bastion/internal/core"
)

// Action is the outcome of login anomaly detection.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionRequireMFA Action = "require_mfa"
	ActionBlock      Action = "block"
)

// Anomaly types and their fixed risk weights.
const (
	AnomalyUntrustedIP = "untrusted_ip"
	AnomalyUnusualTime = "unusual_time"
	AnomalyNewDevice   = "new_device"

	riskUntrustedIP = 0.4
	riskUnusualTime = 0.3
	riskNewDevice   = 0.5

	blockAbove     = 0.7
	requireMFAFrom = 0.4
)

// LoginAttempt is one authentication attempt.
type LoginAttempt struct {
	UserID            string    `json:"user_id"`
	IP                string    `json:"ip"`
	DeviceFingerprint string    `json:"device_fingerprint"`
	UserAgent         string    `json:"user_agent,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// UserHistory is what is known about the user's past logins. TrustedIPs may
// hold single addresses or CIDR prefixes; TypicalHours are UTC hours.
type UserHistory struct {
	TrustedIPs   []string `json:"trusted_ips"`
	TypicalHours []int    `json:"typical_hours"`
	KnownDevices []string `json:"known_devices"`
}

// Anomaly is one untrusted signal.
type Anomaly struct {
	Type    string  `json:"type"`
	Risk    float64 `json:"risk"`
	Message string  `json:"message"`
}

// LoginAnomalyResult is the scored outcome of a login attempt.
type LoginAnomalyResult struct {
	HasAnomalies bool      `json:"has_anomalies"`
	Anomalies    []Anomaly `json:"anomalies"`
	OverallRisk  float64   `json:"overall_risk"`
	Action       Action    `json:"action"`
}

// Has reports whether an anomaly of the given type was detected.
func (r LoginAnomalyResult) Has(kind string) bool {
	for _, a := range r.Anomalies {
		if a.Type == kind {
			return true
		}
	}
	return false
}

// DetectLoginAnomalies evaluates IP trust, time of day and device
// recognition independently. Risk is the uncapped sum of the signals,
// rounded to two decimals.
func DetectLoginAnomalies(a LoginAttempt, h UserHistory) LoginAnomalyResult {
	res := LoginAnomalyResult{Anomalies: make([]Anomaly, 0, 3)}

	if !ipTrusted(a.IP, h.TrustedIPs) {
		res.Anomalies = append(res.Anomalies, Anomaly{
			Type: AnomalyUntrustedIP, Risk: riskUntrustedIP, Message: "login from an IP address not previously trusted",
		})
	}

	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if unusualHour(ts.UTC().Hour(), h.TypicalHours) {
		res.Anomalies = append(res.Anomalies, Anomaly{
			Type: AnomalyUnusualTime, Risk: riskUnusualTime, Message: "login outside the user's usual hours",
		})
	}

	if !deviceKnown(a.DeviceFingerprint, h.KnownDevices) {
		res.Anomalies = append(res.Anomalies, Anomaly{
			Type: AnomalyNewDevice, Risk: riskNewDevice, Message: "login from an unrecognized device",
		})
	}

	res.HasAnomalies = len(res.Anomalies) > 0
	for _, an := range res.Anomalies {
		res.OverallRisk += an.Risk
	}
	res.OverallRisk = math.Round(res.OverallRisk*100) / 100

	switch {
	case res.OverallRisk > blockAbove:
		res.Action = ActionBlock
	case res.OverallRisk >= requireMFAFrom:
		res.Action = ActionRequireMFA
	default:
		res.Action = ActionAllow
	}
	return res
}

func ipTrusted(ip string, trusted []string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, t := range trusted {
		t = strings.TrimSpace(t)
		if strings.Contains(t, "/") {
			if p, err := netip.ParsePrefix(t); err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if other, err := netip.ParseAddr(t); err == nil && other.Unmap() == addr {
			return true
		}
	}
	return false
}

// unusualHour allows one hour either side of a typical hour. Without any
// history nothing is unusual.
func unusualHour(hour int, typical []int) bool {
	if len(typical) == 0 {
		return false
	}
	for _, t := range typical {
		d := hour - t
		if d < 0 {
			d = -d
		}
		if d > 12 {
			d = 24 - d
		}
		if d <= 1 {
			return false
		}
	}
	return true
}

func deviceKnown(fp string, known []string) bool {
	if fp == "" {
		return false
	}
	for _, k := range known {
		if k == fp {
			return true
		}
	}
	return false
}

// ─── MFA enforcement ─────────────────────────────────────────────────────────

// Sensitive actions that always require MFA.
const (
	SensitivePasswordChange = "password_change"
	SensitiveEmailChange    = "email_change"
)

var sensitiveActions = map[string]struct{}{
	SensitivePasswordChange: {},
	SensitiveEmailChange:    {},
}

// MFAContext describes the operation being authorized.
type MFAContext struct {
	TransactionRisk   float64 `json:"transaction_risk"`
	UntrustedDevice   bool    `json:"untrusted_device"`
	UntrustedLocation bool    `json:"untrusted_location"`
	Amount            float64 `json:"amount"`
	UserLimit         float64 `json:"user_limit"`
	Action            string  `json:"action,omitempty"`
}

// MFAContextFromLogin derives device and location trust from a scored login.
func MFAContextFromLogin(r LoginAnomalyResult) MFAContext {
	return MFAContext{
		TransactionRisk:   r.OverallRisk,
		UntrustedDevice:   r.Has(AnomalyNewDevice),
		UntrustedLocation: r.Has(AnomalyUntrustedIP),
	}
}

// MFARequirement is the MFA decision.
type MFARequirement struct {
	RequiresMFA bool          `json:"requires_mfa"`
	Reasons     []string      `json:"reasons,omitempty"`
	Methods     []string      `json:"methods,omitempty"`
	Timeout     time.Duration `json:"timeout"`
}

// EnforceMFA requires MFA when any condition holds: transaction risk above
// the configured threshold, an untrusted device or location, an amount above
// the user's limit, or a sensitive action.
func EnforceMFA(c MFAContext, cfg core.MFAConfig) MFARequirement {
	var reasons []string
	if c.TransactionRisk > cfg.RiskThreshold {
		reasons = append(reasons, "high_risk")
	}
	if c.UntrustedDevice {
		reasons = append(reasons, "untrusted_device")
	}
	if c.UntrustedLocation {
		reasons = append(reasons, "untrusted_location")
	}
	if c.UserLimit > 0 && c.Amount > c.UserLimit {
		reasons = append(reasons, "limit_exceeded")
	}
	if _, ok := sensitiveActions[strings.ToLower(c.Action)]; ok {
		reasons = append(reasons, "sensitive_action")
	}

	if len(reasons) == 0 {
		return MFARequirement{}
	}
	timeout := cfg.ChallengeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	methods := make([]string, len(cfg.Methods))
	copy(methods, cfg.Methods)
	return MFARequirement{
		RequiresMFA: true,
		Reasons:     reasons,
		Methods:     methods,
		Timeout:     timeout,
	}
}
