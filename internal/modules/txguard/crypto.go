package txguard

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/1sec-project/bastion/internal/core"
	"github.com/rs/zerolog"
)

// Crypto risk types.
const (
	RiskInvalidAddress      = "invalid_address"
	RiskKnownScam           = "known_scam_address"
	RiskUnsupportedCurrency = "unsupported_currency"
	RiskInvalidAmount       = "invalid_amount"
	RiskAmountTooHigh       = "amount_above_max"
	RiskDustAmount          = "amount_below_min"
	RiskScamCheckFailed     = "scam_check_unavailable"
)

// addressShapes holds the destination address format per currency.
var addressShapes = map[string]*regexp.Regexp{
	"BTC":  regexp.MustCompile(`^([13][a-km-zA-HJ-NP-Z1-9]{25,34}|bc1[ac-hj-np-z02-9]{11,71})$`),
	"ETH":  regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`),
	"USDT": regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`),
	"LTC":  regexp.MustCompile(`^([LM3][a-km-zA-HJ-NP-Z1-9]{26,33}|ltc1[ac-hj-np-z02-9]{11,71})$`),
	"XRP":  regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`),
	"DOGE": regexp.MustCompile(`^D[5-9A-HJ-NP-U][1-9A-HJ-NP-Za-km-z]{32}$`),
}

// SupportedCrypto reports whether an address shape is known for currency.
func SupportedCrypto(currency string) bool {
	_, ok := addressShapes[strings.ToUpper(currency)]
	return ok
}

// CryptoTransaction is a crypto payout request.
type CryptoTransaction struct {
	Currency string  `json:"currency"`
	Address  string  `json:"address"`
	Amount   float64 `json:"amount"`
}

// CryptoRisk is one failed crypto check.
type CryptoRisk struct {
	Type     string        `json:"type"`
	Message  string        `json:"message"`
	Severity core.Severity `json:"severity"`
}

// CryptoResult is the outcome of ValidateCryptoTransaction. ShouldBlock is a
// hard stop: it is true iff any risk is CRITICAL.
type CryptoResult struct {
	IsValid     bool         `json:"is_valid"`
	Risks       []CryptoRisk `json:"risks"`
	ShouldBlock bool         `json:"should_block"`
}

// CryptoValidator checks payout addresses and amounts.
type CryptoValidator struct {
	bounds atomic.Pointer[map[string]core.AmountBounds]
	scams  ScamList
	logger zerolog.Logger
}

// NewCryptoValidator creates a validator. scams may be nil.
func NewCryptoValidator(cfg core.CryptoConfig, scams ScamList, logger zerolog.Logger) *CryptoValidator {
	c := &CryptoValidator{
		scams:  scams,
		logger: logger.With().Str("component", "crypto_guard").Logger(),
	}
	c.SetBounds(cfg.Bounds)
	return c
}

// SetBounds atomically replaces the per-currency amount bounds.
func (c *CryptoValidator) SetBounds(bounds map[string]core.AmountBounds) {
	m := make(map[string]core.AmountBounds, len(bounds))
	for k, b := range bounds {
		m[strings.ToUpper(k)] = b
	}
	c.bounds.Store(&m)
}

// ValidateCryptoTransaction checks the address shape for the currency, the
// scam-address list and the expected amount range.
func (c *CryptoValidator) ValidateCryptoTransaction(ctx context.Context, tx CryptoTransaction) *CryptoResult {
	res := &CryptoResult{Risks: make([]CryptoRisk, 0)}
	add := func(kind, msg string, sev core.Severity) {
		res.Risks = append(res.Risks, CryptoRisk{Type: kind, Message: msg, Severity: sev})
	}

	currency := strings.ToUpper(strings.TrimSpace(tx.Currency))
	shape, ok := addressShapes[currency]
	if !ok {
		add(RiskUnsupportedCurrency, fmt.Sprintf("currency %q is not supported", tx.Currency), core.SeverityHigh)
	} else if !shape.MatchString(tx.Address) {
		add(RiskInvalidAddress, fmt.Sprintf("address is not a valid %s address", currency), core.SeverityCritical)
	}

	if c.scams != nil && tx.Address != "" {
		scam, err := c.scams.IsKnownScamAddress(ctx, tx.Address)
		switch {
		case err != nil:
			c.logger.Warn().Err(err).Str("currency", currency).Msg("scam address lookup failed")
			add(RiskScamCheckFailed, "scam address list unavailable", core.SeverityHigh)
		case scam:
			add(RiskKnownScam, "destination is a known scam address", core.SeverityCritical)
		}
	}

	switch {
	case math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0) || tx.Amount <= 0:
		add(RiskInvalidAmount, "amount must be a finite positive number", core.SeverityHigh)
	default:
		if b, ok := (*c.bounds.Load())[currency]; ok {
			if tx.Amount > b.Max {
				add(RiskAmountTooHigh, fmt.Sprintf("amount exceeds expected maximum of %g %s", b.Max, currency), core.SeverityHigh)
			} else if tx.Amount < b.Min {
				add(RiskDustAmount, fmt.Sprintf("amount below expected minimum of %g %s", b.Min, currency), core.SeverityMedium)
			}
		}
	}

	res.IsValid = len(res.Risks) == 0
	for _, r := range res.Risks {
		if r.Severity == core.SeverityCritical {
			res.ShouldBlock = true
		}
	}
	return res
}
