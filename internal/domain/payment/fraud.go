package payment

import (
	"github.com/shopspring/decimal"
)

// RiskBand buckets a fraud risk score
type RiskBand string

const (
	// RiskBandLow indicates a routine payment
	RiskBandLow RiskBand = "low"
	// RiskBandMedium indicates an elevated but acceptable risk
	RiskBandMedium RiskBand = "medium"
	// RiskBandHigh indicates a payment that should not proceed
	RiskBandHigh RiskBand = "high"
)

// String returns the string representation of RiskBand
func (b RiskBand) String() string {
	return string(b)
}

// Recommendation is the screener's verdict for a payment request
type Recommendation string

const (
	// RecommendationApprove allows the payment to proceed
	RecommendationApprove Recommendation = "approve"
	// RecommendationReview flags the payment for manual review
	RecommendationReview Recommendation = "review"
	// RecommendationDecline stops the payment before any provider call
	RecommendationDecline Recommendation = "decline"
)

// String returns the string representation of Recommendation
func (r Recommendation) String() string {
	return string(r)
}

// FraudAssessment is the result of screening a charge request
type FraudAssessment struct {
	// Score is the computed risk score on a 0-100 scale
	Score int
	// Band buckets the score
	Band RiskBand
	// Recommendation is the verdict
	Recommendation Recommendation
	// Reasons lists the signals that contributed to the verdict
	Reasons []string
}

// Declined returns true when the payment must not reach a provider
func (a FraudAssessment) Declined() bool {
	return a.Recommendation == RecommendationDecline
}

// FraudPolicy holds the screening thresholds. All values come from
// configuration; none are hard-coded business constants.
type FraudPolicy struct {
	// MediumThreshold is the score at or above which the verdict is review
	MediumThreshold int
	// HighThreshold is the score at or above which the verdict is decline
	HighThreshold int
	// AmountCeiling is the amount at or above which the request is
	// declined outright, independent of the score
	AmountCeiling decimal.Decimal
}

// DefaultFraudPolicy returns conservative defaults used when no
// configuration is supplied
func DefaultFraudPolicy() FraudPolicy {
	return FraudPolicy{
		MediumThreshold: 50,
		HighThreshold:   80,
		AmountCeiling:   decimal.NewFromInt(10000),
	}
}

// FraudScreener scores payment requests deterministically so every
// verdict is explainable from the request alone
type FraudScreener struct {
	policy FraudPolicy
}

// NewFraudScreener creates a screener with the given policy
func NewFraudScreener(policy FraudPolicy) *FraudScreener {
	if policy.MediumThreshold <= 0 {
		policy.MediumThreshold = DefaultFraudPolicy().MediumThreshold
	}
	if policy.HighThreshold <= policy.MediumThreshold {
		policy.HighThreshold = policy.MediumThreshold + 30
	}
	if policy.AmountCeiling.LessThanOrEqual(decimal.Zero) {
		policy.AmountCeiling = DefaultFraudPolicy().AmountCeiling
	}
	return &FraudScreener{policy: policy}
}

// Assess screens a charge request. An explicit isHighRisk flag declines
// regardless of amount, and an amount at or above the ceiling declines
// regardless of other signals.
func (s *FraudScreener) Assess(req *ChargeRequest) FraudAssessment {
	assessment := FraudAssessment{}

	if req.IsHighRisk() {
		assessment.Score = 100
		assessment.Band = RiskBandHigh
		assessment.Recommendation = RecommendationDecline
		assessment.Reasons = append(assessment.Reasons, "explicit high-risk flag")
		return assessment
	}

	if req.Amount.GreaterThanOrEqual(s.policy.AmountCeiling) {
		assessment.Score = 100
		assessment.Band = RiskBandHigh
		assessment.Recommendation = RecommendationDecline
		assessment.Reasons = append(assessment.Reasons, "amount at or above ceiling")
		return assessment
	}

	assessment.Score = s.amountScore(req.Amount)
	if req.Metadata["velocityAlert"] == "true" {
		assessment.Score += 25
		assessment.Reasons = append(assessment.Reasons, "velocity alert")
	}
	if assessment.Score > 100 {
		assessment.Score = 100
	}

	switch {
	case assessment.Score >= s.policy.HighThreshold:
		assessment.Band = RiskBandHigh
		assessment.Recommendation = RecommendationDecline
		assessment.Reasons = append(assessment.Reasons, "score above high threshold")
	case assessment.Score >= s.policy.MediumThreshold:
		assessment.Band = RiskBandMedium
		assessment.Recommendation = RecommendationReview
		assessment.Reasons = append(assessment.Reasons, "score above medium threshold")
	default:
		assessment.Band = RiskBandLow
		assessment.Recommendation = RecommendationApprove
	}
	return assessment
}

// amountScore maps the amount onto a 0-99 scale proportional to the
// configured ceiling
func (s *FraudScreener) amountScore(amount decimal.Decimal) int {
	if amount.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	score := amount.Div(s.policy.AmountCeiling).
		Mul(decimal.NewFromInt(100)).
		IntPart()
	if score > 99 {
		score = 99
	}
	return int(score)
}
