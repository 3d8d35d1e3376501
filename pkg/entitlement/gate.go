// Package entitlement decides whether a subscription may use an assistant.
package entitlement

import (
	"strings"

	"lexassist/pkg/domain"
)

// rankUnknownRequirement sits above every real tier so an unrecognised
// requirement can never be satisfied.
const rankUnknownRequirement = 1 << 8

// Rank orders plans free < pro < enterprise. Unknown plans rank as free.
func Rank(plan domain.Plan) int {
	switch NormalizePlan(string(plan)) {
	case domain.PlanPro:
		return 1
	case domain.PlanEnterprise:
		return 2
	default:
		return 0
	}
}

// CanAccess reports whether sub satisfies the assistant's required plan.
// Free assistants are always reachable; anything else needs an active
// subscription whose plan ranks at or above the requirement.
func CanAccess(required domain.Plan, sub domain.Subscription) bool {
	req := requiredRank(required)
	if req == 0 {
		return true
	}
	if NormalizeStatus(string(sub.Status)) != domain.SubscriptionActive {
		return false
	}
	return Rank(sub.Plan) >= req
}

func requiredRank(required domain.Plan) int {
	switch strings.ToLower(strings.TrimSpace(string(required))) {
	case "", string(domain.PlanFree):
		return 0
	case string(domain.PlanPro):
		return 1
	case string(domain.PlanEnterprise):
		return 2
	default:
		return rankUnknownRequirement
	}
}

// NormalizePlan maps raw claim values onto a known plan, defaulting to free.
func NormalizePlan(raw string) domain.Plan {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(domain.PlanPro):
		return domain.PlanPro
	case string(domain.PlanEnterprise):
		return domain.PlanEnterprise
	default:
		return domain.PlanFree
	}
}

// NormalizeStatus maps raw claim values onto a known status, defaulting to inactive.
func NormalizeStatus(raw string) domain.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(domain.SubscriptionActive):
		return domain.SubscriptionActive
	case string(domain.SubscriptionExpired):
		return domain.SubscriptionExpired
	default:
		return domain.SubscriptionInactive
	}
}

// ValidPlan reports whether raw names a known plan.
func ValidPlan(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(domain.PlanFree), string(domain.PlanPro), string(domain.PlanEnterprise):
		return true
	}
	return false
}
