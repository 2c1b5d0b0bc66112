// Package cache defines the Redis key layout shared by pricing caches.
package cache

import "strings"

const pricingPrefix = "pricing"

// KeyPricingResult returns the key of a memoised calculation result. The
// company and item segments make sweep invalidation possible.
func KeyPricingResult(companyID, itemID, hash string) string {
	return strings.Join([]string{pricingPrefix, "result", companyID, itemID, hash}, ":")
}

// PatternCompanyResults matches every result cached for a company.
func PatternCompanyResults(companyID string) string {
	return strings.Join([]string{pricingPrefix, "result", escapeGlob(companyID), "*"}, ":")
}

// PatternItemResults matches every result cached for one item of a company.
func PatternItemResults(companyID, itemID string) string {
	return strings.Join([]string{pricingPrefix, "result", escapeGlob(companyID), escapeGlob(itemID), "*"}, ":")
}

// KeyRule returns the key of a single cached rule.
func KeyRule(companyID, ruleID string) string {
	return strings.Join([]string{pricingPrefix, "rule", companyID, ruleID}, ":")
}

// PatternCompanyRules matches every rule cached for a company.
func PatternCompanyRules(companyID string) string {
	return strings.Join([]string{pricingPrefix, "rule", escapeGlob(companyID), "*"}, ":")
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }

// KeyRuleStats returns the key of a memoised rule statistics query.
func KeyRuleStats(companyID, hash string) string {
	return strings.Join([]string{pricingPrefix, "stats", companyID, hash}, ":")
}
