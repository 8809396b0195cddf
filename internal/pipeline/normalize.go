package pipeline

import (
	"regexp"
	"strings"
)

var entitySuffixes = regexp.MustCompile(
	`(?i)\s*,?\s*(LLC|L\.?L\.?C\.?|INC\.?|INCORPORATED|CORP\.?|CORPORATION|` +
		`CO\.?|COMPANY|LTD\.?|LIMITED|L\.?P\.?|LLP|L\.?L\.?P\.?|` +
		`PLLC|P\.?L\.?L\.?C\.?|P\.?C\.?|DBA|D/B/A)\s*\.?\s*$`)

var facilitySuffixes = regexp.MustCompile(
	`(?i)\s+(SKILLED NURSING FACILITY|SKILLED NURSING|NURSING HOME|NURSING CENTER|` +
		`HEALTH AND REHABILITATION|HEALTH & REHABILITATION|HEALTH AND REHAB|HEALTH & REHAB|` +
		`REHABILITATION CENTER|REHAB CENTER|CARE CENTER|HEALTHCARE CENTER|` +
		`HEALTH CARE CENTER|SENIOR LIVING|ASSISTED LIVING|SNF|ALF)\s*$`)

var nonAlnum = regexp.MustCompile(`[^A-Z0-9 ]+`)

var multiSpace = regexp.MustCompile(`\s{2,}`)

// normalizeName canonicalizes a facility name for identity matching: strip
// legal entity suffixes, common facility descriptors, and punctuation.
func normalizeName(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = entitySuffixes.ReplaceAllString(n, "")
	n = facilitySuffixes.ReplaceAllString(n, "")
	n = strings.ReplaceAll(n, "'", "")
	n = nonAlnum.ReplaceAllString(n, " ")
	n = multiSpace.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

// nameOverlap scores two normalized names by token overlap (Jaccard).
// Identical names score 1.0, disjoint names 0.0.
func nameOverlap(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	var shared int
	for tok := range setA {
		if setB[tok] {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	return float64(shared) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}
