package rules

// NewDefaultRules returns the standard eager policy: materialize missing and
// parent-updated partitions (plus freshness requirements), wait for upstreams
// to be present and up to date, and cap each tick at maxPerTick requests. A
// maxPerTick of zero or less disables the cap.
func NewDefaultRules(maxPerTick int) []Rule {
	rs := []Rule{
		MaterializeOnMissingRule{},
		MaterializeOnParentUpdatedRule{},
		MaterializeOnRequiredForFreshnessRule{},
		SkipOnParentOutdatedRule{},
		SkipOnParentMissingRule{},
		SkipOnRequiredButNonexistentParentsRule{},
		SkipOnBackfillInProgressRule{},
	}
	if maxPerTick > 0 {
		rs = append(rs, DiscardOnMaxMaterializationsExceededRule{Limit: maxPerTick})
	}
	return rs
}
