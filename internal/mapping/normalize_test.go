package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"HA - Outpatients New||<8 Days, M": "ha outpatients new <8 days m",
		"  50+ Years ":                     "50+ years",
		"Ｆｕｌｌwidth_Name":                   "fullwidth name",
		"Village/Home":                     "village home",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestDecomposeSource(t *testing.T) {
	cases := []struct {
		key  string
		want SemanticFieldKey
	}{
		{"outpatients_new_cases_less_than_8_days_male", SemanticFieldKey{Category: "outpatients", Subcategory: "new", AgeGroup: "<8 days", Gender: "m"}},
		{"outpatients_new_cases_28_days_to_less_than_1_year_female", SemanticFieldKey{Category: "outpatients", Subcategory: "new", AgeGroup: "28 days to <1 year", Gender: "f"}},
		{"admissions_malaria_less_than_5_years_total", SemanticFieldKey{Category: "admissions", Condition: "malaria", AgeGroup: "<5 years", Gender: "total"}},
		{"general_deaths_village_home", SemanticFieldKey{Category: "deaths", Subcategory: "general", LocationQualifier: "village_home"}},
		{"family_planning_condom_male_new_users", SemanticFieldKey{Category: "family_planning", Subcategory: "condom_male"}},
		{"referrals_non_emergency_rhc", SemanticFieldKey{Category: "referrals", Subcategory: "non_emergency", LocationQualifier: "rhc"}},
		{"gbv_referrals_less_than_18_years", SemanticFieldKey{Category: "gbv_referrals", AgeGroup: "<18 years"}},
		{"staff_meetings_held", SemanticFieldKey{}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DecomposeSource(tc.key), tc.key)
	}
}

func TestDecomposeLabel(t *testing.T) {
	cases := []struct {
		label string
		want  SemanticFieldKey
	}{
		{"HA - Outpatients New||<8 Days, M", SemanticFieldKey{Category: "outpatients", Subcategory: "new", AgeGroup: "<8 days", Gender: "m"}},
		{"HA - Outpatients Returned||50+ Years F", SemanticFieldKey{Category: "outpatients", Subcategory: "return", AgeGroup: "50+ years", Gender: "f"}},
		{"HA - Outpatients New||F, <8 Days", SemanticFieldKey{Category: "outpatients", Subcategory: "new", AgeGroup: "<8 days", Gender: "f"}},
		{"HA - Outpatients New||Male 1 to 4 Years", SemanticFieldKey{Category: "outpatients", Subcategory: "new", AgeGroup: "1 to 4 years", Gender: "m"}},
		{"HA - Admissions Malaria||<5 Years, Total", SemanticFieldKey{Category: "admissions", Condition: "malaria", AgeGroup: "<5 years", Gender: "total"}},
		{"HA - Referrals Non-Emergency||RHC", SemanticFieldKey{Category: "referrals", Subcategory: "non_emergency", LocationQualifier: "rhc"}},
		{"HA - GBV referrals||<18 Years", SemanticFieldKey{Category: "gbv_referrals", AgeGroup: "<18 years"}},
		{"Female condom users", SemanticFieldKey{Gender: "f"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DecomposeLabel(tc.label), tc.label)
	}
}

func TestCanonicalText(t *testing.T) {
	assert.Equal(t, "outpatients new cases <8 days m", CanonicalText("outpatients_new_cases_less_than_8_days_male"))
	assert.Equal(t, "staff meetings held", CanonicalText("staff_meetings_held"))
}

func TestStructuralScoreGenderPenalty(t *testing.T) {
	cfg := defaults()
	src := DecomposeSource("outpatients_new_cases_less_than_8_days_male")
	lbl := DecomposeLabel("HA - Outpatients New||<8 Days, F")
	score, factors, ok := structuralScore(src, lbl, "", "", false, cfg)
	assert.True(t, ok)
	assert.Equal(t, cfg.GenderMismatchScore, score)
	assert.Equal(t, []string{"gender_mismatch"}, factors)

	_, _, ok = structuralScore(src, DecomposeLabel("HA - Maternal Deaths||Health Facility"), "", "", false, cfg)
	assert.False(t, ok)
}
