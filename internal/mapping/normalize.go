package mapping

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// SemanticFieldKey is the component decomposition of a source key or a
// target label. Empty components are unknown.
type SemanticFieldKey struct {
	Category          string `json:"category"`
	Subcategory       string `json:"subcategory,omitempty"`
	AgeGroup          string `json:"ageGroup,omitempty"`
	Gender            string `json:"gender,omitempty"`
	Condition         string `json:"condition,omitempty"`
	LocationQualifier string `json:"locationQualifier,omitempty"`
}

// Normalize folds case and compatibility forms, and turns separators into
// single spaces. '<' and '+' survive because age groups depend on them.
func Normalize(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))
	var sb strings.Builder
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '<' || r == '+' {
			sb.WriteRune(r)
			space = false
			continue
		}
		if !space {
			sb.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(sb.String())
}

// hasTerm reports whether the normalized text contains term on word boundaries.
func hasTerm(text, term string) bool {
	return strings.Contains(" "+text+" ", " "+term+" ")
}

// synonym maps a source-key fragment to the label form the target uses.
type synonym struct {
	source string
	label  string
}

var ageGroups = sortedByLength([]synonym{
	{"less_than_8_days", "<8 Days"},
	{"8_to_27_days", "8 to 27 Days"},
	{"28_days_to_less_than_1_year", "28 Days to <1 Year"},
	{"28_days_to_1_year", "28 Days to 1 Year"},
	{"less_than_1_year", "<1 Year"},
	{"1_to_4_years", "1 to 4 Years"},
	{"5_to_9_years", "5 to 9 Years"},
	{"5_to_14_years", "5 to 14 Years"},
	{"15_to_49_years", "15 to 49 Years"},
	{"50_plus_years", "50+ Years"},
	{"0_to_5_months", "0 to 5 Months"},
	{"6_to_11_months", "6 to 11 Months"},
	{"12_to_23_months", "12 to 23 Months"},
	{"24_to_59_months", "24 to 59 Months"},
	{"less_than_12_months", "<12 Months"},
	{"0_to_11_months", "0 to 11 Months"},
	{"10_to_19_years", "10 to 19 Years"},
	{"20_to_24_years", "20 to 24 Years"},
	{"25_to_49_years", "25 to 49 Years"},
	{"less_than_18_years", "<18 Years"},
	{"18_plus_years", "18+ Years"},
	{"less_than_20_years", "<20 Years"},
	{"greater_than_or_equal_to_20_years", "20+ Years"},
	{"less_than_10_years", "<10 Years"},
	{"18_to_19", "18 to 19 Years"},
	{"20_to_24", "20 to 24 Years"},
	{"less_than_5_years", "<5 Years"},
	{"15_years", "15 Years"},
	{"less_than_28_days", "<28 Days"},
})

var genders = []synonym{
	{"_female", "F"},
	{"_male", "M"},
	{"_total", "Total"},
}

// canonicalAges holds the normalized label forms of every known age group.
var canonicalAges = func() map[string]bool {
	m := map[string]bool{}
	for _, a := range ageGroups {
		m[Normalize(a.label)] = true
	}
	return m
}()

// component is one recognizable value inside a category: the fragment that
// marks it in a source key and the terms that mark it in a label.
type component struct {
	value  string
	source string
	label  []string
}

// category describes how one reporting section is spelled on both sides.
type category struct {
	name string
	// prefixes select the category from the start of a source key.
	prefixes []string
	// keepPrefix leaves the prefix in the remainder so it can still carry
	// subcategory information.
	keepPrefix    bool
	labelTerms    []string
	subcategories []component
	conditions    []component
}

// categories are checked in order; more specific entries come first.
var categories = []category{
	{
		name:       "outpatients",
		prefixes:   []string{"outpatients_"},
		labelTerms: []string{"outpatients", "outpatient", "opd"},
		subcategories: []component{
			{"new", "new_cases", []string{"new"}},
			{"return", "return_cases", []string{"returned", "return"}},
			{"chronic", "chronic_cases", []string{"chronic"}},
			{"disability", "person_with_disability", []string{"disability"}},
		},
	},
	{
		name:       "admissions",
		prefixes:   []string{"admissions_"},
		labelTerms: []string{"admissions", "admission", "inpatient", "inpatients"},
		conditions: []component{
			{"malaria", "malaria", []string{"malaria"}},
			{"ari", "ari", []string{"ari"}},
			{"pneumonia", "pneumonia", []string{"pneumonia"}},
			{"diarrhoea", "diarrhoea", []string{"diarrhoea", "diarrhea"}},
			{"injury_trauma", "injury_trauma", []string{"injury", "trauma"}},
			{"malnutrition", "malnutrition", []string{"malnutrition"}},
			{"diabetes", "diabetes", []string{"diabetes"}},
			{"hypertension", "hypertension", []string{"hypertension"}},
			{"skin_infections", "skin_infections", []string{"skin"}},
			{"child_birth", "child_birth", []string{"birth", "childbirth"}},
			{"others", "others", []string{"others", "other"}},
		},
	},
	{
		name:       "deaths",
		prefixes:   []string{"maternal_deaths_", "general_deaths_"},
		keepPrefix: true,
		labelTerms: []string{"deaths", "death"},
		subcategories: []component{
			{"maternal", "maternal_deaths", []string{"maternal"}},
			{"general", "general_deaths", []string{"general"}},
		},
	},
	{
		name:       "non_communicable_diseases",
		prefixes:   []string{"non_communicable_diseases_"},
		labelTerms: []string{"non communicable", "ncd"},
		subcategories: []component{
			{"new", "new_case_of", []string{"new"}},
		},
		conditions: []component{
			{"rheumatic_heart_disease", "rheumatic_heart_disease", []string{"rheumatic"}},
			{"diabetes", "diabetes", []string{"diabetes"}},
			{"hypertension", "hypertension", []string{"hypertension"}},
			{"asthma_chest", "asthma_chest", []string{"asthma"}},
			{"heart_disease", "heart_disease", []string{"heart"}},
			{"mental_health_problem", "mental_health_problem", []string{"mental"}},
			{"substance_abuse", "substance_abuse", []string{"substance"}},
		},
	},
	{
		name:       "family_planning",
		prefixes:   []string{"family_planning_"},
		labelTerms: []string{"family planning", "fp"},
		subcategories: []component{
			{"pills", "pills", []string{"pills", "pill"}},
			{"depo_provera", "depo_provera", []string{"depo"}},
			{"condom_male", "condom_male", []string{"condom male", "male condom"}},
			{"condom_female", "condom_female", []string{"condom female", "female condom"}},
			{"iucd", "iucd", []string{"iucd"}},
			{"jadelle", "jadelle", []string{"jadelle"}},
			{"tubal_ligation", "tubal_ligation", []string{"tubal"}},
			{"vasectomy", "vasectomy", []string{"vasectomy"}},
		},
	},
	{
		name:       "gbv_referrals",
		prefixes:   []string{"gbv_referrals_"},
		labelTerms: []string{"gbv referrals", "gbv"},
	},
	{
		name:       "referrals",
		prefixes:   []string{"referrals_"},
		labelTerms: []string{"referrals", "referral"},
		subcategories: []component{
			{"non_emergency", "non_emergency", []string{"non emergency"}},
			{"emergency", "emergency", []string{"emergency"}},
			{"mental_health", "mental_health", []string{"mental health"}},
		},
	},
	{
		name:       "supervisory_tours",
		prefixes:   []string{"supervisory_tours_"},
		labelTerms: []string{"tours", "supervisory"},
		subcategories: []component{
			{"national_program", "national_program", []string{"national"}},
			{"provincial_program", "provincial_program", []string{"provincial"}},
			{"area_supervisors", "area_supervisors", []string{"area supervisors", "area"}},
			{"medical_team", "medical_team", []string{"medical team"}},
		},
	},
	{
		name:       "communicable_diseases",
		prefixes:   []string{"communicable_diseases_"},
		labelTerms: []string{"communicable", "bacterial infection", "influenza", "pneumonia", "malaria", "diarrhea", "tb", "sti"},
		subcategories: []component{
			{"serious_bacterial_infection", "serious_bacter", []string{"serious bacterial"}},
			{"local_bacterial_infection", "local_bacterial", []string{"local bacterial"}},
			{"influenza_like_illness", "influenza_like_illness", []string{"influenza"}},
			{"severe_pneumonia", "severe_pneumonia", []string{"severe pneumonia"}},
			{"pneumonia", "pneumonia", []string{"pneumonia"}},
		},
	},
	{
		name:       "immunization",
		prefixes:   []string{"epi_", "hpv_"},
		keepPrefix: true,
		labelTerms: []string{"epi", "vaccination", "vaccine", "immunization", "hpv"},
	},
	{
		name:       "maternal_care",
		prefixes:   []string{"antenatal_care_", "postnatal_care_"},
		keepPrefix: true,
		labelTerms: []string{"anc", "pnc", "antenatal", "postnatal"},
		subcategories: []component{
			{"antenatal", "antenatal_care", []string{"anc", "antenatal"}},
			{"postnatal", "postnatal_care", []string{"pnc", "postnatal"}},
		},
	},
	{
		name:       "child_care",
		prefixes:   []string{"child_"},
		keepPrefix: true,
		labelTerms: []string{"child", "nutrition", "growth", "infant"},
	},
	{
		name:       "outreach",
		prefixes:   []string{"outreach_"},
		labelTerms: []string{"outreach", "community"},
	},
	{
		name:       "cold_chain",
		prefixes:   []string{"cold_chain_"},
		labelTerms: []string{"cold chain"},
	},
	{
		name:       "radio",
		prefixes:   []string{"radio_"},
		labelTerms: []string{"radio"},
	},
}

var locationQualifiers = []component{
	{"health_facility", "health_facility", []string{"health facility", "facility"}},
	{"village_home", "village_home", []string{"village", "home"}},
	{"other_dba", "other_dba", []string{"dba", "other dba"}},
	{"satellite", "satellite", []string{"satellite"}},
	{"rhc", "rhc", []string{"rhc"}},
	{"ahc", "ahc", []string{"ahc"}},
	{"hospital", "hospital", []string{"hospital"}},
	{"nrh", "nrh", []string{"nrh"}},
}

func sortedByLength(s []synonym) []synonym {
	sort.SliceStable(s, func(i, j int) bool { return len(s[i].source) > len(s[j].source) })
	return s
}

// containsFragment reports whether key contains frag on '_' boundaries.
func containsFragment(key, frag string) bool {
	return strings.Contains("_"+key+"_", "_"+frag+"_")
}

// removeFragment cuts the first boundary-aligned frag out of key.
func removeFragment(key, frag string) string {
	padded := "_" + key + "_"
	i := strings.Index(padded, "_"+frag+"_")
	if i < 0 {
		return key
	}
	out := padded[:i+1] + padded[i+len(frag)+2:]
	return strings.Trim(out, "_")
}

// DecomposeSource splits an underscore-joined source key into components.
func DecomposeSource(sourceKey string) SemanticFieldKey {
	key := strings.Trim(strings.ToLower(sourceKey), "_")
	var sk SemanticFieldKey

	var cat *category
	for i := range categories {
		for _, p := range categories[i].prefixes {
			if strings.HasPrefix(key+"_", p) {
				cat = &categories[i]
				if !cat.keepPrefix {
					key = strings.Trim(strings.TrimPrefix(key+"_", p), "_")
				}
				break
			}
		}
		if cat != nil {
			break
		}
	}

	// Subcategories go first: some, like condom_male, end in a gender word.
	if cat != nil {
		sk.Category = cat.name
		for _, c := range cat.subcategories {
			if containsFragment(key, c.source) || strings.HasPrefix(key, c.source) {
				sk.Subcategory = c.value
				key = removeFragment(key, c.source)
				break
			}
		}
		for _, c := range cat.conditions {
			if containsFragment(key, c.source) {
				sk.Condition = c.value
				key = removeFragment(key, c.source)
				break
			}
		}
	}

	for _, g := range genders {
		if strings.HasSuffix(key, g.source) {
			sk.Gender = Normalize(g.label)
			key = strings.TrimSuffix(key, g.source)
			break
		}
	}

	for _, a := range ageGroups {
		if containsFragment(key, a.source) {
			sk.AgeGroup = Normalize(a.label)
			key = removeFragment(key, a.source)
			break
		}
	}

	for _, l := range locationQualifiers {
		if containsFragment(key, l.source) {
			sk.LocationQualifier = l.value
			break
		}
	}
	return sk
}

// DecomposeLabel splits a target label, usually "<element>||<details>", into
// components using the same vocabulary as DecomposeSource.
func DecomposeLabel(label string) SemanticFieldKey {
	head, details := label, ""
	if i := strings.Index(label, "||"); i >= 0 {
		head, details = label[:i], label[i+2:]
	}
	headN := Normalize(head)
	detailsN := Normalize(details)
	var sk SemanticFieldKey

	var cat *category
	for i := range categories {
		for _, t := range categories[i].labelTerms {
			if hasTerm(headN, t) {
				cat = &categories[i]
				break
			}
		}
		if cat != nil {
			break
		}
	}
	if cat != nil {
		sk.Category = cat.name
		for _, c := range cat.subcategories {
			if anyTerm(headN, c.label) {
				sk.Subcategory = c.value
				break
			}
		}
		for _, c := range cat.conditions {
			if anyTerm(headN, c.label) {
				sk.Condition = c.value
				break
			}
		}
	}

	age, gender := splitDetails(details)
	sk.AgeGroup = age
	sk.Gender = gender
	if gender == "" {
		sk.Gender = genderWord(headN)
	}

	for _, l := range locationQualifiers {
		if anyTerm(detailsN, l.label) || (details == "" && anyTerm(headN, l.label)) {
			sk.LocationQualifier = l.value
			break
		}
	}
	return sk
}

func anyTerm(text string, terms []string) bool {
	for _, t := range terms {
		if hasTerm(text, t) {
			return true
		}
	}
	return false
}

// splitDetails reads the age group and gender from the detail half of a
// label. Parts may come in either order and be separated by commas or spaces:
// "<8 Days, M", "F, <8 Days", "Female <8 Days".
func splitDetails(details string) (age, gender string) {
	var rest []string
	for _, part := range strings.Split(details, ",") {
		words := strings.Fields(part)
		if len(words) == 0 {
			continue
		}
		if g := genderCode(part); g != "" {
			gender = g
			continue
		}
		if g := genderCode(words[0]); g != "" && len(words) > 1 {
			gender = g
			words = words[1:]
		} else if g := genderCode(words[len(words)-1]); g != "" && len(words) > 1 {
			gender = g
			words = words[:len(words)-1]
		}
		rest = append(rest, strings.Join(words, " "))
	}
	for _, r := range rest {
		if n := Normalize(r); canonicalAges[n] {
			age = n
			break
		}
	}
	if age == "" && len(rest) > 0 {
		if n := Normalize(strings.Join(rest, ", ")); canonicalAges[n] {
			age = n
		}
	}
	if gender == "" {
		gender = genderWord(Normalize(details))
	}
	return age, gender
}

func genderCode(s string) string {
	switch Normalize(s) {
	case "m", "male", "males", "men":
		return "m"
	case "f", "female", "females", "women":
		return "f"
	case "total", "both":
		return "total"
	}
	return ""
}

func genderWord(text string) string {
	switch {
	case hasTerm(text, "female"), hasTerm(text, "women"):
		return "f"
	case hasTerm(text, "male"), hasTerm(text, "men"):
		return "m"
	}
	return ""
}

// gendersConflict reports whether a and b name opposite sexes.
func gendersConflict(a, b string) bool {
	return (a == "m" && b == "f") || (a == "f" && b == "m")
}

// CanonicalText rewrites a source key into label vocabulary so that fuzzy
// comparison sees "<8 days m" rather than "less than 8 days male".
func CanonicalText(sourceKey string) string {
	key := strings.ToLower(sourceKey)
	for _, a := range ageGroups {
		if containsFragment(key, a.source) {
			key = strings.Replace("_"+key+"_", "_"+a.source+"_", "_"+a.label+"_", 1)
			key = strings.Trim(key, "_")
			break
		}
	}
	for _, g := range genders {
		if strings.HasSuffix(key, g.source) {
			key = strings.TrimSuffix(key, g.source) + "_" + g.label
			break
		}
	}
	return Normalize(key)
}
