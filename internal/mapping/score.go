package mapping

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"formsync/internal/config"
)

// structuralScore weighs component agreement between a source key and a
// label. Agreement adds a component's weight, disagreement on a component
// both sides know subtracts it, and opposite genders force
// GenderMismatchScore. ok is false when the categories differ.
func structuralScore(src, lbl SemanticFieldKey, srcText, labelText string, defaultDetail bool, cfg config.MappingConfig) (score float64, factors []string, ok bool) {
	if src.Category == "" || src.Category != lbl.Category {
		return 0, nil, false
	}
	if gendersConflict(src.Gender, lbl.Gender) {
		return cfg.GenderMismatchScore, []string{"gender_mismatch"}, true
	}

	score = cfg.CategoryWeight
	factors = []string{"category"}
	compare := func(name, a, b string, weight float64) {
		switch {
		case a == "":
		case a == b:
			score += weight
			factors = append(factors, name)
		case b != "":
			score -= weight
		}
	}
	compare("subcategory", src.Subcategory, lbl.Subcategory, cfg.SubcategoryWeight)
	compare("age_group", src.AgeGroup, lbl.AgeGroup, cfg.AgeGroupWeight)
	compare("gender", src.Gender, lbl.Gender, cfg.GenderWeight)
	compare("condition", src.Condition, lbl.Condition, cfg.ConditionWeight)
	compare("location", src.LocationQualifier, lbl.LocationQualifier, cfg.LocationWeight)

	if defaultDetail && src.AgeGroup == "" && src.Gender == "" {
		score += defaultDetailBonus
		factors = append(factors, "default")
	}
	score += similarity(srcText, labelText) * similarityTieBreaker
	return round3(math.Min(score, MaxStructuralScore)), factors, true
}

// fuzzyScore blends token overlap with edit similarity. Opposite genders
// never match.
func fuzzyScore(src, lbl SemanticFieldKey, srcText, labelText string) (float64, []string) {
	if gendersConflict(src.Gender, lbl.Gender) {
		return 0, nil
	}
	j := jaccard(srcText, labelText)
	l := editSimilarity(srcText, labelText)
	var factors []string
	if j > 0 {
		factors = append(factors, "token_overlap")
	}
	if l > 0 {
		factors = append(factors, "edit_similarity")
	}
	return round3((j + l) / 2), factors
}

func similarity(a, b string) float64 {
	return (jaccard(a, b) + editSimilarity(a, b)) / 2
}

func jaccard(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, t := range strings.Fields(s) {
		out[t] = true
	}
	return out
}

func editSimilarity(a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func clampConfidence(v float64) float64 {
	return math.Max(0, math.Min(v, MaxConfidence))
}

// isDefaultDetail reports whether the label's detail half is the target's
// "default" option combination.
func isDefaultDetail(label string) bool {
	i := strings.Index(label, "||")
	return i >= 0 && Normalize(label[i+2:]) == "default"
}
