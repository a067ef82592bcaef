package cache

import "strings"

// TTLDefault passed as a ttl argument selects the policy TTL for the query
// type.
const TTLDefault int64 = 0

// Default TTLs in seconds.
const (
	DefaultKnowledgeTTL   int64 = 7 * 24 * 3600
	DefaultCalculationTTL int64 = 30 * 24 * 3600
	DefaultNewsTTL        int64 = 24 * 3600
	DefaultTTL            int64 = 3600
)

// Category groups query types that share a TTL.
type Category string

const (
	CategoryKnowledge   Category = "knowledge"
	CategoryCalculation Category = "calculation"
	CategoryNews        Category = "news"
	CategoryDefault     Category = "default"
)

var categoryAliases = map[string]Category{
	"knowledge":   CategoryKnowledge,
	"wikipedia":   CategoryKnowledge,
	"wiki":        CategoryKnowledge,
	"definition":  CategoryKnowledge,
	"calculation": CategoryCalculation,
	"calc":        CategoryCalculation,
	"math":        CategoryCalculation,
	"wolfram":     CategoryCalculation,
	"news":        CategoryNews,
	"headlines":   CategoryNews,
}

// Classify maps a query type such as "wikipedia" to its TTL category.
func Classify(queryType string) Category {
	if c, ok := categoryAliases[strings.ToLower(strings.TrimSpace(queryType))]; ok {
		return c
	}
	return CategoryDefault
}

// Policy holds per-category TTLs in seconds.
type Policy struct {
	Knowledge   int64 `yaml:"knowledge" json:"knowledge"`
	Calculation int64 `yaml:"calculation" json:"calculation"`
	News        int64 `yaml:"news" json:"news"`
	Default     int64 `yaml:"default" json:"default"`
}

// DefaultPolicy returns the built-in TTLs.
func DefaultPolicy() Policy {
	return Policy{
		Knowledge:   DefaultKnowledgeTTL,
		Calculation: DefaultCalculationTTL,
		News:        DefaultNewsTTL,
		Default:     DefaultTTL,
	}
}

// TTL returns the TTL in seconds for queryType. Non-positive policy values
// fall back to the built-in default for that category.
func (p Policy) TTL(queryType string) int64 {
	def := DefaultPolicy()
	pick := func(v, fallback int64) int64 {
		if v > 0 {
			return v
		}
		return fallback
	}
	switch Classify(queryType) {
	case CategoryKnowledge:
		return pick(p.Knowledge, def.Knowledge)
	case CategoryCalculation:
		return pick(p.Calculation, def.Calculation)
	case CategoryNews:
		return pick(p.News, def.News)
	default:
		return pick(p.Default, def.Default)
	}
}
