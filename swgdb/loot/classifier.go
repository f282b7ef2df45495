package loot

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"github.com/R21Digital/Project-MorningStar-sub014/script"
	"go.uber.org/zap"
)

// Categories.
const (
	CategoryCredits     = "credits"
	CategoryResource    = "resource"
	CategoryWeapon      = "weapon"
	CategoryArmor       = "armor"
	CategoryComponent   = "component"
	CategoryCollectible = "collectible"
	CategoryMedicine    = "medicine"
	CategorySchematic   = "schematic"
	CategoryJunk        = "junk"
	CategoryUnknown     = "unknown"
)

// Rarities.
const (
	RarityCommon    = "common"
	RarityUncommon  = "uncommon"
	RarityRare      = "rare"
	RarityLegendary = "legendary"
)

// Classification is the category and rarity assigned to an item name.
type Classification struct {
	Category string `json:"category"`
	Rarity   string `json:"rarity"`
	Rule     string `json:"rule,omitempty"` // custom rule that decided, if any
}

type keywordRule struct {
	value string
	re    *regexp.Regexp
}

func keywords(value string, words ...string) keywordRule {
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return keywordRule{value: value, re: regexp.MustCompile(`(?i)\b(?:` + strings.Join(words, "|") + `)(?:s|es)?\b`)}
}

// First match wins.
var categoryRules = []keywordRule{
	keywords(CategorySchematic, "schematic", "blueprint"),
	keywords(CategoryCollectible, "painting", "trophy", "statue", "holocron", "collection", "pearl", "poster", "rug", "figurine"),
	keywords(CategoryMedicine, "stim", "stimpack", "medpack", "medicine", "bacta", "antidote", "buff pack"),
	keywords(CategoryWeapon, "rifle", "pistol", "carbine", "sword", "lightsaber", "saber", "blade", "knife", "axe", "lance", "polearm", "baton", "grenade", "launcher", "vibroblade", "vibroaxe"),
	keywords(CategoryArmor, "armor", "helmet", "bicep", "bracer", "chest plate", "leggings", "boots", "gloves", "belt", "shield generator"),
	keywords(CategoryComponent, "component", "module", "core", "barrel", "scope", "stock", "power crystal", "color crystal", "circuit", "enhancer", "servo", "processor", "power cell", "droid part"),
	keywords(CategoryResource, "hide", "bone", "meat", "ore", "metal", "gas", "chemical", "water", "fiber", "wood", "resource", "radioactive", "gemstone", "milk", "egg", "steel", "copper", "aluminum"),
	keywords(CategoryJunk, "junk", "broken", "scrap", "damaged", "useless", "trash", "shard"),
}

var rarityRules = []keywordRule{
	keywords(RarityLegendary, "legendary", "krayt dragon pearl", "flawless", "mythic", "ancient"),
	keywords(RarityRare, "rare", "exceptional", "perfect", "pearl", "exquisite", "elite"),
	keywords(RarityUncommon, "quality", "enhanced", "fine", "advanced", "superior", "improved"),
}

// Classifier assigns categories and rarities to item names. Custom rules
// run first, in order; the first to return a valid category decides.
type Classifier struct {
	sandbox *script.Sandbox
	rules   []*script.Program
	logger  *zap.Logger
}

// NewClassifier compiles the custom rules. sb may be nil when there are none.
func NewClassifier(sb *script.Sandbox, rules []config.LootRule, logger *zap.Logger) (*Classifier, error) {
	c := &Classifier{sandbox: sb, logger: logger}
	for _, r := range rules {
		if sb == nil {
			return nil, fmt.Errorf("loot: custom rule %q needs a script sandbox", r.Name)
		}
		prog, err := script.Compile(r.Name, r.Source)
		if err != nil {
			return nil, err
		}
		c.rules = append(c.rules, prog)
	}
	return c, nil
}

// Classify returns the classification of an item name.
func (c *Classifier) Classify(ctx context.Context, item string) Classification {
	if strings.EqualFold(strings.TrimSpace(item), "credits") {
		return Classification{Category: CategoryCredits, Rarity: RarityCommon}
	}
	for _, prog := range c.rules {
		out, err := c.sandbox.Run(ctx, prog, script.Env{"item": item})
		if err != nil || out == nil {
			continue
		}
		s, ok := out.(string)
		if !ok {
			continue
		}
		if cl, ok := parseRuleResult(s); ok {
			if cl.Rarity == "" {
				cl.Rarity = matchRarity(item)
			}
			cl.Rule = prog.Name
			return cl
		}
		c.logger.Debug("loot rule returned unknown category", zap.String("rule", prog.Name), zap.String("result", s))
	}
	return Classification{Category: matchCategory(item), Rarity: matchRarity(item)}
}

func matchCategory(item string) string {
	for _, r := range categoryRules {
		if r.re.MatchString(item) {
			return r.value
		}
	}
	return CategoryUnknown
}

func matchRarity(item string) string {
	for _, r := range rarityRules {
		if r.re.MatchString(item) {
			return r.value
		}
	}
	return RarityCommon
}

// parseRuleResult accepts "category" or "category:rarity".
func parseRuleResult(s string) (Classification, bool) {
	cat, rarity, _ := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	if !ValidCategory(cat) {
		return Classification{}, false
	}
	if rarity != "" && !ValidRarity(rarity) {
		rarity = ""
	}
	return Classification{Category: cat, Rarity: rarity}, true
}

// ValidCategory reports whether s is a known category.
func ValidCategory(s string) bool {
	switch s {
	case CategoryCredits, CategoryResource, CategoryWeapon, CategoryArmor, CategoryComponent,
		CategoryCollectible, CategoryMedicine, CategorySchematic, CategoryJunk, CategoryUnknown:
		return true
	}
	return false
}

// ValidRarity reports whether s is a known rarity.
func ValidRarity(s string) bool {
	switch s {
	case RarityCommon, RarityUncommon, RarityRare, RarityLegendary:
		return true
	}
	return false
}
