// Package news ingests headlines and maintains per-symbol risk flags.
//
// Classification is rule-based: a headline is scanned against severity
// keyword tables and matched to universe symbols by base-asset aliases.
// HIGH flags block new entries until they expire; MEDIUM dampens the
// news factor in scoring. The monitor publishes NewsIngested for every
// accepted item and NewsClassified for each affected symbol.
package news

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Item is one raw news item from a feed.
type Item struct {
	ID       string   `json:"id"`
	Headline string   `json:"headline"`
	Source   string   `json:"source"`
	Symbols  []string `json:"symbols,omitempty"`
}

// highRiskRules match headlines that warrant blocking new entries.
var highRiskRules = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bhack(ed|ing)?\b`),
	regexp.MustCompile(`(?i)\bexploit(ed)?\b`),
	regexp.MustCompile(`(?i)\bdelist(ed|ing)?\b`),
	regexp.MustCompile(`(?i)\bhalt(ed|ing)?\b`),
	regexp.MustCompile(`(?i)\binsolven(t|cy)\b`),
	regexp.MustCompile(`(?i)\bbankrupt(cy)?\b`),
	regexp.MustCompile(`(?i)\bsec (sues|lawsuit|charges)\b`),
	regexp.MustCompile(`(?i)\brug ?pull\b`),
	regexp.MustCompile(`(?i)\bflash crash\b`),
	regexp.MustCompile(`(?i)\bwithdrawals? (suspended|paused|frozen)\b`),
}

// mediumRiskRules match scheduled or structural events that raise
// volatility without being outright adverse.
var mediumRiskRules = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btoken unlock\b`),
	regexp.MustCompile(`(?i)\bhard fork\b`),
	regexp.MustCompile(`(?i)\bnetwork upgrade\b`),
	regexp.MustCompile(`(?i)\bmainnet (launch|upgrade)\b`),
	regexp.MustCompile(`(?i)\bfomc\b`),
	regexp.MustCompile(`(?i)\bcpi (print|release|data)\b`),
	regexp.MustCompile(`(?i)\betf (decision|ruling|deadline)\b`),
	regexp.MustCompile(`(?i)\blawsuit\b`),
	regexp.MustCompile(`(?i)\bregulat(or|ory|ion)\b`),
}

// assetAliases maps base assets to extra names a headline may use.
var assetAliases = map[string][]string{
	"BTC":  {"BITCOIN"},
	"ETH":  {"ETHEREUM", "ETHER"},
	"SOL":  {"SOLANA"},
	"XRP":  {"RIPPLE"},
	"DOGE": {"DOGECOIN"},
	"ADA":  {"CARDANO"},
	"AVAX": {"AVALANCHE"},
	"LINK": {"CHAINLINK"},
	"BNB":  {"BINANCE COIN"},
}

var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "USD"}

// Classifier maps headlines to risk levels and universe symbols.
type Classifier struct {
	logger *zap.Logger
}

// NewClassifier creates a rule-based classifier.
func NewClassifier(logger *zap.Logger) *Classifier {
	return &Classifier{logger: logger.Named("news-classifier")}
}

// Classify returns the risk level a headline implies. Headlines that
// match no rule are LOW.
func (c *Classifier) Classify(headline string) types.NewsRiskLevel {
	for _, re := range highRiskRules {
		if re.MatchString(headline) {
			return types.NewsRiskHigh
		}
	}
	for _, re := range mediumRiskRules {
		if re.MatchString(headline) {
			return types.NewsRiskMedium
		}
	}
	return types.NewsRiskLow
}

// SymbolsFor resolves the universe symbols an item refers to. Explicit
// item symbols win; otherwise the headline is scanned for base assets
// and their aliases. Results preserve universe order and are unique.
func (c *Classifier) SymbolsFor(item Item, universe []string) []string {
	if len(item.Symbols) > 0 {
		var out []string
		seen := make(map[string]bool)
		for _, raw := range item.Symbols {
			sym := normalizeSymbol(raw, universe)
			if sym != "" && !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
		return out
	}

	upper := strings.ToUpper(item.Headline)
	var out []string
	for _, sym := range universe {
		if mentionsAsset(upper, baseAsset(sym)) {
			out = append(out, sym)
		}
	}
	return out
}

// normalizeSymbol maps a raw ticker to a universe symbol, tolerating
// perp suffixes and bare base assets.
func normalizeSymbol(raw string, universe []string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "PERP")
	s = strings.TrimSuffix(s, "-PERP")
	s = strings.TrimSuffix(s, "_PERP")
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")

	for _, sym := range universe {
		if s == sym {
			return sym
		}
	}
	for _, sym := range universe {
		if s == baseAsset(sym) {
			return sym
		}
	}
	return ""
}

func baseAsset(symbol string) string {
	for _, q := range quoteSuffixes {
		if base := strings.TrimSuffix(symbol, q); base != symbol && len(base) >= 2 {
			return base
		}
	}
	return symbol
}

func mentionsAsset(upperHeadline, asset string) bool {
	names := append([]string{asset}, assetAliases[asset]...)
	for _, name := range names {
		idx := strings.Index(upperHeadline, name)
		for idx >= 0 {
			if wordBoundary(upperHeadline, idx, len(name)) {
				return true
			}
			next := strings.Index(upperHeadline[idx+1:], name)
			if next < 0 {
				break
			}
			idx += 1 + next
		}
	}
	return false
}

// wordBoundary guards against ticker substrings inside longer words,
// e.g. SOL inside "SOLUTION".
func wordBoundary(s string, idx, length int) bool {
	if idx > 0 && isAlnum(s[idx-1]) {
		return false
	}
	end := idx + length
	if end < len(s) && isAlnum(s[end]) {
		return false
	}
	return true
}

func isAlnum(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
