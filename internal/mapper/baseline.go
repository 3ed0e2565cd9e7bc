package mapper

// Canonical market ids. Stable across books; the line (when present)
// completes the market identity.
const (
	Market1X2FullTime  = "1x2_ft"
	Market1X2HalfTime  = "1x2_ht"
	MarketDoubleChance = "double_chance"
	MarketBTTS         = "btts"
	MarketTotalGoals   = "total_goals"
	MarketHandicap     = "handicap"
	MarketDrawNoBet    = "draw_no_bet"
	MarketTotalCorners = "total_corners"
)

// lineMarkets marks canonical markets whose identity includes a numeric
// line, eligible for the handicap_home substitution.
var lineMarkets = map[string]bool{
	MarketTotalGoals:   true,
	MarketHandicap:     true,
	MarketTotalCorners: true,
}

// baseline maps each book's raw market ids onto canonical ids. The
// primary book uses mnemonic codes, competitor A numeric ids, competitor
// B "M"-prefixed codes.
var baseline = map[string]map[string]string{
	"primary": {
		"1X2":        Market1X2FullTime,
		"HT_1X2":     Market1X2HalfTime,
		"DC":         MarketDoubleChance,
		"BTTS":       MarketBTTS,
		"OU":         MarketTotalGoals,
		"AH":         MarketHandicap,
		"DNB":        MarketDrawNoBet,
		"OU_CORNERS": MarketTotalCorners,
	},
	"comp_a": {
		"800100": Market1X2FullTime,
		"800131": Market1X2HalfTime,
		"800102": MarketDoubleChance,
		"800105": MarketBTTS,
		"800110": MarketTotalGoals,
		"800112": MarketHandicap,
		"800120": MarketDrawNoBet,
		"800140": MarketTotalCorners,
	},
	"comp_b": {
		"M1X2":  Market1X2FullTime,
		"MH1X2": Market1X2HalfTime,
		"MDC":   MarketDoubleChance,
		"MBTTS": MarketBTTS,
		"MTOT":  MarketTotalGoals,
		"MAH":   MarketHandicap,
		"MDNB":  MarketDrawNoBet,
		"MCORN": MarketTotalCorners,
	},
}

func baselineLookup(book, rawID string) (string, bool) {
	table, ok := baseline[book]
	if !ok {
		return "", false
	}
	canonical, ok := table[rawID]
	return canonical, ok
}
