package ranking

// RankingConfig holds the configuration of candidate ranking.
type RankingConfig struct {
	TopK     int    `yaml:"top_k"`     // default: 10
	TieBreak string `yaml:"tie_break"` // default: table
}

// DefaultRankingConfig returns the default ranking configuration.
func DefaultRankingConfig() *RankingConfig {
	return &RankingConfig{
		TopK:     10,
		TieBreak: TieBreakTable.String(),
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *RankingConfig) ApplyDefaults() {
	defaults := DefaultRankingConfig()

	if c.TopK == 0 {
		c.TopK = defaults.TopK
	}
	if c.TieBreak == "" {
		c.TieBreak = defaults.TieBreak
	}
}
