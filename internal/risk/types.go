package risk

import "github.com/MEKXH/permit/internal/approval"

// Rules is an ordered rule set. Within a tier, earlier patterns are tried first.
type Rules struct {
	Critical   []string `yaml:"critical"`
	High       []string `yaml:"high"`
	Medium     []string `yaml:"medium"`
	ShellTools []string `yaml:"shell_tools"`
}

// Append returns r followed by extra, tier by tier.
func (r Rules) Append(extra Rules) Rules {
	return Rules{
		Critical:   concat(r.Critical, extra.Critical),
		High:       concat(r.High, extra.High),
		Medium:     concat(r.Medium, extra.Medium),
		ShellTools: concat(r.ShellTools, extra.ShellTools),
	}
}

// Match is the classification result with the rule that produced it.
type Match struct {
	Level   approval.RiskLevel
	Pattern string // empty when no pattern matched
	Shell   bool   // true when the shell-tool default applied
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
