package decision

import (
	"fmt"
	"strings"
	"text/template"

	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/text"
)

const decisionContract = `Respond with one JSON object and nothing else:
{
  "recommendation": "BUY" | "SELL" | "HOLD",
  "reasoning": "short actionable rationale",
  "position_sizing": percent of account equity to use (0-100, 0 means HOLD),
  "stop_loss": stop-loss percent or null,
  "take_profit": take-profit percent or null,
  "next_cycle_seconds": seconds until the next check if sooner than usual, or null
}`

const reflectionContract = `Respond with one JSON object and nothing else:
{"reflection": "what works and what does not", "improvements": ["concrete change", "..."], "stat_summary": "one line"}`

const defaultUserTemplate = `Asset: {{.Symbol}}
Last price: {{printf "%.6g" .Price}}
Timeframe: {{.Strategy.Timeframe}} (last {{.Strategy.Lookback}} bars)
Focus indicators: {{join .Strategy.Indicators ", "}}

Technical summary:
{{.Summary}}

Open positions:
{{- range .Positions}}
- {{.Side}} {{printf "%.6g" .Quantity}} @ {{printf "%.6g" .AvgEntryPrice}} (unrealized {{printf "%.2f" .UnrealizedPnl}})
{{- else}}
- none
{{- end}}
`

const reflectionUserTemplate = `Last {{len .Trades}} trades for {{.Symbol}}:
Net P&L: {{printf "%.2f" .Stats.NetPnl}}
Average win: {{printf "%.2f" .Stats.AverageWin}}
Average loss: {{printf "%.2f" .Stats.AverageLoss}}
Win rate: {{printf "%.1f" (percent .Stats.WinRate)}}%
Best trade: {{printf "%.2f" .Stats.BestTrade}}
Worst trade: {{printf "%.2f" .Stats.WorstTrade}}
Max drawdown: {{printf "%.2f" .Stats.MaxDrawdown}}

Trades (oldest first):
{{- range .Trades}}
- {{.At.Format "2006-01-02 15:04"}} {{.Action}} qty={{printf "%.6g" .Quantity}} price={{printf "%.6g" .Price}} pnl={{printf "%.2f" .Pnl}}: {{clip .Reasoning}}
{{- else}}
- none
{{- end}}

What works best, what does not, and how should the strategy change?
`

var funcs = template.FuncMap{
	"join":    strings.Join,
	"percent": func(v float64) float64 { return v * 100 },
	"clip":    func(s string) string { return text.Truncate(strings.TrimSpace(s), 240) },
}

var (
	defaultUserTpl    = template.Must(template.New("decision_user").Funcs(funcs).Parse(defaultUserTemplate))
	reflectionUserTpl = template.Must(template.New("reflection_user").Funcs(funcs).Parse(reflectionUserTemplate))
)

// renderDecision returns the system and user prompts; a broken strategy template falls back to the default.
func renderDecision(req Request) (string, string) {
	tpl := defaultUserTpl
	if custom := strings.TrimSpace(req.Strategy.UserTemplate); custom != "" {
		parsed, err := template.New("strategy_user").Funcs(funcs).Parse(custom)
		if err != nil {
			logger.Warnf("strategy %s user_template parse failed: %v", req.Strategy.Name, err)
		} else {
			tpl = parsed
		}
	}
	var b strings.Builder
	if err := tpl.Execute(&b, req); err != nil {
		logger.Warnf("decision prompt render failed: %v", err)
		b.Reset()
		_ = defaultUserTpl.Execute(&b, req)
	}
	system := strings.TrimSpace(req.Strategy.Prompt) + "\n\n" + decisionContract
	return system, b.String()
}

func renderReflection(req ReflectRequest) (string, string) {
	var b strings.Builder
	if err := reflectionUserTpl.Execute(&b, req); err != nil {
		logger.Warnf("reflection prompt render failed: %v", err)
		b.Reset()
		fmt.Fprintf(&b, "Review the last %d trades for %s.", len(req.Trades), req.Symbol)
	}
	system := strings.TrimSpace(req.Strategy.ReflectionPrompt) + "\n\n" + reflectionContract
	return system, b.String()
}
