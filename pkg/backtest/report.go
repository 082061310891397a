package backtest

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Metrics summarizes one strategy's replay. HitRate, TotalReturnPct
// and MaxDrawdownPct are percentages; Sharpe is the mean of per-window
// returns over their standard deviation, unannualized.
type Metrics struct {
	Strategy        string  `json:"strategy"`
	StartingCapital float64 `json:"starting_capital"`
	FinalEquity     float64 `json:"final_equity"`
	TotalReturnPct  float64 `json:"total_return_pct"`
	Windows         int     `json:"windows"`
	Trades          int     `json:"trades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	HitRate         float64 `json:"hit_rate"`
	TotalPnL        float64 `json:"total_pnl"`
	AvgPnL          float64 `json:"avg_pnl"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct"`
	Sharpe          float64 `json:"sharpe"`
}

// Result pairs one strategy's metrics with its full trade log and
// equity curve.
type Result struct {
	Metrics Metrics       `json:"metrics"`
	Trades  []Trade       `json:"trades"`
	Curve   []EquityPoint `json:"equity_curve"`
}

// Report is the output of one replay run, one result per strategy in
// the order the ledgers ran.
type Report struct {
	Windows int      `json:"windows"`
	Results []Result `json:"results"`
}

// buildReport folds the finished ledgers into per-strategy results.
func buildReport(p Params, ledgers []*ledger, windows int) *Report {
	report := &Report{
		Windows: windows,
		Results: make([]Result, 0, len(ledgers)),
	}
	for _, led := range ledgers {
		report.Results = append(report.Results, Result{
			Metrics: computeMetrics(p, led),
			Trades:  led.trades,
			Curve:   led.curve,
		})
	}
	return report
}

// computeMetrics derives one strategy's summary from its trades and
// equity curve. Zero-pnl trades count as neither win nor loss.
func computeMetrics(p Params, led *ledger) Metrics {
	m := Metrics{
		Strategy:        led.inst.Name,
		StartingCapital: p.StartingCapital,
		FinalEquity:     p.StartingCapital,
		Windows:         len(led.curve),
		Trades:          len(led.trades),
	}
	if n := len(led.curve); n > 0 {
		m.FinalEquity = led.curve[n-1].Equity
	}
	if p.StartingCapital > 0 {
		m.TotalReturnPct = (m.FinalEquity - p.StartingCapital) / p.StartingCapital * 100
	}

	for _, tr := range led.trades {
		m.TotalPnL += tr.PnL
		switch {
		case tr.PnL > 0:
			m.Wins++
		case tr.PnL < 0:
			m.Losses++
		}
	}
	if m.Trades > 0 {
		m.HitRate = float64(m.Wins) / float64(m.Trades) * 100
		m.AvgPnL = m.TotalPnL / float64(m.Trades)
	}

	peak := p.StartingCapital
	for _, pt := range led.curve {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if dd := peak - pt.Equity; dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
			if peak > 0 {
				m.MaxDrawdownPct = dd / peak * 100
			}
		}
	}

	m.Sharpe = sharpeRatio(p.StartingCapital, led.curve)
	return m
}

// sharpeRatio computes mean over standard deviation of per-window
// returns. Fewer than two windows or a flat curve yield zero.
func sharpeRatio(start float64, curve []EquityPoint) float64 {
	if len(curve) < 2 || start <= 0 {
		return 0
	}
	returns := make([]float64, 0, len(curve))
	prev := start
	for _, pt := range curve {
		if prev <= 0 {
			return 0
		}
		returns = append(returns, (pt.Equity-prev)/prev)
		prev = pt.Equity
	}
	sd := stat.StdDev(returns, nil)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return stat.Mean(returns, nil) / sd
}

const (
	reportBanner = "================================================================================"
	reportRule   = "--------------------------------------------------------------------------------"
)

// String renders the report as the operator-facing text block the
// backtest command prints.
func (r *Report) String() string {
	var b strings.Builder
	b.WriteString(reportBanner + "\n")
	b.WriteString("BACKTEST REPORT\n")
	b.WriteString(reportBanner + "\n")
	fmt.Fprintf(&b, "\nWindows replayed: %d\n", r.Windows)

	for _, res := range r.Results {
		m := res.Metrics
		fmt.Fprintf(&b, "\nSTRATEGY %s\n%s\n", m.Strategy, reportRule)
		fmt.Fprintf(&b, "Starting Capital:    $%.2f\n", m.StartingCapital)
		fmt.Fprintf(&b, "Final Equity:        $%.2f (%+.2f%%)\n", m.FinalEquity, m.TotalReturnPct)
		fmt.Fprintf(&b, "Trades:              %d (%d wins, %d losses)\n", m.Trades, m.Wins, m.Losses)
		fmt.Fprintf(&b, "Hit Rate:            %.2f%%\n", m.HitRate)
		fmt.Fprintf(&b, "Total PnL:           $%.2f\n", m.TotalPnL)
		fmt.Fprintf(&b, "Avg PnL per Trade:   $%.2f\n", m.AvgPnL)
		fmt.Fprintf(&b, "Max Drawdown:        $%.2f (%.2f%%)\n", m.MaxDrawdown, m.MaxDrawdownPct)
		fmt.Fprintf(&b, "Sharpe (per window): %.2f\n", m.Sharpe)
	}
	return b.String()
}
