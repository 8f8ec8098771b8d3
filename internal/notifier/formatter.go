package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"StockETL/internal/model"
)

// MaxListed caps how many rows a single message lists.
const MaxListed = 30

// FormatOutlierReport formats the outliers flagged on each symbol's latest day.
func FormatOutlierReport(runID string, at time.Time, symbols int, outliers []model.EnrichedBar) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>StockETL outliers</b> | %s\n", at.Format(model.DateLayout))
	fmt.Fprintf(&b, "run %s, %d symbols\n\n", shortID(runID), symbols)

	if len(outliers) == 0 {
		b.WriteString("No outliers on the latest trading day ✅")
		return b.String()
	}
	for i, o := range outliers {
		if i == MaxListed {
			fmt.Fprintf(&b, "… and %d more\n", len(outliers)-MaxListed)
			break
		}
		var kinds []string
		if o.IsOutlierClose {
			kinds = append(kinds, "close")
		}
		if o.IsOutlierVolume {
			kinds = append(kinds, "volume")
		}
		fmt.Fprintf(&b, "• <b>%s</b> %s [%s] close %s vol %d",
			html.EscapeString(o.Symbol), o.DateString(), strings.Join(kinds, ", "),
			o.Close.Decimal.StringFixed(2), o.Volume)
		if o.PctChangeClose != nil {
			fmt.Fprintf(&b, " (%+.2f%%)", *o.PctChangeClose)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatDownloadSummary summarizes a refresh run.
func FormatDownloadSummary(downloads []model.Download, tickers map[int64]string, err error) string {
	var b strings.Builder
	b.WriteString("⬇️ <b>Price refresh</b>\n\n")
	if len(downloads) == 0 && err == nil {
		b.WriteString("All symbols are up to date.")
		return b.String()
	}
	rows := 0
	for _, d := range downloads {
		name := tickers[d.SymbolID]
		if name == "" {
			name = fmt.Sprintf("#%d", d.SymbolID)
		}
		switch d.Status {
		case model.DownloadCompleted:
			rows += d.Rows
			fmt.Fprintf(&b, "✅ %s %s..%s: %d rows\n", html.EscapeString(name),
				d.StartDate.Format(model.DateLayout), d.EndDate.Format(model.DateLayout), d.Rows)
		default:
			fmt.Fprintf(&b, "❌ %s: %s\n", html.EscapeString(name), html.EscapeString(d.Error))
		}
	}
	fmt.Fprintf(&b, "\nTotal rows: %d", rows)
	if err != nil {
		fmt.Fprintf(&b, "\n⚠️ %s", html.EscapeString(err.Error()))
	}
	return b.String()
}

// FormatSymbols lists tracked symbols.
func FormatSymbols(symbols []model.Symbol) string {
	if len(symbols) == 0 {
		return "No symbols tracked."
	}
	var b strings.Builder
	b.WriteString("📋 <b>Tracked symbols</b>\n\n")
	for _, s := range symbols {
		state := "active"
		if !s.IsActive {
			state = "inactive"
		}
		fmt.Fprintf(&b, "• %s", html.EscapeString(s.Ticker))
		if s.CompanyName != "" {
			fmt.Fprintf(&b, " (%s)", html.EscapeString(s.CompanyName))
		}
		fmt.Fprintf(&b, " %s\n", state)
	}
	return b.String()
}

// FormatHelp lists the chat commands.
func FormatHelp() string {
	return "Commands:\n• /refresh download stale symbols\n• /outliers latest outlier report\n• /symbols tracked symbols"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
