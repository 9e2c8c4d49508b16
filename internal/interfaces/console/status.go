package console

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"mt5bridge/internal/domain/model"
)

// PrintStatus renders the stored heartbeat and open positions as tables.
func PrintStatus(w io.Writer, hb *model.Heartbeat, positions []model.PositionSnapshot, now time.Time) {
	if hb == nil {
		fmt.Fprintln(w, "no heartbeat recorded")
	} else {
		table := tablewriter.NewWriter(w)
		table.Header("Instance", "Status", "Last seen", "Age", "Open", "Started", "Last error")
		table.Append(
			hb.InstanceID,
			string(hb.Status),
			hb.LastSeenAt.Format(time.RFC3339),
			now.Sub(hb.LastSeenAt).Round(time.Second).String(),
			strconv.Itoa(hb.OpenPositionCount),
			hb.StartedAt.Format(time.RFC3339),
			orDash(hb.LastError),
		)
		table.Render()
	}

	if len(positions) == 0 {
		fmt.Fprintln(w, "no open positions")
		return
	}
	PrintPositions(w, positions)
}

func PrintPositions(w io.Writer, positions []model.PositionSnapshot) {
	table := tablewriter.NewWriter(w)
	table.Header("Ticket", "Symbol", "Side", "Volume", "Open", "Current", "Profit", "Updated")
	total := decimal.Zero
	for _, p := range positions {
		if p.Profit != nil {
			total = total.Add(*p.Profit)
		}
		table.Append(
			strconv.FormatInt(p.Ticket, 10),
			p.Symbol,
			string(p.Side),
			p.Volume.String(),
			p.OpenPrice.String(),
			decOrDash(p.CurrentPrice),
			decOrDash(p.Profit),
			p.UpdatedAt.Format("15:04:05"),
		)
	}
	table.Render()
	fmt.Fprintf(w, "%d open, floating profit %s\n", len(positions), total.StringFixed(2))
}

func PrintTrades(w io.Writer, trades []model.TradeEvent) {
	if len(trades) == 0 {
		fmt.Fprintln(w, "no trades recorded")
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("Time", "Ticket", "Action", "Symbol", "Side", "Volume", "Price", "Profit", "Source")
	for _, ev := range trades {
		table.Append(
			ev.OccurredAt.Format(time.RFC3339),
			strconv.FormatInt(ev.Ticket, 10),
			string(ev.Action),
			ev.Symbol,
			string(ev.Side),
			ev.Volume.String(),
			ev.Price.String(),
			decOrDash(ev.Profit),
			string(ev.Source),
		)
	}
	table.Render()
}

func decOrDash(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
