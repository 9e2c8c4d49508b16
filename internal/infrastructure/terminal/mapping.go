package terminal

import (
	"sort"
	"time"

	"mt5bridge/internal/domain/model"
)

func toSnapshot(p positionDTO) model.PositionSnapshot {
	side := model.Side("")
	switch p.Type {
	case positionTypeBuy:
		side = model.SideBuy
	case positionTypeSell:
		side = model.SideSell
	}
	out := model.PositionSnapshot{
		Ticket:       p.Ticket,
		Symbol:       p.Symbol,
		Side:         side,
		Volume:       p.Volume,
		OpenPrice:    p.PriceOpen,
		CurrentPrice: p.PriceCurrent,
		Profit:       p.Profit,
		Swap:         p.Swap,
		Commission:   p.Commission,
	}
	if p.Comment != "" {
		out.Comment = model.Str(p.Comment)
	}
	if p.TimeUpdate > 0 {
		out.UpdatedAt = time.Unix(p.TimeUpdate, 0).UTC()
	}
	return out
}

func (d dealDTO) at() time.Time {
	if d.TimeMsc > 0 {
		return time.UnixMilli(d.TimeMsc).UTC()
	}
	return time.Unix(d.Time, 0).UTC()
}

func (d dealDTO) position() int64 {
	if d.PositionID > 0 {
		return d.PositionID
	}
	return d.Ticket
}

func isClosing(entry int) bool {
	return entry == dealEntryOut || entry == dealEntryInOut || entry == dealEntryOutBy
}

// toCloseEvents turns a deal window into CLOSE records keyed by position.
// Entry deals in the same window supply the open price and time.
func toCloseEvents(deals []dealDTO) []model.TradeEvent {
	entries := make(map[int64]dealDTO)
	for _, d := range deals {
		if d.Entry == dealEntryIn {
			if prev, ok := entries[d.position()]; !ok || d.at().Before(prev.at()) {
				entries[d.position()] = d
			}
		}
	}

	var out []model.TradeEvent
	for _, d := range deals {
		if !isClosing(d.Entry) {
			continue
		}
		ev := model.TradeEvent{
			Ticket:     d.position(),
			Action:     model.ActionClose,
			Symbol:     d.Symbol,
			Side:       closedSide(d.Type),
			Volume:     d.Volume,
			Price:      d.Price,
			Profit:     d.Profit,
			Swap:       d.Swap,
			Commission: d.Commission,
			OccurredAt: d.at(),
			Source:     model.SourceTerminal,
		}
		if d.Comment != "" {
			ev.Comment = model.Str(d.Comment)
		}
		if in, ok := entries[d.position()]; ok {
			price, at := in.Price, in.at()
			ev.OpenPrice = &price
			ev.OpenedAt = &at
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out
}

// closedSide is the side of the position a closing deal of type t closes.
func closedSide(t int) model.Side {
	switch t {
	case dealTypeSell:
		return model.SideBuy
	case dealTypeBuy:
		return model.SideSell
	}
	return ""
}
