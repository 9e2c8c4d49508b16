package terminal

import "github.com/shopspring/decimal"

// Gateway enums, mirroring the terminal's numeric codes.
const (
	positionTypeBuy  = 0
	positionTypeSell = 1

	dealTypeBuy  = 0
	dealTypeSell = 1

	dealEntryIn    = 0
	dealEntryOut   = 1
	dealEntryInOut = 2
	dealEntryOutBy = 3
)

// positionDTO is one element of GET /positions.
type positionDTO struct {
	Ticket       int64            `json:"ticket"`
	Symbol       string           `json:"symbol"`
	Type         int              `json:"type"`
	Volume       decimal.Decimal  `json:"volume"`
	PriceOpen    decimal.Decimal  `json:"price_open"`
	PriceCurrent *decimal.Decimal `json:"price_current"`
	Profit       *decimal.Decimal `json:"profit"`
	Swap         *decimal.Decimal `json:"swap"`
	Commission   *decimal.Decimal `json:"commission"`
	Comment      string           `json:"comment"`
	TimeUpdate   int64            `json:"time_update"`
}

// dealDTO is one element of GET /deals.
type dealDTO struct {
	Ticket     int64            `json:"ticket"`
	PositionID int64            `json:"position_id"`
	Entry      int              `json:"entry"`
	Type       int              `json:"type"`
	Symbol     string           `json:"symbol"`
	Volume     decimal.Decimal  `json:"volume"`
	Price      decimal.Decimal  `json:"price"`
	Profit     *decimal.Decimal `json:"profit"`
	Swap       *decimal.Decimal `json:"swap"`
	Commission *decimal.Decimal `json:"commission"`
	Comment    string           `json:"comment"`
	Time       int64            `json:"time"`
	TimeMsc    int64            `json:"time_msc"`
}
