package aster

// Wire types for the Aster REST API (Binance-futures shaped).

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			TickSize   string `json:"tickSize"`
			Notional   string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

type premiumIndexEntry struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

type fundingInfoEntry struct {
	Symbol               string `json:"symbol"`
	FundingIntervalHours int    `json:"fundingIntervalHours"`
}

type ticker24hEntry struct {
	Symbol      string `json:"symbol"`
	QuoteVolume string `json:"quoteVolume"`
}

type openInterestResponse struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

type depthResponse struct {
	Bids [][]string `json:"bids"` // [price, qty]
	Asks [][]string `json:"asks"`
}

type orderResponse struct {
	OrderId     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
	ReduceOnly  bool   `json:"reduceOnly"`
	UpdateTime  int64  `json:"updateTime"`
}

type userTradeEntry struct {
	OrderId         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
}

type positionRiskEntry struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	LiquidationPrice string `json:"liquidationPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

type incomeEntry struct {
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Time       int64  `json:"time"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// orderTradeUpdate is the websocket ORDER_TRADE_UPDATE payload.
type orderTradeUpdate struct {
	EventType string `json:"e"`
	Order     struct {
		Symbol          string `json:"s"`
		Side            string `json:"S"`
		Status          string `json:"X"`
		OrderId         int64  `json:"i"`
		OrigQty         string `json:"q"`
		Price           string `json:"p"`
		AvgPrice        string `json:"ap"`
		CumFilledQty    string `json:"z"`
		LastFilledQty   string `json:"l"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		ReduceOnly      bool   `json:"R"`
		TradeTime       int64  `json:"T"`
	} `json:"o"`
}
