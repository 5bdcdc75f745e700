package hyperliquid

// Wire types for the Hyperliquid info and exchange endpoints. Numeric fields
// arrive as strings and are converted to decimals at the provider boundary.

// Signature is the secp256k1 signature attached to exchange requests.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

// ExchangeRequest is the signed envelope for exchange actions.
type ExchangeRequest struct {
	Action       interface{} `json:"action"`
	Nonce        int64       `json:"nonce"`
	Signature    Signature   `json:"signature"`
	VaultAddress string      `json:"vaultAddress,omitempty"`
}

// InfoRequest is the request body for the public info endpoint.
type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
	Coin string `json:"coin,omitempty"`
	Oid  int64  `json:"oid,omitempty"`
}

// Action types submitted to the exchange endpoint. Field order matters: the
// msgpack encoding feeds the signature.
const (
	ActionTypeOrder          = "order"
	ActionTypeCancel         = "cancel"
	ActionTypeUpdateLeverage = "updateLeverage"
)

// Action is the tagged union for exchange actions.
type Action struct {
	Type     string          `json:"type" msgpack:"type"`
	Orders   []orderPayload  `json:"orders,omitempty" msgpack:"orders,omitempty"`
	Grouping string          `json:"grouping,omitempty" msgpack:"grouping,omitempty"`
	Cancels  []cancelPayload `json:"cancels,omitempty" msgpack:"cancels,omitempty"`

	// updateLeverage fields.
	Asset    *int  `json:"asset,omitempty" msgpack:"asset,omitempty"`
	IsCross  *bool `json:"isCross,omitempty" msgpack:"isCross,omitempty"`
	Leverage *int  `json:"leverage,omitempty" msgpack:"leverage,omitempty"`
}

type orderPayload struct {
	Asset      int              `json:"a" msgpack:"a"`
	IsBuy      bool             `json:"b" msgpack:"b"`
	Price      string           `json:"p" msgpack:"p"`
	Size       string           `json:"s" msgpack:"s"`
	ReduceOnly bool             `json:"r" msgpack:"r"`
	OrderType  orderTypePayload `json:"t" msgpack:"t"`
}

type orderTypePayload struct {
	Limit *limitPayload `json:"limit,omitempty" msgpack:"limit,omitempty"`
}

type limitPayload struct {
	TIF string `json:"tif" msgpack:"tif"` // "Alo" (post-only), "Ioc", "Gtc"
}

type cancelPayload struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

// orderResponse captures the exchange response after an order submission.
type orderResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []orderStatusEntry `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

type orderStatusEntry struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}

// Meta and asset context payloads from metaAndAssetCtxs.

type metaAndAssetCtxsResponse struct {
	Universe  []universeEntry
	AssetCtxs []assetCtx
}

type universeEntry struct {
	Name         string `json:"name"`
	SzDecimals   int    `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated,omitempty"`
	IsDelisted   bool   `json:"isDelisted,omitempty"`
}

type assetCtx struct {
	Funding      string   `json:"funding"`
	OpenInterest string   `json:"openInterest"`
	DayNtlVlm    string   `json:"dayNtlVlm"`
	MarkPx       string   `json:"markPx"`
	MidPx        string   `json:"midPx"`
	OraclePx     string   `json:"oraclePx"`
	ImpactPxs    []string `json:"impactPxs"`
	Premium      string   `json:"premium"`
}

// assetInfo is the cached per-asset directory entry.
type assetInfo struct {
	Name       string
	Index      int
	SzDecimals int
	IsDelisted bool
}

// l2Book payload.
type l2BookResponse struct {
	Coin   string           `json:"coin"`
	Levels [][]l2BookLevel  `json:"levels"` // [bids, asks]
	Time   int64            `json:"time"`
}

type l2BookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// orderStatus payload from the info endpoint.
type orderStatusResponse struct {
	Status string `json:"status"`
	Order  *struct {
		Order struct {
			Coin      string `json:"coin"`
			Side      string `json:"side"` // "B" | "A"
			LimitPx   string `json:"limitPx"`
			Sz        string `json:"sz"`
			Oid       int64  `json:"oid"`
			Timestamp int64  `json:"timestamp"`
			OrigSz    string `json:"origSz"`
			ReduceOnly bool  `json:"reduceOnly,omitempty"`
		} `json:"order"`
		Status          string `json:"status"`
		StatusTimestamp int64  `json:"statusTimestamp"`
	} `json:"order"`
}

// userFills entry, used to coalesce fills per order.
type userFill struct {
	Coin      string `json:"coin"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	Side      string `json:"side"`
	Time      int64  `json:"time"`
	Oid       int64  `json:"oid"`
	Fee       string `json:"fee"`
	FeeToken  string `json:"feeToken"`
	ClosedPnl string `json:"closedPnl"`
	Crossed   bool   `json:"crossed"`
	Tid       int64  `json:"tid"`
}

// clearinghouseState payload (positions + margin).
type clearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin     string `json:"coin"`
			Szi      string `json:"szi"`
			EntryPx  string `json:"entryPx"`
			Leverage struct {
				Type  string `json:"type"`
				Value int    `json:"value"`
			} `json:"leverage"`
			LiquidationPx  string `json:"liquidationPx"`
			UnrealizedPnl  string `json:"unrealizedPnl"`
			CumFunding     struct {
				AllTime     string `json:"allTime"`
				SinceOpen   string `json:"sinceOpen"`
				SinceChange string `json:"sinceChange"`
			} `json:"cumFunding"`
		} `json:"position"`
		Type string `json:"type"`
	} `json:"assetPositions"`
}
