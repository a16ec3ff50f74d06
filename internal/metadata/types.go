// Package metadata 负责从 CoinGecko REST 接口获取币种元数据、历史 K 线与搜索结果。
// 实时推送只提供增量，页面初始数据（币种详情、1 日 OHLC）由本包提供。
package metadata

import "fmt"

// CoinDetails 币种详情
// API: GET /coins/{id}?localization=false&tickers=false&market_data=true
type CoinDetails struct {
	// ID 币种 ID，如 bitcoin
	ID string `json:"id"`
	// Name 币种名称
	Name string `json:"name"`
	// Symbol 币种符号，如 btc
	Symbol string `json:"symbol"`
	// Image 图标地址
	Image CoinImage `json:"image"`
	// MarketCapRank 市值排名
	MarketCapRank int `json:"market_cap_rank"`
	// MarketData 行情数据
	MarketData MarketData `json:"market_data"`
	// Links 相关链接
	Links CoinLinks `json:"links"`
}

// CoinImage 币种图标
type CoinImage struct {
	Large string `json:"large"`
	Small string `json:"small"`
}

// MarketData 币种行情数据
type MarketData struct {
	// CurrentPrice 各计价币种的当前价格
	CurrentPrice map[string]float64 `json:"current_price"`
	// MarketCap 各计价币种的市值
	MarketCap map[string]float64 `json:"market_cap"`
	// TotalVolume 各计价币种的 24h 成交额
	TotalVolume map[string]float64 `json:"total_volume"`
	// PriceChangePercentage24h 24h 涨跌幅（百分比）
	PriceChangePercentage24h float64 `json:"price_change_percentage_24h"`
	// PriceChangePercentage30dInCurrency 30d 涨跌幅（按计价币种）
	PriceChangePercentage30dInCurrency map[string]float64 `json:"price_change_percentage_30d_in_currency"`
	// PriceChange24hInCurrency 24h 价格变动（按计价币种）
	PriceChange24hInCurrency map[string]float64 `json:"price_change_24h_in_currency"`
	// LastUpdated 最后更新时间（RFC3339）
	LastUpdated string `json:"last_updated"`
}

// CoinLinks 币种相关链接
type CoinLinks struct {
	Homepage       []string `json:"homepage"`
	BlockchainSite []string `json:"blockchain_site"`
	SubredditURL   string   `json:"subreddit_url"`
}

// SearchResult 搜索结果中的币种
// API: GET /search?query=...
type SearchResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Thumb  string `json:"thumb"`
}

// searchResponse 搜索接口响应
type searchResponse struct {
	Coins []SearchResult `json:"coins"`
}

// errorBody 错误响应体
type errorBody struct {
	Error string `json:"error"`
}

// APIError REST 接口返回的非 2xx 响应
type APIError struct {
	// Status HTTP 状态码
	Status int
	// Message 响应体中的 error 字段，缺失时为状态文本
	Message string
}

// Error 实现 error，格式: API Error: <status>: <message>
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %d: %s", e.Status, e.Message)
}
