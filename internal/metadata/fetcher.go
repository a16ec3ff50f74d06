package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"coingecko-live-feed/internal/config"
	"coingecko-live-feed/internal/core/model"
)

// 搜索限制
const (
	// minSearchLen 最短查询长度（字符数），更短时不发请求
	minSearchLen = 2
	// maxSearchResults 返回的最大搜索结果数
	maxSearchResults = 8
)

// Fetcher CoinGecko REST 接口
type Fetcher interface {
	// CoinDetails 获取币种详情
	CoinDetails(ctx context.Context, id string) (*CoinDetails, error)
	// OHLC 获取历史 K 线
	OHLC(ctx context.Context, id, vsCurrency string, days int) ([]model.Candle, error)
	// SimplePrice 获取美元价格，失败时 ok=false
	SimplePrice(ctx context.Context, id string) (price float64, ok bool)
	// Search 按关键字搜索币种
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// HTTPFetcher 基于 HTTP 的 CoinGecko REST 客户端
// 所有请求共享同一个限速器，免费档约 30 次/分钟
type HTTPFetcher struct {
	// client HTTP 客户端
	client *http.Client
	// baseURL REST 基础地址（不含末尾 /）
	baseURL string
	// apiKey API Key，为空时不发送
	apiKey string
	// limiter 请求限速器
	limiter *rate.Limiter
	// logger 日志记录器
	logger *zap.Logger
}

// NewHTTPFetcher 创建 CoinGecko REST 客户端
// 参数 cfg: REST 配置
// 参数 logger: 日志记录器
func NewHTTPFetcher(cfg config.RESTConfig, logger *zap.Logger) *HTTPFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(cfg.RatePerSec)
	if cfg.RatePerSec <= 0 {
		limit = rate.Inf
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("rest"),
	}
}

// CoinDetails 获取币种详情
// 参数 ctx: 上下文，用于取消请求
// 参数 id: 币种 ID
// 返回: 币种详情
func (f *HTTPFetcher) CoinDetails(ctx context.Context, id string) (*CoinDetails, error) {
	params := url.Values{}
	params.Set("localization", "false")
	params.Set("tickers", "false")
	params.Set("market_data", "true")
	params.Set("community_data", "true")
	params.Set("developer_data", "false")
	params.Set("sparkline", "false")

	body, err := f.doRequest(ctx, "coins/"+url.PathEscape(id), params)
	if err != nil {
		return nil, fmt.Errorf("请求币种详情失败 id=%s: %w", id, err)
	}

	var details CoinDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, fmt.Errorf("解析币种详情失败 id=%s: %w", id, err)
	}
	return &details, nil
}

// OHLC 获取历史 K 线
// 参数 ctx: 上下文
// 参数 id: 币种 ID
// 参数 vsCurrency: 计价币种，如 usd
// 参数 days: 天数，如 1
// 返回: 按时间升序的 K 线
func (f *HTTPFetcher) OHLC(ctx context.Context, id, vsCurrency string, days int) ([]model.Candle, error) {
	params := url.Values{}
	params.Set("vs_currency", vsCurrency)
	params.Set("days", strconv.Itoa(days))

	body, err := f.doRequest(ctx, "coins/"+url.PathEscape(id)+"/ohlc", params)
	if err != nil {
		return nil, fmt.Errorf("请求 OHLC 失败 id=%s: %w", id, err)
	}

	var rows [][]float64
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("解析 OHLC 失败 id=%s: %w", id, err)
	}
	return CandlesFromOHLC(rows), nil
}

// SimplePrice 获取美元价格
// 任何失败（网络、状态码、币种缺失）均返回 ok=false
func (f *HTTPFetcher) SimplePrice(ctx context.Context, id string) (float64, bool) {
	params := url.Values{}
	params.Set("ids", id)
	params.Set("vs_currencies", "usd")

	body, err := f.doRequest(ctx, "simple/price", params)
	if err != nil {
		f.logger.Debug("获取价格失败", zap.String("id", id), zap.Error(err))
		return 0, false
	}

	var resp map[string]map[string]float64
	if err := json.Unmarshal(body, &resp); err != nil {
		f.logger.Debug("解析价格失败", zap.String("id", id), zap.Error(err))
		return 0, false
	}
	price, ok := resp[id]["usd"]
	return price, ok
}

// Search 按关键字搜索币种
// 查询少于 2 个字符时直接返回空结果；最多返回 8 条
func (f *HTTPFetcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if utf8.RuneCountInString(query) < minSearchLen {
		return []SearchResult{}, nil
	}

	params := url.Values{}
	params.Set("query", query)

	body, err := f.doRequest(ctx, "search", params)
	if err != nil {
		return nil, fmt.Errorf("搜索币种失败 query=%s: %w", query, err)
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("解析搜索结果失败: %w", err)
	}
	if len(resp.Coins) > maxSearchResults {
		resp.Coins = resp.Coins[:maxSearchResults]
	}
	if resp.Coins == nil {
		resp.Coins = []SearchResult{}
	}
	return resp.Coins, nil
}

// doRequest 执行 HTTP GET 请求
// 参数 ctx: 上下文
// 参数 endpoint: 相对路径，如 coins/bitcoin
// 参数 params: 查询参数，空值会被跳过
// 返回: 响应体字节数组；非 2xx 时返回 *APIError
func (f *HTTPFetcher) doRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("等待限速失败: %w", err)
	}

	for k, v := range params {
		if len(v) == 0 || v[0] == "" {
			params.Del(k)
		}
	}
	target := f.baseURL + "/" + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	// 设置请求头
	req.Header.Set("User-Agent", "coingecko-live-feed/1.0")
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set(apiKeyHeader(f.baseURL), f.apiKey)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	f.logger.Debug("REST 请求完成",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp, body)
	}
	return body, nil
}

// newAPIError 从错误响应构建 APIError
// 优先使用响应体中的 error 字段，否则使用状态文本
func newAPIError(resp *http.Response, body []byte) *APIError {
	var eb errorBody
	msg := ""
	if err := json.Unmarshal(body, &eb); err == nil {
		msg = eb.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// apiKeyHeader Pro 地址使用 x-cg-pro-api-key，其余使用 demo key 请求头
func apiKeyHeader(baseURL string) string {
	if strings.Contains(baseURL, "pro-api.coingecko.com") {
		return "x-cg-pro-api-key"
	}
	return "x-cg-demo-api-key"
}

// IsNotFound 判断错误是否为 404（不支持的币种）
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
