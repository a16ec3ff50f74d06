package metadata

import (
	"sort"
	"time"

	"coingecko-live-feed/internal/core/model"
)

// CandlesFromOHLC 将 OHLC 接口的数组行转换为 K 线
// 每行格式: [timestamp_ms, open, high, low, close]；不足 5 列的行被跳过
// 返回: 按时间升序、时间戳去重（后出现者覆盖）的 K 线
func CandlesFromOHLC(rows [][]float64) []model.Candle {
	candles := make([]model.Candle, 0, len(rows))
	index := make(map[float64]int, len(rows))

	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		c := model.Candle{
			Timestamp: row[0],
			Open:      row[1],
			High:      row[2],
			Low:       row[3],
			Close:     row[4],
		}
		if i, ok := index[c.Timestamp]; ok {
			candles[i] = c
			continue
		}
		index[c.Timestamp] = len(candles)
		candles = append(candles, c)
	}

	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Timestamp < candles[j].Timestamp
	})
	return candles
}

// SeedPrice 用币种详情构建初始价格快照（美元计价）
// 在第一条实时价格到达前用于展示；时间戳取 last_updated（毫秒），解析失败为 0
func SeedPrice(d *CoinDetails) model.PriceSnapshot {
	if d == nil {
		return model.PriceSnapshot{}
	}
	md := d.MarketData
	snap := model.PriceSnapshot{
		CoinID:       d.ID,
		Price:        md.CurrentPrice["usd"],
		Change24hPct: md.PriceChangePercentage24h,
		MarketCap:    md.MarketCap["usd"],
		Volume24h:    md.TotalVolume["usd"],
	}
	if ts, err := time.Parse(time.RFC3339, md.LastUpdated); err == nil {
		snap.Timestamp = float64(ts.UnixMilli())
	}
	return snap
}

// LastCandle 返回最后一根 K 线
func LastCandle(candles []model.Candle) (model.Candle, bool) {
	if len(candles) == 0 {
		return model.Candle{}, false
	}
	return candles[len(candles)-1], true
}
