package warmup

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"signal-engine-go/internal/models"
	"sort"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

const (
	defaultInterval = "1m"
	defaultLimit    = 200
	maxLimit        = 1500 // 币安合约单次请求最多1500条
)

// KlineLoader 拉取最近的K线并转换为tick, 用于冷启动时预热指标
type KlineLoader struct {
	client   *futures.Client
	venue    string
	interval string
	limit    int
	cacheDir string
	logger   *zap.Logger
}

// NewKlineLoader 创建加载器。K线是公共接口, 不需要API Key。
func NewKlineLoader(cfg models.WarmupConfig, venue string, testnet bool, logger *zap.Logger) *KlineLoader {
	futures.UseTestnet = testnet
	l := &KlineLoader{
		client:   futures.NewClient("", ""),
		venue:    venue,
		interval: cfg.Interval,
		limit:    cfg.Limit,
		cacheDir: cfg.CacheDir,
		logger:   logger,
	}
	if l.interval == "" {
		l.interval = defaultInterval
	}
	if l.limit <= 0 {
		l.limit = defaultLimit
	}
	if l.limit > maxLimit {
		l.limit = maxLimit
	}
	return l
}

// SetBaseURL 覆盖REST地址
func (l *KlineLoader) SetBaseURL(url string) {
	l.client.BaseURL = url
}

// Load 拉取所有交易对截至 end 的K线, 按时间合并为一个tick序列。
// 单个交易对失败只记录日志, 该交易对会在实时行情中自然预热。
func (l *KlineLoader) Load(ctx context.Context, symbols []string, end time.Time) []models.PriceTick {
	var all []models.PriceTick
	for _, symbol := range symbols {
		ticks, err := l.loadSymbol(ctx, symbol, end)
		if err != nil {
			l.logger.Warn("加载历史K线失败", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		l.logger.Info("已加载历史K线", zap.String("symbol", symbol), zap.Int("count", len(ticks)))
		all = append(all, ticks...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all
}

func (l *KlineLoader) loadSymbol(ctx context.Context, symbol string, end time.Time) ([]models.PriceTick, error) {
	cachePath := l.cachePath(symbol, end)
	if cachePath != "" {
		if ticks, err := readCSV(cachePath, symbol, l.venue); err == nil {
			l.logger.Debug("从缓存加载K线", zap.String("file", cachePath))
			return ticks, nil
		}
	}

	klines, err := l.client.NewKlinesService().
		Symbol(symbol).
		Interval(l.interval).
		EndTime(end.UnixMilli()).
		Limit(l.limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下载K线数据失败: %w", err)
	}

	ticks := make([]models.PriceTick, 0, len(klines))
	for _, k := range klines {
		tick, err := klineTick(symbol, l.venue, k.CloseTime, k.Close, k.High, k.Low, k.Volume)
		if err != nil {
			return nil, err
		}
		// 未收盘的K线不参与预热
		if tick.Timestamp.After(end) {
			continue
		}
		ticks = append(ticks, tick)
	}

	if cachePath != "" {
		if err := writeCSV(cachePath, ticks); err != nil {
			l.logger.Warn("写入K线缓存失败", zap.String("file", cachePath), zap.Error(err))
		}
	}
	return ticks, nil
}

// cachePath 缓存文件按交易对、周期和结束分钟命名
func (l *KlineLoader) cachePath(symbol string, end time.Time) string {
	if l.cacheDir == "" {
		return ""
	}
	name := fmt.Sprintf("%s_%s_%d_%s.csv", symbol, l.interval, l.limit, end.UTC().Format("20060102T1504"))
	return filepath.Join(l.cacheDir, name)
}

func klineTick(symbol, venue string, closeTime int64, closePrice, high, low, volume string) (models.PriceTick, error) {
	tick := models.PriceTick{Symbol: symbol, Venue: venue, Timestamp: time.UnixMilli(closeTime).UTC()}
	fields := []struct {
		dst *float64
		raw string
	}{
		{&tick.Close, closePrice},
		{&tick.High, high},
		{&tick.Low, low},
		{&tick.Volume, volume},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return tick, fmt.Errorf("解析K线数值 %q 失败: %w", f.raw, err)
		}
		*f.dst = v
	}
	return tick, nil
}

var csvHeader = []string{"close_time", "close", "high", "low", "volume"}

func writeCSV(path string, ticks []models.PriceTick) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("无法创建目录: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}
	for _, t := range ticks {
		record := []string{
			strconv.FormatInt(t.Timestamp.UnixMilli(), 10),
			strconv.FormatFloat(t.Close, 'f', -1, 64),
			strconv.FormatFloat(t.High, 'f', -1, 64),
			strconv.FormatFloat(t.Low, 'f', -1, 64),
			strconv.FormatFloat(t.Volume, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("写入CSV记录失败: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func readCSV(path, symbol, venue string) ([]models.PriceTick, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("读取CSV失败: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("空的缓存文件 %s", path)
	}

	ticks := make([]models.PriceTick, 0, len(records)-1)
	for _, r := range records[1:] {
		if len(r) != len(csvHeader) {
			return nil, fmt.Errorf("CSV列数错误: %d", len(r))
		}
		closeTime, err := strconv.ParseInt(r[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("解析时间戳失败: %w", err)
		}
		tick, err := klineTick(symbol, venue, closeTime, r[1], r[2], r[3], r[4])
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}
