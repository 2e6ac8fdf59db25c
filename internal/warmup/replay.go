package warmup

import (
	"fmt"
	"path/filepath"
	"signal-engine-go/internal/models"
	"sort"
	"strings"
)

// SymbolFromPath 从缓存文件路径中提取交易对名称
// 例如: "data/BTCUSDT_1m_200_20240301T1200.csv" -> "BTCUSDT"
func SymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for _, sep := range []string{"_", "-"} {
		if i := strings.Index(name, sep); i > 0 {
			name = name[:i]
		}
	}
	return strings.ToUpper(name)
}

// LoadCSVFiles 读取K线CSV文件 (与预热缓存格式相同) 并按时间合并为tick序列, 用于回放
func LoadCSVFiles(paths []string, venue string) ([]models.PriceTick, error) {
	var all []models.PriceTick
	for _, path := range paths {
		symbol := SymbolFromPath(path)
		if symbol == "" {
			return nil, fmt.Errorf("无法从数据文件路径 %s 中提取交易对", path)
		}
		ticks, err := readCSV(path, symbol, venue)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		all = append(all, ticks...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all, nil
}
