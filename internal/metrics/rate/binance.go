package rate

import (
	"net/http"
	"strconv"

	"fundingflow/logger"
)

// binanceWeightLimit is the default REQUEST_WEIGHT per minute on USDⓈ-M futures.
const binanceWeightLimit = 2400

// ReportBinanceUsage parses the used weight from the response headers and logs
// it. ok is false when the header is absent.
func ReportBinanceUsage(log *logger.Log, header http.Header, symbol string) (used int64, ok bool) {
	usedStr := header.Get("X-MBX-USED-WEIGHT-1m")
	if usedStr == "" {
		return 0, false
	}
	used, _ = strconv.ParseInt(usedStr, 10, 64)

	entry := log.WithComponent("binance_reader").WithFields(logger.Fields{
		"symbol":      symbol,
		"used_weight": used,
	})
	if float64(binanceWeightLimit-used) < binanceWeightLimit*lowQuotaRatio {
		entry.Warn("binance request weight nearly exhausted")
	} else {
		entry.Debug("binance request weight")
	}
	return used, true
}
