package rate

import (
	"net/http"
	"strconv"

	"fundingflow/logger"
)

// lowQuotaRatio is the remaining/limit ratio below which usage is logged as a warning.
const lowQuotaRatio = 0.1

// ReportBybitUsage parses Bybit rate-limit headers and logs the used quota.
// Bybit has changed header names over time, so the legacy X-Bapi-* headers are
// tried first and the X-RateLimit-* variants second. ok is false when neither
// set is present.
func ReportBybitUsage(log *logger.Log, header http.Header, symbol string) (limit, remaining int64, ok bool) {
	limitStr := header.Get("X-Bapi-Limit")
	if limitStr == "" {
		limitStr = header.Get("X-RateLimit-Limit")
	}
	remainingStr := header.Get("X-Bapi-Limit-Status")
	if remainingStr == "" {
		remainingStr = header.Get("X-RateLimit-Remaining")
	}
	if limitStr == "" && remainingStr == "" {
		return 0, 0, false
	}

	limit, _ = strconv.ParseInt(limitStr, 10, 64)
	remaining, _ = strconv.ParseInt(remainingStr, 10, 64)
	used := limit - remaining
	if used < 0 {
		used = 0
	}

	entry := log.WithComponent("bybit_reader").WithFields(logger.Fields{
		"symbol":      symbol,
		"limit":       limit,
		"remaining":   remaining,
		"used_weight": used,
	})
	if limit > 0 && float64(remaining) < float64(limit)*lowQuotaRatio {
		entry.Warn("bybit request quota nearly exhausted")
	} else {
		entry.Debug("bybit request quota")
	}
	return limit, remaining, true
}
