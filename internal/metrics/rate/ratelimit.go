package rate

import (
	"fmt"
	"strings"

	"fundingflow/logger"
)

// ReportRateLimitExceeded increments the rate limit exceeded counter for the given
// exchange and data type. Exchange, symbol and type are attached to the entry.
func ReportRateLimitExceeded(log *logger.Log, exchange, symbol, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(exchange), strings.ToLower(dataType))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
		"type":     strings.ToLower(dataType),
	}
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan increments the IP ban counter for the given exchange and data type.
func ReportIPBan(log *logger.Log, exchange, symbol, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(exchange), strings.ToLower(dataType))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
		"type":     strings.ToLower(dataType),
	}
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// detectLimit inspects the message returned from an exchange and determines whether
// it signals a rate limit exceed or an IP ban. Each exchange words these differently.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage checks an exchange error message for rate limit or IP
// ban wording and records the matching metric. It reports whether either matched.
func ReportLimitFromMessage(log *logger.Log, exchange, symbol, dataType, msg string) bool {
	rateLimit, ipBan := detectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, symbol, dataType)
	}
	if ipBan {
		ReportIPBan(log, exchange, symbol, dataType)
	}
	return rateLimit || ipBan
}
