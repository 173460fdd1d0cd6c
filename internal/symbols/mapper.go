package symbols

import "strings"

// ToFileName converts an exchange symbol to the base name of its series file.
// Symbols are lowercased and a trailing "perp" becomes "usdc", since
// USDC-settled perpetuals are listed as e.g. BTCPERP but stored under their
// settlement currency.
func ToFileName(sym string) string {
	name := strings.ToLower(strings.TrimSpace(sym))
	if strings.HasSuffix(name, "perp") {
		name = strings.TrimSuffix(name, "perp") + "usdc"
	}
	return name + ".csv"
}
