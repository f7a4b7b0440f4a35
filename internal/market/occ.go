package market

import (
	"regexp"
	"strconv"
	"time"
)

// OCCSymbol is a parsed option contract identifier.
type OCCSymbol struct {
	Ticker     string
	Expiration string // YYYY-MM-DD
	OptionType string // CALL or PUT
	Strike     float64
	Raw        string
}

// OCC format: TICKER + YYMMDD + C/P + strike*1000 zero-padded to 8 digits.
var occPattern = regexp.MustCompile(`^([A-Z]{1,6})(\d{6})([CP])(\d{8})$`)

// ParseOCC parses an OCC option symbol like AAPL250321C00175000. Returns
// false if the symbol does not match the OCC layout.
func ParseOCC(symbol string) (OCCSymbol, bool) {
	m := occPattern.FindStringSubmatch(symbol)
	if m == nil {
		return OCCSymbol{}, false
	}
	exp, err := time.Parse("060102", m[2])
	if err != nil {
		return OCCSymbol{}, false
	}
	strikeRaw, err := strconv.Atoi(m[4])
	if err != nil {
		return OCCSymbol{}, false
	}
	typ := "CALL"
	if m[3] == "P" {
		typ = "PUT"
	}
	return OCCSymbol{
		Ticker:     m[1],
		Expiration: exp.Format("2006-01-02"),
		OptionType: typ,
		Strike:     float64(strikeRaw) / 1000.0,
		Raw:        symbol,
	}, true
}

// DTE returns whole days from now until the YYYY-MM-DD expiration date,
// floored at zero.
func DTE(expiration string, now time.Time) int {
	exp, err := time.Parse("2006-01-02", expiration)
	if err != nil {
		return 0
	}
	days := int(exp.Sub(now.UTC()).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
