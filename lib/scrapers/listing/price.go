package listing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
	"₹": "INR",
}

var currencyCodeRegex = regexp.MustCompile(`\b(USD|EUR|GBP|JPY|INR|CAD|AUD|CHF)\b`)
var numberRegex = regexp.MustCompile(`-?\d[\d.,\x{00a0}\x{202f} ]*`)

// ParsePrice pulls a numeric amount and, when present, a currency out
// of a scraped price string. It understands both "1,299.99" and
// "1.299,99" style separators. The sign is kept as-is, range checks
// happen further down the pipeline. An error only ever means the
// string held no number at all.
func ParsePrice(raw string) (float64, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, "", fmt.Errorf("empty price string")
	}

	currency := ""
	for symbol, code := range currencySymbols {
		if strings.Contains(trimmed, symbol) {
			currency = code
			break
		}
	}
	if currency == "" {
		match := currencyCodeRegex.FindString(strings.ToUpper(trimmed))
		if match != "" {
			currency = match
		}
	}

	number := strings.TrimSpace(numberRegex.FindString(trimmed))
	if number == "" {
		return 0, currency, fmt.Errorf("no numeric value in %q", raw)
	}
	number = strings.Map(func(r rune) rune {
		if r == ' ' || r == ' ' || r == ' ' {
			return -1
		}
		return r
	}, number)
	number = strings.TrimRight(number, ".,")

	lastDot := strings.LastIndex(number, ".")
	lastComma := strings.LastIndex(number, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// both present, the rightmost one is the decimal separator
		if lastDot > lastComma {
			number = strings.ReplaceAll(number, ",", "")
		} else {
			number = strings.ReplaceAll(number, ".", "")
			number = strings.Replace(number, ",", ".", 1)
		}
	case lastComma >= 0:
		// "19,99" is a decimal comma, "1,299" and "12,345,678" are
		// thousands groups
		decimals := len(number) - lastComma - 1
		if strings.Count(number, ",") == 1 && decimals <= 2 {
			number = strings.Replace(number, ",", ".", 1)
		} else {
			number = strings.ReplaceAll(number, ",", "")
		}
	case strings.Count(number, ".") > 1:
		number = strings.ReplaceAll(number, ".", "")
	}

	value, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, currency, fmt.Errorf("no numeric value in %q", raw)
	}
	return value, currency, nil
}
