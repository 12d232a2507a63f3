package templates

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type helperFunc func(args []any) string

var builtinHelpers = map[string]helperFunc{
	"formatDate":     formatDate,
	"formatCurrency": formatCurrency,
	"uppercase":      func(args []any) string { return strings.ToUpper(stringify(arg(args, 0))) },
	"lowercase":      func(args []any) string { return strings.ToLower(stringify(arg(args, 0))) },
}

func arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

var monthNames = map[string][12]string{
	"fr": {"janvier", "février", "mars", "avril", "mai", "juin", "juillet", "août", "septembre", "octobre", "novembre", "décembre"},
	"de": {"Januar", "Februar", "März", "April", "Mai", "Juni", "Juli", "August", "September", "Oktober", "November", "Dezember"},
	"es": {"enero", "febrero", "marzo", "abril", "mayo", "junio", "julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre"},
}

// formatDate renders a date with its long month name: "January 2, 2006" for English.
func formatDate(args []any) string {
	t, ok := toTime(arg(args, 0))
	if !ok {
		return ""
	}

	base := "en"
	if loc := stringify(arg(args, 1)); loc != "" {
		if tag, err := language.Parse(loc); err == nil {
			b, _ := tag.Base()
			base = b.String()
		}
	}

	names, ok := monthNames[base]
	if !ok {
		return t.Format("January 2, 2006")
	}
	month := names[t.Month()-1]
	switch base {
	case "de":
		return fmt.Sprintf("%d. %s %d", t.Day(), month, t.Year())
	case "es":
		return fmt.Sprintf("%d de %s de %d", t.Day(), month, t.Year())
	default:
		return fmt.Sprintf("%d %s %d", t.Day(), month, t.Year())
	}
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	case float64:
		return time.UnixMilli(int64(x)).UTC(), true
	case int64:
		return time.UnixMilli(x).UTC(), true
	case int:
		return time.UnixMilli(int64(x)).UTC(), true
	}
	if ms, ok := numeric(v); ok {
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	return time.Time{}, false
}

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
	"INR": "₹",
	"CAD": "CA$",
	"AUD": "A$",
	"CNY": "CN¥",
}

var numberPrinter = message.NewPrinter(language.English)

// formatCurrency renders amount in the given ISO 4217 currency (USD by default),
// with grouped digits and the currency's standard number of decimals.
func formatCurrency(args []any) string {
	amount, ok := toFloat(arg(args, 0))
	if !ok {
		return ""
	}

	code := strings.ToUpper(stringify(arg(args, 1)))
	if code == "" {
		code = "USD"
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		unit = currency.USD
	}
	code = unit.String()
	scale, _ := currency.Standard.Rounding(unit)

	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	number := numberPrinter.Sprintf("%."+strconv.Itoa(scale)+"f", amount)

	symbol, ok := currencySymbols[code]
	if !ok {
		symbol = code + " "
	}
	return sign + symbol + number
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return numeric(v)
}

// numeric widens any Go integer or float kind to float64.
func numeric(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
