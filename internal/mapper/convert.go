// Package mapper turns backend result tables into Elasticsearch hits and
// aggregation results.
package mapper

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"kqlbridge/internal/kusto"
	"kqlbridge/pkg/models"
)

// DateFormat is the rendering of datetime values in hits: seven fractional
// digits and no zone designator.
const DateFormat = "2006-01-02T15:04:05.0000000"

// Converter renders one raw cell.
type Converter func(v any) (any, error)

var converters = map[string]Converter{
	"bool":     convertBool,
	"int":      convertInt,
	"long":     convertInt,
	"real":     convertReal,
	"decimal":  convertDecimal,
	"guid":     convertGUID,
	"timespan": convertTimespan,
	"datetime": convertDatetime,
	"dynamic":  convertDynamic,
	"string":   convertString,
}

// Convert renders a cell of the given column type. Unknown types pass
// through unchanged.
func Convert(columnType string, v any) (any, error) {
	conv, ok := converters[kusto.NormalizeType(columnType)]
	if !ok {
		return v, nil
	}
	out, err := conv(v)
	if err != nil {
		return nil, fmt.Errorf("convert %s value %v: %w", columnType, v, err)
	}
	return out, nil
}

// convertBool maps the backend's one-byte booleans; null stays null.
func convertBool(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(t) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return nil, fmt.Errorf("not a boolean")
	}
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("not a boolean")
	}
	return f != 0, nil
}

func convertInt(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		return t.Float64()
	}
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("not a number")
	}
	return int64(f), nil
}

func convertReal(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("not a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return models.Decimal(f), nil
	}
	return f, nil
}

// convertDecimal maps the null decimal to NaN, unlike every other type.
func convertDecimal(v any) (any, error) {
	if v == nil {
		return models.Decimal(math.NaN()), nil
	}
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("not a decimal")
	}
	return models.Decimal(f), nil
}

func convertGUID(v any) (any, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}

// convertTimespan renders "[-][d.]hh:mm:ss[.fffffff]" as an ISO-8601
// duration.
func convertTimespan(v any) (any, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, nil
	}
	return ISODuration(s)
}

func ISODuration(s string) (string, error) {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var days int64
	clock := s
	if dot, colon := strings.Index(s, "."), strings.Index(s, ":"); dot >= 0 && dot < colon {
		d, err := strconv.ParseInt(s[:dot], 10, 64)
		if err != nil {
			return "", fmt.Errorf("bad timespan %q", s)
		}
		days, clock = d, s[dot+1:]
	}
	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("bad timespan %q", s)
	}
	hours, err1 := strconv.ParseInt(parts[0], 10, 64)
	minutes, err2 := strconv.ParseInt(parts[1], 10, 64)
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return "", fmt.Errorf("bad timespan %q", s)
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('P')
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if hours > 0 || minutes > 0 || seconds > 0 || days == 0 {
		b.WriteByte('T')
		if hours > 0 {
			fmt.Fprintf(&b, "%dH", hours)
		}
		if minutes > 0 {
			fmt.Fprintf(&b, "%dM", minutes)
		}
		if seconds > 0 || (hours == 0 && minutes == 0) {
			b.WriteString(strconv.FormatFloat(seconds, 'f', -1, 64) + "S")
		}
	}
	return b.String(), nil
}

func convertDatetime(v any) (any, error) {
	t, ok, err := parseTime(v)
	if err != nil || !ok {
		return nil, err
	}
	return t.UTC().Format(DateFormat), nil
}

func parseTime(v any) (time.Time, bool, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func convertDynamic(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	if s == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		// a bare string stored in a dynamic column
		return s, nil
	}
	return out, nil
}

func convertString(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	f, ok := toFloat(v)
	return int64(f), ok
}
