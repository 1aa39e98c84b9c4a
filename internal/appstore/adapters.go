package appstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	// Receipt dates carry IANA zone names; embed the database so parsing
	// works on hosts without a zoneinfo directory, such as Lambda images.
	_ "time/tzdata"
)

// Receipt dates mostly claim to be RFC 3339 but the live servers send
// "2013-01-01 00:00:00 Etc/GMT" style strings with a trailing zone name.
const receiptDateLayout = "2006-01-02 15:04:05"

// parseReceiptDate parses either a genuine RFC 3339 timestamp or the
// zone-name variant: split off the trailing zone, parse the rest as UTC, then
// reinterpret the wall clock in the named zone.
func parseReceiptDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}

	i := strings.LastIndex(value, " ")
	if i < 0 {
		return time.Time{}, fmt.Errorf("unparsable receipt date %q", value)
	}
	stamp, zone := value[:i], value[i+1:]
	if _, err := time.Parse(receiptDateLayout+"-07:00", stamp+"+00:00"); err != nil {
		return time.Time{}, fmt.Errorf("unparsable receipt date %q", value)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown zone in receipt date %q: %w", value, err)
	}
	return time.ParseInLocation(receiptDateLayout, stamp, loc)
}

// msToTime interprets integer milliseconds since the epoch as a UTC instant.
func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func asInt64(value any) (int64, error) {
	switch v := value.(type) {
	case string:
		return strconv.ParseInt(v, 10, 64)
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", value)
	}
}

func asString(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", value)
	}
	return s, nil
}

func toInt(value any) (any, error) {
	n, err := asInt64(value)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// toBool accepts exactly the literal strings "true" and "false". Anything
// else, including "True" or "1", violates the receipt contract.
func toBool(value any) (any, error) {
	switch value {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return nil, fmt.Errorf(`cannot convert %v, acceptable values are "true" and "false"`, value)
}

func toDateTime(value any) (any, error) {
	s, err := asString(value)
	if err != nil {
		return nil, err
	}
	return parseReceiptDate(s)
}

// toExpiresDate handles the format drift of expires_date across receipt
// generations: later receipts carry integer epoch milliseconds, older ones a
// zone-suffixed date string. The value's own syntax is the only type hint.
func toExpiresDate(value any) (any, error) {
	if s, ok := value.(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return msToTime(ms), nil
		}
		return parseReceiptDate(s)
	}
	ms, err := asInt64(value)
	if err != nil {
		return nil, err
	}
	return msToTime(ms), nil
}
