package table

import (
	"math"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

// normalize checks that v has the Go type required by typ. nil is always
// accepted.
func normalize(typ ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case TypeInteger, TypeDate, TypeUserID:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint8:
			return int64(n), nil
		}
	case TypeDouble:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeString, TypeLargeText, TypeLink, TypeEntityID, TypeFileHandleID:
		if s, ok := v.(string); ok {
			return s, nil
		}
	default:
		return nil, errors.Wrapf(ErrSchemaMismatch, "unsupported column type %q", typ)
	}
	return nil, errors.Wrapf(ErrSchemaMismatch, "value %v (%T) is not a valid %s", v, v, typ)
}

// ParseValue decodes the string form of a cell, as returned by the Synapse
// query API or read from CSV. The empty string decodes to nil.
func ParseValue(typ ColumnType, s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	switch typ {
	case TypeInteger, TypeDate, TypeUserID:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrSchemaMismatch, "%q is not a valid %s", s, typ)
		}
		return n, nil
	case TypeDouble:
		switch strings.ToLower(s) {
		case "nan":
			return math.NaN(), nil
		case "infinity", "inf":
			return math.Inf(1), nil
		case "-infinity", "-inf":
			return math.Inf(-1), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrSchemaMismatch, "%q is not a valid %s", s, typ)
		}
		return f, nil
	case TypeBoolean:
		b, ok := parseBool(s)
		if !ok {
			return nil, errors.Wrapf(ErrSchemaMismatch, "%q is not a valid %s", s, typ)
		}
		return b, nil
	case TypeString, TypeLargeText, TypeLink, TypeEntityID, TypeFileHandleID:
		return s, nil
	}
	return nil, errors.Wrapf(ErrSchemaMismatch, "unsupported column type %q", typ)
}

// FormatValue renders a cell in the string form used by CSV files and the
// Synapse row API. nil renders as the empty string; whole floats keep a
// trailing ".0" so they read back as DOUBLE.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		switch {
		case math.IsNaN(x):
			return "NaN"
		case math.IsInf(x, 1):
			return "Infinity"
		case math.IsInf(x, -1):
			return "-Infinity"
		}
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}
