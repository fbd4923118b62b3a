package cache

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// KeySeparator joins cache key segments. Keys follow the usual Redis
// convention, e.g. "product:42:detail".
const KeySeparator = ":"

// DefaultMaxKeyLength is the longest key the default serializer emits before
// digesting the argument part.
const DefaultMaxKeyLength = 200

// KeySerializer builds a cache key from a method (or entity) name and args.
// Keys must be stable across calls with equal arguments.
type KeySerializer interface {
	SerializeKey(method string, args ...any) string
}

// Key joins segments with KeySeparator.
func Key(segments ...string) string {
	return strings.Join(segments, KeySeparator)
}

type defaultKeySerializer struct {
	maxLength int
}

// NewDefaultKeySerializer returns the serializer used by the cached
// repositories. Arguments the serializer cannot render as text are msgpack
// encoded and digested with xxhash, and keys longer than
// DefaultMaxKeyLength keep the method name and digest the rest.
func NewDefaultKeySerializer() KeySerializer {
	return &defaultKeySerializer{maxLength: DefaultMaxKeyLength}
}

// NewKeySerializer is NewDefaultKeySerializer with a custom length limit.
// A limit <= 0 disables digesting of long keys.
func NewKeySerializer(maxLength int) KeySerializer {
	return &defaultKeySerializer{maxLength: maxLength}
}

func (s *defaultKeySerializer) SerializeKey(method string, args ...any) string {
	if len(args) == 0 {
		return method
	}

	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, s.segment(arg))
	}
	rest := strings.Join(parts, KeySeparator)

	key := method + KeySeparator + rest
	if s.maxLength > 0 && len(key) > s.maxLength {
		return method + KeySeparator + "h" + strconv.FormatUint(xxhash.Sum64String(rest), 16)
	}
	return key
}

func (s *defaultKeySerializer) segment(v any) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case string:
		return val
	case []byte:
		return "b" + strconv.FormatUint(xxhash.Sum64(val), 16)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return val.String()
	case fmt.Stringer:
		return val.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		// Function values are only stable for the life of the process.
		return fmt.Sprintf("func:%p", v)
	case reflect.Chan:
		return fmt.Sprintf("chan:%p", v)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return s.segment(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return "[]"
		}
		return s.list(rv)
	case reflect.Array:
		return s.list(rv)
	case reflect.Map:
		return s.mapping(rv)
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return fmt.Sprint(v)
	}

	return s.digest(v)
}

func (s *defaultKeySerializer) list(rv reflect.Value) string {
	items := make([]string, rv.Len())
	for i := range items {
		items[i] = s.segment(rv.Index(i).Interface())
	}
	return "[" + strings.Join(items, ",") + "]"
}

func (s *defaultKeySerializer) mapping(rv reflect.Value) string {
	if rv.IsNil() || rv.Len() == 0 {
		return "{}"
	}
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, s.segment(iter.Key().Interface())+"="+s.segment(iter.Value().Interface()))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}

// digest hashes the msgpack form of structs and other composite values.
// Map keys are sorted so equal values always digest the same.
func (s *defaultKeySerializer) digest(v any) string {
	var buf strings.Builder
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return "t:" + reflect.TypeOf(v).String()
	}
	return "x" + strconv.FormatUint(xxhash.Sum64String(buf.String()), 16)
}
