package cache

import (
	"strings"
	"testing"
	"time"
)

type keyCriteria struct {
	Status string
	Limit  int
}

type namedSlug string

func (n namedSlug) String() string { return "slug-" + string(n) }

func TestDefaultKeySerializer_Segments(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))

	tests := []struct {
		name   string
		method string
		args   []any
		want   string
	}{
		{name: "no args", method: "List", want: "List"},
		{name: "single int", method: "GetByID", args: []any{42}, want: "GetByID:42"},
		{name: "basic types", method: "Get", args: []any{1, "hello", true, 3.14}, want: "Get:1:hello:true:3.14"},
		{name: "nil", method: "Get", args: []any{nil, (*int)(nil)}, want: "Get:nil:nil"},
		{name: "pointer is dereferenced", method: "Get", args: []any{intPtr(7)}, want: "Get:7"},
		{name: "slice", method: "GetByIDs", args: []any{[]int{1, 2, 3}}, want: "GetByIDs:[1,2,3]"},
		{name: "nil slice", method: "GetByIDs", args: []any{([]int)(nil)}, want: "GetByIDs:[]"},
		{name: "array", method: "Get", args: []any{[2]string{"a", "b"}}, want: "Get:[a,b]"},
		{name: "map sorted", method: "Find", args: []any{map[string]int{"b": 2, "a": 1}}, want: "Find:{a=1,b=2}"},
		{name: "time in utc", method: "Since", args: []any{at}, want: "Since:2024-03-01T11:00:00Z"},
		{name: "duration", method: "Within", args: []any{90 * time.Second}, want: "Within:1m30s"},
		{name: "stringer", method: "BySlug", args: []any{namedSlug("amp")}, want: "BySlug:slug-amp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.SerializeKey(tt.method, tt.args...)
			if got != tt.want {
				t.Errorf("SerializeKey() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultKeySerializer_StructDigest(t *testing.T) {
	serializer := NewDefaultKeySerializer()

	a := serializer.SerializeKey("List", keyCriteria{Status: "active", Limit: 10})
	b := serializer.SerializeKey("List", keyCriteria{Status: "active", Limit: 10})
	c := serializer.SerializeKey("List", keyCriteria{Status: "draft", Limit: 10})

	if a != b {
		t.Errorf("expected equal structs to produce equal keys, got %q and %q", a, b)
	}
	if a == c {
		t.Errorf("expected different structs to produce different keys, got %q", a)
	}
	if !strings.HasPrefix(a, "List:x") {
		t.Errorf("expected digest segment, got %q", a)
	}
}

func TestDefaultKeySerializer_Functions(t *testing.T) {
	serializer := NewDefaultKeySerializer()
	fn := func() {}

	first := serializer.SerializeKey("List", fn)
	second := serializer.SerializeKey("List", fn)
	if first != second {
		t.Errorf("expected same function to produce same key within a process, got %q and %q", first, second)
	}
	if !strings.HasPrefix(first, "List:func:0x") {
		t.Errorf("expected func pointer segment, got %q", first)
	}
}

func TestDefaultKeySerializer_LongKeysAreDigested(t *testing.T) {
	serializer := NewKeySerializer(32)

	long := strings.Repeat("z", 64)
	got := serializer.SerializeKey("Search", long)
	if len(got) > 32 {
		t.Errorf("expected digested key within limit, got %d chars: %q", len(got), got)
	}
	if !strings.HasPrefix(got, "Search:h") {
		t.Errorf("expected method prefix to survive, got %q", got)
	}
	if got != serializer.SerializeKey("Search", long) {
		t.Error("expected digest to be stable")
	}

	unlimited := NewKeySerializer(0)
	if got := unlimited.SerializeKey("Search", long); got != "Search:"+long {
		t.Errorf("expected no digest without limit, got %q", got)
	}
}

func TestKey(t *testing.T) {
	if got := Key("product", "42", "detail"); got != "product:42:detail" {
		t.Errorf("Key() = %q", got)
	}
}

func intPtr(v int) *int { return &v }
