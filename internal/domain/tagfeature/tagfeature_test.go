package tagfeature

import (
	"math"
	"testing"
)

func TestParse_Nil(t *testing.T) {
	got := Parse(nil)
	if got == nil || len(got) != 0 {
		t.Fatalf("Parse(nil) = %v, want empty map", got)
	}
}

func TestParse_NativeMaps(t *testing.T) {
	direct := Parse(map[string]float64{"networking": 3, "storage": 1.5})
	if direct["networking"] != 3 || direct["storage"] != 1.5 {
		t.Errorf("float map passthrough = %v", direct)
	}

	mixed := Parse(map[string]any{"networking": 3, "storage": 1.5, "bad": "x"})
	if mixed["networking"] != 3 || mixed["storage"] != 1.5 {
		t.Errorf("any map = %v", mixed)
	}
	if mixed["bad"] != 0 {
		t.Errorf("non-numeric value should score 0, got %v", mixed["bad"])
	}
}

func TestParse_JSONString(t *testing.T) {
	for _, v := range []any{
		`{"networking": 3, "storage": 1.5}`,
		[]byte(`{"networking": 3, "storage": 1.5}`),
	} {
		got := Parse(v)
		if got["networking"] != 3 || got["storage"] != 1.5 {
			t.Errorf("Parse(%T) = %v", v, got)
		}
	}
}

func TestParse_PythonRepr(t *testing.T) {
	got := Parse(`{'networking': 3, 'storage': 1.5}`)
	if got["networking"] != 3 || got["storage"] != 1.5 {
		t.Fatalf("single-quoted dict = %v", got)
	}
}

func TestParse_PythonReprApostropheKeys(t *testing.T) {
	// Python quotes a literal containing an apostrophe with double quotes,
	// or escapes it inside single quotes. Both forms must survive.
	tests := []struct {
		in  string
		key string
	}{
		{`{'networking': 3, "o'reilly": 2}`, "o'reilly"},
		{`{'it\'s complicated': 1.5}`, "it's complicated"},
	}
	for _, tc := range tests {
		got := Parse(tc.in)
		if _, ok := got[tc.key]; !ok {
			t.Errorf("Parse(%q) = %v, want key %q", tc.in, got, tc.key)
		}
	}
}

func TestParse_PythonReprScoresMatchDictForm(t *testing.T) {
	dict := Parse(map[string]any{"o'reilly": 2.0, "networking": 1.0})
	repr := Parse(`{"o'reilly": 2.0, 'networking': 1.0}`)
	if len(repr) != len(dict) {
		t.Fatalf("repr form = %v, dict form = %v", repr, dict)
	}
	for k, want := range dict {
		if math.Abs(repr[k]-want) > 1e-12 {
			t.Errorf("tag %q: repr %g, dict %g", k, repr[k], want)
		}
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, v := range []any{
		"",
		"plain text",
		"{oops",
		`{'never closes: 1}`,
		42,
	} {
		if got := Parse(v); len(got) != 0 {
			t.Errorf("Parse(%v) = %v, want empty map", v, got)
		}
	}
}
