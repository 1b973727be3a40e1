package shared

import (
	"testing"

	json "github.com/goccy/go-json"
)

func TestFlexInt64Forms(t *testing.T) {
	var payload struct {
		A FlexInt64 `json:"a"`
		B FlexInt64 `json:"b"`
		C FlexInt64 `json:"c"`
	}
	raw := []byte(`{"a": 1700000000000, "b": "1700000000001", "c": "1700000000002.5"}`)
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.A.Int64() != 1_700_000_000_000 {
		t.Fatalf("a = %d", payload.A)
	}
	if payload.B.Int64() != 1_700_000_000_001 {
		t.Fatalf("b = %d", payload.B)
	}
	if payload.C.Int64() != 1_700_000_000_002 {
		t.Fatalf("c = %d", payload.C)
	}
}

func TestFlexStringForms(t *testing.T) {
	var payload struct {
		P FlexString `json:"p"`
		Q FlexString `json:"q"`
	}
	raw := []byte(`{"p": "50000.5", "q": 50000.5}`)
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.P.String() != "50000.5" {
		t.Fatalf("p = %q", payload.P)
	}
	if payload.Q.String() != "50000.5" {
		t.Fatalf("q = %q", payload.Q)
	}
}

func TestParseMilliTS(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{int64(1_700_000_000_000), 1_700_000_000_000},
		{float64(1_700_000_000_000), 1_700_000_000_000},
		{"1700000000000", 1_700_000_000_000},
		{"1700000000000.7", 1_700_000_000_000},
		{json.Number("1700000000000"), 1_700_000_000_000},
		{"", 0},
		{nil, 0},
		{"garbage", 0},
		{[]string{"x"}, 0},
	}
	for _, tc := range cases {
		if got := ParseMilliTS(tc.in); got != tc.want {
			t.Fatalf("ParseMilliTS(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
