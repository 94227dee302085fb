package acquisition

import (
	"encoding/json"
	"testing"
)

func TestValueStrictEquality(t *testing.T) {
	if Number(1).Equal(Text("1")) {
		t.Fatalf("number and text must differ")
	}
	if Bool(true).Equal(Number(1)) {
		t.Fatalf("bool and number must differ")
	}
	if !Text("RUN").Equal(Text("RUN")) {
		t.Fatalf("equal text must match")
	}
	if !Null().Equal(Null()) {
		t.Fatalf("null equals null")
	}
}

func TestValueJSON(t *testing.T) {
	var values []Value
	if err := json.Unmarshal([]byte(`[25.5, "RUN", true, null]`), &values); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := values[0].Float(); !ok || v != 25.5 {
		t.Fatalf("unexpected number %v", values[0])
	}
	if v, ok := values[1].Str(); !ok || v != "RUN" {
		t.Fatalf("unexpected text %v", values[1])
	}
	if v, ok := values[2].Bit(); !ok || !v {
		t.Fatalf("unexpected bool %v", values[2])
	}
	if !values[3].IsNull() {
		t.Fatalf("expected null")
	}
	out, err := json.Marshal(values)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `[25.5,"RUN",true,null]` {
		t.Fatalf("unexpected json %s", out)
	}
	var bad Value
	if err := json.Unmarshal([]byte(`{"a":1}`), &bad); err == nil {
		t.Fatalf("expected error for object")
	}
}

func TestValueString(t *testing.T) {
	if Number(32).String() != "32" {
		t.Fatalf("unexpected %s", Number(32).String())
	}
	if Number(0.1).String() != "0.1" {
		t.Fatalf("unexpected %s", Number(0.1).String())
	}
	if Null().String() != "null" {
		t.Fatalf("unexpected %s", Null().String())
	}
}
