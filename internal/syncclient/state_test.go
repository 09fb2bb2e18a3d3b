package syncclient

import "testing"

func TestExpansionCodecRoundTrip(t *testing.T) {
	visible := map[string]int{
		"cmt_b": 6,
		"cmt_a": 3,
		"cmt_c": 12,
	}

	encoded := encodeExpansion(visible)
	if encoded != "cmt_a:3,cmt_b:6,cmt_c:12" {
		t.Errorf("encoding should be sorted and compact, got %q", encoded)
	}

	decoded := decodeExpansion(encoded)
	if len(decoded) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(decoded))
	}
	for id, count := range visible {
		if decoded[id] != count {
			t.Errorf("%s: expected %d, got %d", id, count, decoded[id])
		}
	}
}

func TestDecodeExpansionDropsGarbage(t *testing.T) {
	cases := []struct {
		name    string
		encoded string
		want    map[string]int
	}{
		{"empty", "", map[string]int{}},
		{"missing colon", "cmt_a3,cmt_b:2", map[string]int{"cmt_b": 2}},
		{"non numeric count", "cmt_a:lots,cmt_b:2", map[string]int{"cmt_b": 2}},
		{"empty id", ":4,cmt_b:2", map[string]int{"cmt_b": 2}},
		{"negative count", "cmt_a:-1,cmt_b:2", map[string]int{"cmt_b": 2}},
		{"trailing comma", "cmt_a:1,", map[string]int{"cmt_a": 1}},
		{"only garbage", "%%%,,,::", map[string]int{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decodeExpansion(tc.encoded)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d entries, got %v", len(tc.want), got)
			}
			for id, count := range tc.want {
				if got[id] != count {
					t.Errorf("%s: expected %d, got %d", id, count, got[id])
				}
			}
		})
	}
}

func TestEngineExpansionStateSurvivesRestore(t *testing.T) {
	engine := New(&fakeBackend{}, "post-1")
	engine.RestoreExpansionState("cmt_a:7,broken,cmt_b:2")

	if got := engine.windowFor("cmt_a"); got != 7 {
		t.Errorf("expected restored window 7, got %d", got)
	}
	if got := engine.windowFor("cmt_b"); got != 2 {
		t.Errorf("expected restored window 2, got %d", got)
	}
	if got := engine.windowFor("cmt_unknown"); got != defaultReplyWindow {
		t.Errorf("unknown parent should fall back to default, got %d", got)
	}

	if encoded := engine.ExpansionState(); encoded != "cmt_a:7,cmt_b:2" {
		t.Errorf("unexpected round-trip %q", encoded)
	}
}
