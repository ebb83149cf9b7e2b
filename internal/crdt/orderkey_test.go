package crdt

import "testing"

func TestKeyBetweenStaysStrictlyInsideBounds(t *testing.T) {
	cases := []struct {
		name   string
		before string
		after  string
	}{
		{name: "open both", before: "", after: ""},
		{name: "after head", before: "", after: "V1"},
		{name: "before tail", before: "V1", after: ""},
		{name: "wide gap", before: "A1", after: "x1"},
		{name: "adjacent digits", before: "V1", after: "W1"},
		{name: "prefix bound", before: "V", after: "V1"},
		{name: "low bound", before: "", after: "01"},
		{name: "high bound", before: "zz", after: ""},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			key := keyBetween(testCase.before, testCase.after)
			if key == "" {
				t.Fatalf("expected non-empty key")
			}
			if testCase.before != "" && key <= testCase.before {
				t.Fatalf("key %q not after %q", key, testCase.before)
			}
			if testCase.after != "" && key >= testCase.after {
				t.Fatalf("key %q not before %q", key, testCase.after)
			}
		})
	}
}

func TestSequentialAppendsStaySorted(t *testing.T) {
	last := ""
	for i := 0; i < 200; i++ {
		key := nextOrderKey(last, "", "replica-a")
		if key <= last {
			t.Fatalf("append %d produced non-increasing key %q after %q", i, key, last)
		}
		last = key
	}
}

func TestSequentialPrependsStaySorted(t *testing.T) {
	first := nextOrderKey("", "", "replica-a")
	for i := 0; i < 200; i++ {
		key := nextOrderKey("", first, "replica-a")
		if key >= first {
			t.Fatalf("prepend %d produced non-decreasing key %q before %q", i, key, first)
		}
		first = key
	}
}

func TestConcurrentInsertsIntoSameGapStayDistinct(t *testing.T) {
	keyA := nextOrderKey("A1", "B1", "replica-a")
	keyB := nextOrderKey("A1", "B1", "replica-b")
	if keyA == keyB {
		t.Fatalf("expected replica-distinct keys, both %q", keyA)
	}
	for _, key := range []string{keyA, keyB} {
		if key <= "A1" || key >= "B1" {
			t.Fatalf("key %q escaped gap (A1, B1)", key)
		}
	}
}

func TestReplicaSuffixIsStableAndNonzero(t *testing.T) {
	suffix := replicaSuffix("replica-a")
	if suffix != replicaSuffix("replica-a") {
		t.Fatalf("expected stable suffix for one replica")
	}
	if suffix == orderAlphabet[0] {
		t.Fatalf("suffix must never be the minimum digit")
	}
}
