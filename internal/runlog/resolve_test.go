package runlog

import (
	"strings"
	"testing"
)

func TestResolve_Symbolic(t *testing.T) {
	runs := sampleView()

	latest, err := Resolve(runs, RefLatest)
	if err != nil {
		t.Fatalf("@latest: %v", err)
	}
	if latest.ID != "r3-cccccccc" {
		t.Fatalf("@latest=%s", latest.ID)
	}

	failed, err := Resolve(runs, RefLastFailed)
	if err != nil {
		t.Fatalf("@last-failed: %v", err)
	}
	if failed.ID != "r2-bbbbbbbb" {
		t.Fatalf("@last-failed=%s", failed.ID)
	}

	ok, err := Resolve(runs, RefLastOK)
	if err != nil {
		t.Fatalf("@last-ok: %v", err)
	}
	if ok.ID != "r1-aaaaaaaa" {
		t.Fatalf("@last-ok=%s", ok.ID)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	runs := sampleView()
	a, err := Resolve(runs, RefLatest)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Resolve(runs, RefLatest)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Fatalf("resolution not stable: %s vs %s", a.ID, b.ID)
	}
}

func TestResolve_EmptyView(t *testing.T) {
	if _, err := Resolve(nil, RefLatest); err == nil {
		t.Fatal("@latest on empty view must error")
	}
}

func TestResolve_ExactAndPrefix(t *testing.T) {
	runs := sampleView()

	exact, err := Resolve(runs, "r1-aaaaaaaa")
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	if exact.ID != "r1-aaaaaaaa" {
		t.Fatalf("exact=%s", exact.ID)
	}

	byPrefix, err := Resolve(runs, "r2-bbbbb")
	if err != nil {
		t.Fatalf("prefix: %v", err)
	}
	if byPrefix.ID != "r2-bbbbbbbb" {
		t.Fatalf("prefix=%s", byPrefix.ID)
	}
}

func TestResolve_ShortPrefixRejected(t *testing.T) {
	runs := sampleView()
	_, err := Resolve(runs, "r2-bb")
	if err == nil || !strings.Contains(err.Error(), "too short") {
		t.Fatalf("short prefix error=%v", err)
	}
}

func TestResolve_AmbiguousPrefixListsCandidates(t *testing.T) {
	base := sampleView()
	extra := startRecord("r2-bbbbbbzz", base[0].Start.Time)
	runs := BuildView(append(recordsOf(base), extra))

	_, err := Resolve(runs, "r2-bbbbbb")
	if err == nil {
		t.Fatal("ambiguous prefix must error")
	}
	if !strings.Contains(err.Error(), "r2-bbbbbbbb") || !strings.Contains(err.Error(), "r2-bbbbbbzz") {
		t.Fatalf("error should list candidates: %v", err)
	}
}

func TestResolve_UnknownReference(t *testing.T) {
	runs := sampleView()
	for _, ref := range []string{"", "@newest", "zzzzzzzzzz"} {
		if _, err := Resolve(runs, ref); err == nil {
			t.Fatalf("reference %q should error", ref)
		}
	}
}

func recordsOf(runs []Run) []Record {
	var recs []Record
	for _, run := range runs {
		recs = append(recs, run.Start)
		if run.Finalize != nil {
			recs = append(recs, *run.Finalize)
		}
	}
	return recs
}
