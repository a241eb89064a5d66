package rebuild

import "testing"

var testPaths = Paths{
	SourcePrefix:    "source/",
	TargetPrefix:    "filtered/",
	TextPrefix:      "filtered_all_words/",
	ProcessedPrefix: "processed/",
}

func TestArtifactKeys(t *testing.T) {
	src := "source/Salesforce_062024/7019846/DP PLACA 3202.pdf"

	if got, want := testPaths.FilteredKey(src, "1234567890"), "filtered/Salesforce_062024/7019846/DP PLACA 3202_1234567890.pdf"; got != want {
		t.Errorf("FilteredKey() = %q, want %q", got, want)
	}
	if got, want := testPaths.TextKey(src, "1234567890"), "filtered_all_words/Salesforce_062024/7019846/DP PLACA 3202_1234567890_all_words.txt"; got != want {
		t.Errorf("TextKey() = %q, want %q", got, want)
	}
	if got, want := testPaths.ProcessedKey(src), "processed/Salesforce_062024/7019846/DP PLACA 3202.pdf"; got != want {
		t.Errorf("ProcessedKey() = %q, want %q", got, want)
	}
}

func TestArtifactKeysDeterministic(t *testing.T) {
	src := "source/a/b/case.pdf"
	if testPaths.FilteredKey(src, "42") != testPaths.FilteredKey(src, "42") {
		t.Fatal("FilteredKey is not deterministic")
	}
	if testPaths.FilteredKey(src, "42") == testPaths.FilteredKey(src, "43") {
		t.Fatal("different jobs on the same source collide")
	}
}

func TestFilteredRoundTrip(t *testing.T) {
	src := "source/folder/123/report.final.pdf"
	filtered := testPaths.FilteredKey(src, "987")

	if got := JobIDFromFiltered(filtered); got != "987" {
		t.Errorf("JobIDFromFiltered() = %q, want 987", got)
	}
	if got, want := testPaths.TextKeyForFiltered(filtered), testPaths.TextKey(src, "987"); got != want {
		t.Errorf("TextKeyForFiltered() = %q, want %q", got, want)
	}
}

func TestJobIDFromFilteredWithoutSuffix(t *testing.T) {
	if got := JobIDFromFiltered("filtered/report.pdf"); got != "" {
		t.Errorf("JobIDFromFiltered() = %q, want empty", got)
	}
}

func TestExt(t *testing.T) {
	if got := Ext("a/b/C.PDF"); got != "pdf" {
		t.Errorf("Ext() = %q", got)
	}
	if got := Ext("a/b/noext"); got != "" {
		t.Errorf("Ext() = %q", got)
	}
}
