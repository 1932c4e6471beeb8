package taxonomy

import "testing"

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"finance/invoices", "finance/invoices"},
		{"  finance//invoices/ ", "finance/invoices"},
		{"./finance/./invoices", "finance/invoices"},
		{`finance\invoices`, "finance/invoices"},
		{"/", ""},
		{"{{ created_year }}/{{ correspondent }}", "{{ created_year }}/{{ correspondent }}"},
	}

	for _, tt := range tests {
		if got := NormalizePath(tt.in); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatchKey(t *testing.T) {
	if MatchKey(KindTag, "Financial") != MatchKey(KindTag, "financial") {
		t.Error("tag names must match case-insensitively")
	}
	if MatchKey(KindCustomField, " Ärzte ") != MatchKey(KindCustomField, "ÄRZTE") {
		t.Error("custom field names must match case-insensitively after trimming")
	}
	if MatchKey(KindStoragePath, "Finance/Invoices") == MatchKey(KindStoragePath, "finance/invoices") {
		t.Error("storage paths must match exactly on the normalized string")
	}
	if MatchKey(KindStoragePath, "finance//invoices/") != MatchKey(KindStoragePath, "finance/invoices") {
		t.Error("storage paths must be normalized before matching")
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"tag", KindTag, false},
		{"tags", KindTag, false},
		{"document-types", KindDocumentType, false},
		{"storage_path", KindStoragePath, false},
		{"Custom_Fields", KindCustomField, false},
		{"correspondent", "", true},
	}

	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKindsApplyOrder(t *testing.T) {
	want := []Kind{KindTag, KindDocumentType, KindStoragePath, KindCustomField}
	got := Kinds()
	if len(got) != len(want) {
		t.Fatalf("Kinds() returned %d kinds, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Kinds()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	got[0] = KindCustomField
	if Kinds()[0] != KindTag {
		t.Error("Kinds() must return a copy")
	}
}
