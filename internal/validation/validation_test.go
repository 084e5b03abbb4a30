package validation

import (
	"strings"
	"testing"
)

func TestValidID(t *testing.T) {
	valid := []string{
		"off_0123456789abcdef01234567",
		"txn_deadbeefdeadbeef01234567",
		"rr_0123456789ab",
		"b1000000",
		"550e8400-e29b-41d4-a716-446655440000",
	}
	for _, id := range valid {
		if !ValidID(id) {
			t.Errorf("ValidID(%q) = false, want true", id)
		}
	}

	invalid := []string{
		"",
		"off_",
		"off_XYZ",
		"DROP TABLE offers",
		"off 123",
		strings.Repeat("a", 65),
		"short",
	}
	for _, id := range invalid {
		if ValidID(id) {
			t.Errorf("ValidID(%q) = true, want false", id)
		}
	}
}

func TestErrorsCollects(t *testing.T) {
	errs := &Errors{}
	if errs.HasErrors() {
		t.Fatal("empty Errors reports HasErrors")
	}

	RequireID(errs, "buyer_id", "")
	RequireID(errs, "horse_id", "not an id!")
	RequirePositiveCents(errs, "amount_cents", -1)

	if !errs.HasErrors() || len(errs.Fields) != 3 {
		t.Fatalf("fields = %+v", errs.Fields)
	}
	msg := errs.Error()
	for _, want := range []string{"buyer_id", "horse_id", "amount_cents"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message missing %q: %s", want, msg)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	cases := []struct {
		in, want string
		max      int
	}{
		{"  hello  ", "hello", 100},
		{"a\x00b\x07c", "abc", 100},
		{"line1\nline2\ttabbed", "line1\nline2\ttabbed", 100},
		{"truncated", "trun", 4},
		{"", "", 100},
	}
	for _, tc := range cases {
		if got := SanitizeString(tc.in, tc.max); got != tc.want {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}
