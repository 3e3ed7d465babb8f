package message

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseID(t *testing.T) {
	cases := []struct {
		hex  string
		want uint64
	}{
		{"0", 0},
		{"18c2d3a4b5e6f701", 0x18c2d3a4b5e6f701},
		{"ffffffffffffffff", 0xffffffffffffffff},
	}
	for _, tc := range cases {
		got, err := ParseID(tc.hex)
		if err != nil {
			t.Errorf("ParseID(%q) failed: %v", tc.hex, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseID(%q) = %x, want %x", tc.hex, got, tc.want)
		}
		if back, _ := ParseID(FormatID(got)); back != got {
			t.Errorf("ParseID(FormatID(%x)) = %x", got, back)
		}
	}
	if _, err := ParseID("not-hex"); err == nil {
		t.Errorf("ParseID(%q) = nil error, want error", "not-hex")
	}
}

func TestLabels(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"INBOX"}, "INBOX"},
		{[]string{"INBOX", "UNREAD", "INBOX", ""}, "INBOX,UNREAD"},
	}
	for _, tc := range cases {
		got := JoinLabels(tc.in)
		if got != tc.want {
			t.Errorf("JoinLabels(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if diff := cmp.Diff(NormalizeLabels(tc.in), SplitLabels(got)); diff != "" {
			t.Errorf("SplitLabels(%q) mismatch (-want +got):\n%s", got, diff)
		}
	}
}
