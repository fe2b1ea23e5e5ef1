package speech

import "testing"

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"Just one line", []string{"Just one line"}},
		{"Hello there. How are you today? Fine.", []string{"Hello there.", "How are you today? Fine."}},
		{"Pi is 3.14 roughly. Nice!", []string{"Pi is 3.14 roughly. Nice!"}},
		{"Hi. This is longer.", []string{"Hi. This is longer."}},
	}
	for _, tc := range cases {
		got := SplitSentences(tc.in, 8)
		if len(got) != len(tc.want) {
			t.Fatalf("%q: expected %q, got %q", tc.in, tc.want, got)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%q: expected %q, got %q", tc.in, tc.want, got)
			}
		}
	}
}
