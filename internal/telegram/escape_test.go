package telegram

import "testing"

func TestEscape(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"acct-123", `acct\-123`},
		{"edge.worker_name", `edge\.worker\_name`},
		{"a*b[c](d)~e`f>g#h+i=j|k{l}m!n", "a\\*b\\[c\\]\\(d\\)\\~e\\`f\\>g\\#h\\+i\\=j\\|k\\{l\\}m\\!n"},
		{"11111111-2222-3333-4444-555555555555", `11111111\-2222\-3333\-4444\-555555555555`},
	}
	for _, c := range cases {
		if got := Escape(c.in); got != c.want {
			t.Fatalf("Escape(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
