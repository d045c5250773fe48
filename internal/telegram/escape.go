package telegram

import "strings"

// markdownSpecials are the characters MarkdownV2 requires to be escaped
// wherever they appear in interpolated values.
const markdownSpecials = "_*[]()~`>#+=|{}.!-"

var markdownEscaper = func() *strings.Replacer {
	pairs := make([]string, 0, len(markdownSpecials)*2)
	for _, r := range markdownSpecials {
		pairs = append(pairs, string(r), `\`+string(r))
	}
	return strings.NewReplacer(pairs...)
}()

// Escape makes a value safe for interpolation into a MarkdownV2 message.
func Escape(v string) string {
	return markdownEscaper.Replace(v)
}
