package qq

import "strings"

// cqEscape encodes the four reserved characters of platform A's in-band
// tagged text form ("&", "[", "]", ",") as numeric character entities.
// Order matters: "&" must be replaced first, otherwise the ampersands
// introduced by escaping the bracket/comma triple would themselves be
// re-escaped.
func cqEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "[", "&#91;")
	s = strings.ReplaceAll(s, "]", "&#93;")
	s = strings.ReplaceAll(s, ",", "&#44;")
	return s
}

// cqUnescape reverses cqEscape. The replacement order is the mirror image:
// the bracket/comma triple first, "&" last, so a literal "&amp;" in the
// input is not partially consumed by an earlier pass.
func cqUnescape(s string) string {
	s = strings.ReplaceAll(s, "&#44;", ",")
	s = strings.ReplaceAll(s, "&#93;", "]")
	s = strings.ReplaceAll(s, "&#91;", "[")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}
