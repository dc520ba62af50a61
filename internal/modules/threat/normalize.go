package threat

import "strings"

// urlEscapes lists the percent-encodings commonly used to slip metacharacters
// past pattern matching. Both hex cases are decoded.
var urlEscapes = [][2]string{
	{"%20", " "}, {"%27", "'"}, {"%22", "\""}, {"%3C", "<"}, {"%3E", ">"},
	{"%28", "("}, {"%29", ")"}, {"%3B", ";"}, {"%7C", "|"}, {"%26", "&"},
	{"%2F", "/"}, {"%5C", "\\"}, {"%2E", "."}, {"%3D", "="}, {"%23", "#"},
	{"%2D", "-"}, {"%2A", "*"}, {"%24", "$"}, {"%60", "`"},
	{"%09", "\t"}, {"%0A", "\n"}, {"%0D", "\r"},
}

var urlDecoder = func() *strings.Replacer {
	pairs := make([]string, 0, len(urlEscapes)*4)
	for _, e := range urlEscapes {
		pairs = append(pairs, e[0], e[1])
		if lower := strings.ToLower(e[0]); lower != e[0] {
			pairs = append(pairs, lower, e[1])
		}
	}
	return strings.NewReplacer(pairs...)
}()

// Unicode homoglyphs commonly used for evasion.
var homoglyphs = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"“", "\"",
	"”", "\"",
	"＜", "<",
	"＞", ">",
	"（", "(",
	"）", ")",
	"․", ".",
	"／", "/",
	"＼", "\\",
	"；", ";",
	"｜", "|",
)

// normalizeInput decodes URL escapes (twice, for double encoding) and folds
// homoglyphs so patterns see what a downstream interpreter would see.
func normalizeInput(input string) string {
	result := input
	if strings.IndexByte(result, '%') >= 0 {
		result = urlDecoder.Replace(result)
		result = urlDecoder.Replace(result)
	}
	return homoglyphs.Replace(result)
}

// decodedForm is what the cleanser writes back for a field whose finding
// was only visible after normalization. Brackets decoded from escapes are
// dropped again so the cleansed value stays within sanitized form.
func decodedForm(s string) string {
	return bracketStripper.Replace(normalizeInput(s))
}

var bracketStripper = strings.NewReplacer("<", "", ">", "", "\x00", "")
