package locale

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// MaxAcceptLanguageLen bounds the header length we are willing to parse.
// Longer values are cut at the last comma before the bound, matching the
// backend's own parser, so trailing entries are ignored rather than the
// whole header.
const MaxAcceptLanguageLen = 500

// one language-range with optional weight, followed by a comma or end of input
var acceptLangRe = regexp.MustCompile(`^([A-Za-z]{1,8}(?:-[A-Za-z0-9]{1,8})*|\*)(?:\s*;\s*q=(0(?:\.[0-9]{0,3})?|1(?:\.0{0,3})?))?(?:\s*,\s*|$)`)

// Weighted is a single entry of an Accept-Language header.
type Weighted struct {
	Code string
	Q    float64
}

// ParseError reports an Accept-Language value that does not follow the grammar.
type ParseError struct {
	Value  string
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("locale: invalid Accept-Language at offset %d: %s", e.Offset, e.Reason)
}

// ParseAcceptLanguage splits an Accept-Language value into lowercased codes
// ordered by descending weight. Entries with equal weight keep header order.
// An empty value yields no entries and no error.
func ParseAcceptLanguage(value string) ([]Weighted, error) {
	s := value
	if len(s) > MaxAcceptLanguageLen {
		cut := strings.LastIndexByte(s[:MaxAcceptLanguageLen], ',')
		if cut <= 0 {
			return nil, &ParseError{Value: value, Offset: MaxAcceptLanguageLen, Reason: "header too long"}
		}
		s = s[:cut]
	}
	s = strings.ToLower(strings.TrimSpace(s))

	var out []Weighted
	pos := 0
	for pos < len(s) {
		m := acceptLangRe.FindStringSubmatchIndex(s[pos:])
		if m == nil {
			return nil, &ParseError{Value: value, Offset: pos, Reason: "unexpected input"}
		}
		w := Weighted{Code: s[pos+m[2] : pos+m[3]], Q: 1}
		if m[4] >= 0 {
			q, err := strconv.ParseFloat(s[pos+m[4]:pos+m[5]], 64)
			if err != nil {
				return nil, &ParseError{Value: value, Offset: pos + m[4], Reason: "bad weight"}
			}
			w.Q = q
		}
		out = append(out, w)
		pos += m[1]
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Q > out[j].Q })
	return out, nil
}

// Codes returns just the language codes of ws, in order.
func Codes(ws []Weighted) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Code
	}
	return out
}
