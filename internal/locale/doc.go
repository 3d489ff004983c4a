// Package locale parses Accept-Language headers and resolves the language a
// response is served in.
//
// ParseAcceptLanguage follows the grammar the backend application uses
// (lowercased codes, optional q weights, "*" wildcard) so header rewrites done
// at the edge agree with what the backend will see. Resolution against the
// configured languages is done with golang.org/x/text/language.
package locale
