package application

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gosimple/slug"
	"github.com/gosimple/unidecode"
)

// BuildDeviceName joins the account name and a device title into a Latin
// display name, e.g. "Flat1" and "Подъезд 2" become "Flat1 pod'ezd 2".
func BuildDeviceName(account, title string) string {
	name := unidecode.Unidecode(account + " " + strings.ToLower(title))
	return capitalize(strings.TrimSpace(name))
}

// EntityObjectID is the Home Assistant object id of an entity called name.
func EntityObjectID(name string) string {
	return strings.ReplaceAll(slug.Make(name), "-", "_")
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
