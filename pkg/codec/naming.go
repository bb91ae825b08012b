package codec

import (
	"unicode"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

// camelCaseExtension names untagged fields in camelCase and lets
// unexported fields take part in the encoding.
type camelCaseExtension struct {
	jsoniter.DummyExtension
}

func (e *camelCaseExtension) UpdateStructDescriptor(sd *jsoniter.StructDescriptor) {
	for _, binding := range sd.Fields {
		if _, tagged := binding.Field.Tag().Lookup("json"); tagged {
			continue
		}
		name := CamelCase(binding.Field.Name())
		binding.ToNames = []string{name}
		binding.FromNames = []string{name}
	}
}

// CamelCase lower-cases the leading upper-case run of name, leaving the
// last capital of a run that starts a new word: "ClientTicks" becomes
// "clientTicks", "ID" becomes "id" and "URLPath" becomes "urlPath".
func CamelCase(name string) string {
	runes := []rune(name)
	for i := range runes {
		if !unicode.IsUpper(runes[i]) {
			break
		}
		if i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			break
		}
		runes[i] = unicode.ToLower(runes[i])
	}
	return string(runes)
}

// PutString writes s into the fixed-size buffer dst as UTF-8, truncating on
// a rune boundary and zero-filling the rest. It returns the bytes written.
func PutString(dst []byte, s string) int {
	n := 0
	for _, r := range s {
		size := utf8.RuneLen(r)
		if size < 0 || n+size > len(dst) {
			break
		}
		utf8.EncodeRune(dst[n:], r)
		n += size
	}
	clear(dst[n:])
	return n
}

// String reads a zero-padded UTF-8 string out of a fixed-size buffer.
func String(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
