package message

import (
	"fmt"
	"strings"
)

// Address name-addr или addr-spec с параметрами заголовка, как в From,
// To, Contact, Route и P-Associated-URI.
type Address struct {
	DisplayName string
	URI         *URI
	Params      Params
	Wildcard    bool // Contact: *
}

// ParseAddress разбирает `"Bob" <sip:bob@example.com>;tag=1` и
// `sip:bob@example.com;tag=1`. У addr-spec без угловых скобок параметры
// относятся к заголовку.
func ParseAddress(s string) (*Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidURI)
	}
	if s == "*" {
		return &Address{Wildcard: true}, nil
	}

	addr := &Address{}
	if lt := indexOutsideQuotes(s, '<'); lt >= 0 {
		gt := strings.IndexByte(s[lt:], '>')
		if gt < 0 {
			return nil, fmt.Errorf("%w: unterminated name-addr %q", ErrInvalidURI, s)
		}
		gt += lt
		addr.DisplayName = Unquote(strings.TrimSpace(s[:lt]))
		uri, err := ParseURI(s[lt+1 : gt])
		if err != nil {
			return nil, err
		}
		addr.URI = uri
		addr.Params = ParseParams(s[gt+1:])
		return addr, nil
	}

	spec := s
	if semi := strings.IndexByte(s, ';'); semi >= 0 {
		spec = s[:semi]
		addr.Params = ParseParams(s[semi:])
	}
	uri, err := ParseURI(spec)
	if err != nil {
		return nil, err
	}
	addr.URI = uri
	return addr, nil
}

// Tag возвращает параметр tag
func (a *Address) Tag() string {
	tag, _ := a.Params.Get("tag")
	return tag
}

// SetTag задает параметр tag, пустой tag удаляет его
func (a *Address) SetTag(tag string) {
	if tag == "" {
		a.Params.Remove("tag")
		return
	}
	a.Params.Set("tag", tag)
}

// String всегда дает форму name-addr
func (a *Address) String() string {
	if a.Wildcard {
		return "*"
	}
	var sb strings.Builder
	if a.DisplayName != "" {
		sb.WriteString(Quote(a.DisplayName))
		sb.WriteByte(' ')
	}
	sb.WriteByte('<')
	if a.URI != nil {
		sb.WriteString(a.URI.String())
	}
	sb.WriteByte('>')
	sb.WriteString(a.Params.String())
	return sb.String()
}

// Clone глубокая копия адреса
func (a *Address) Clone() *Address {
	c := *a
	if a.URI != nil {
		c.URI = a.URI.Clone()
	}
	c.Params = append(Params(nil), a.Params...)
	return &c
}

// ExtractURI возвращает URI из значения вида `Name <uri>;p=1`
func ExtractURI(value string) string {
	addr, err := ParseAddress(value)
	if err != nil || addr.URI == nil {
		return strings.TrimSpace(value)
	}
	return addr.URI.String()
}

// ExtractTag возвращает tag из значения From/To
func ExtractTag(value string) string {
	tag, _ := ParseParams(paramSection(value)).Get("tag")
	return tag
}

func indexOutsideQuotes(s string, c byte) int {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case c:
			if !inQuote {
				return i
			}
		}
	}
	return -1
}
