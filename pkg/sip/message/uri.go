package message

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// URI SIP, SIPS или TEL URI
type URI struct {
	Scheme  string // "sip", "sips", "tel"
	User    string // пользователь или номер телефона
	Host    string // имя хоста или IP
	Port    int    // 0 означает порт по умолчанию
	Params  Params // параметры URI (;key=value)
	Headers string // заголовки URI как есть (после '?')
}

// ParseURI разбирает SIP или TEL URI
func ParseURI(uriStr string) (*URI, error) {
	uriStr = strings.TrimSpace(uriStr)
	if uriStr == "" {
		return nil, fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}

	schemeEnd := strings.IndexByte(uriStr, ':')
	if schemeEnd <= 0 {
		return nil, fmt.Errorf("%w: missing scheme in %q", ErrInvalidURI, uriStr)
	}

	uri := &URI{Scheme: strings.ToLower(uriStr[:schemeEnd])}
	rest := uriStr[schemeEnd+1:]

	switch uri.Scheme {
	case "sip", "sips":
	case "tel":
		if semi := strings.IndexByte(rest, ';'); semi >= 0 {
			uri.Params = ParseParams(rest[semi:])
			rest = rest[:semi]
		}
		if rest == "" {
			return nil, fmt.Errorf("%w: empty telephone number", ErrInvalidURI)
		}
		uri.User = rest
		return uri, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", ErrInvalidURI, uri.Scheme)
	}

	if q := strings.IndexByte(rest, '?'); q >= 0 {
		uri.Headers = rest[q+1:]
		rest = rest[:q]
	}

	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		user := rest[:at]
		// пароль игнорируется
		if colon := strings.IndexByte(user, ':'); colon >= 0 {
			user = user[:colon]
		}
		if decoded, err := url.PathUnescape(user); err == nil {
			user = decoded
		}
		uri.User = user
		rest = rest[at+1:]
	}

	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		uri.Params = ParseParams(rest[semi:])
		rest = rest[:semi]
	}

	if rest == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURI)
	}

	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("%w: missing closing bracket in IPv6 host", ErrInvalidURI)
		}
		uri.Host = rest[:end+1]
		if ip := net.ParseIP(rest[1:end]); ip == nil {
			return nil, fmt.Errorf("%w: invalid IPv6 address %s", ErrInvalidURI, rest[1:end])
		}
		rest = rest[end+1:]
		if strings.HasPrefix(rest, ":") {
			port, err := strconv.Atoi(rest[1:])
			if err != nil {
				return nil, fmt.Errorf("%w: invalid port %s", ErrInvalidURI, rest[1:])
			}
			uri.Port = port
		}
		return uri, nil
	}

	if colon := strings.LastIndexByte(rest, ':'); colon >= 0 {
		port, err := strconv.Atoi(rest[colon+1:])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: invalid port %s", ErrInvalidURI, rest[colon+1:])
		}
		uri.Port = port
		rest = rest[:colon]
	}
	if rest == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidURI)
	}
	uri.Host = rest

	return uri, nil
}

// MustParseURI разбирает URI и паникует при ошибке (для тестов и констант)
func MustParseURI(uriStr string) *URI {
	uri, err := ParseURI(uriStr)
	if err != nil {
		panic(fmt.Sprintf("MustParseURI failed: %v", err))
	}
	return uri
}

// String возвращает строковое представление URI
func (u *URI) String() string {
	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteByte(':')

	if u.Scheme == "tel" {
		sb.WriteString(u.User)
		sb.WriteString(u.Params.String())
		return sb.String()
	}

	if u.User != "" {
		sb.WriteString(escapeUser(u.User))
		sb.WriteByte('@')
	}
	sb.WriteString(u.Host)
	if u.Port > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(u.Port))
	}
	sb.WriteString(u.Params.String())
	if u.Headers != "" {
		sb.WriteByte('?')
		sb.WriteString(u.Headers)
	}
	return sb.String()
}

// Clone глубокая копия URI
func (u *URI) Clone() *URI {
	c := *u
	c.Params = append(Params(nil), u.Params...)
	return &c
}

// DefaultPort возвращает порт по умолчанию для схемы
func (u *URI) DefaultPort() int {
	switch u.Scheme {
	case "sip":
		return 5060
	case "sips":
		return 5061
	default:
		return 0
	}
}

// HostPort возвращает host:port, при необходимости с портом по умолчанию
func (u *URI) HostPort() string {
	port := u.Port
	if port == 0 {
		port = u.DefaultPort()
	}
	host := strings.TrimSuffix(strings.TrimPrefix(u.Host, "["), "]")
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// AddressOfRecord возвращает scheme:user@host без порта и параметров,
// форму для сравнения идентичностей.
func (u *URI) AddressOfRecord() string {
	if u.Scheme == "tel" {
		return "tel:" + u.User
	}
	if u.User == "" {
		return u.Scheme + ":" + strings.ToLower(u.Host)
	}
	return u.Scheme + ":" + u.User + "@" + strings.ToLower(u.Host)
}

func escapeUser(user string) string {
	var sb strings.Builder
	for i := 0; i < len(user); i++ {
		c := user[i]
		if isUserUnreserved(c) {
			sb.WriteByte(c)
			continue
		}
		fmt.Fprintf(&sb, "%%%02X", c)
	}
	return sb.String()
}

func isUserUnreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()&=+$,;/", c) >= 0
}
