package message

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	// Предельные размеры
	defaultMaxMessageSize  = 65536 // 64KB
	defaultMaxHeaderLength = 8192  // 8KB
	defaultMaxHeaders      = 128   // максимум строк заголовков
)

// Parser разбирает SIP сообщения
type Parser struct {
	maxMessageSize  int
	maxHeaderLength int
	maxHeaders      int
	lenient         bool
}

// ParserOption настраивает Parser
type ParserOption func(*Parser)

// WithMaxHeaders ограничивает число строк заголовков
func WithMaxHeaders(n int) ParserOption {
	return func(p *Parser) { p.maxHeaders = n }
}

// WithMaxHeaderLength ограничивает длину строки заголовка после развертки
func WithMaxHeaderLength(n int) ParserOption {
	return func(p *Parser) { p.maxHeaderLength = n }
}

// WithMaxMessageSize ограничивает размер датаграммы
func WithMaxMessageSize(n int) ParserOption {
	return func(p *Parser) { p.maxMessageSize = n }
}

// WithLenient отключает проверку обязательных заголовков
func WithLenient() ParserOption {
	return func(p *Parser) { p.lenient = true }
}

// NewParser создает парсер
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		maxMessageSize:  defaultMaxMessageSize,
		maxHeaderLength: defaultMaxHeaderLength,
		maxHeaders:      defaultMaxHeaders,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultParser = NewParser()

// Parse разбирает SIP сообщение парсером по умолчанию
func Parse(data []byte) (Message, error) {
	return defaultParser.Parse(data)
}

// Parse разбирает одно SIP сообщение. Любая ошибка имеет тип *ParseError.
func (p *Parser) Parse(data []byte) (Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, newParseError(0, ErrInvalidMessage, "empty message")
	}
	if p.maxMessageSize > 0 && len(data) > p.maxMessageSize {
		return nil, newParseError(0, ErrMessageTooLarge, "%d bytes", len(data))
	}

	// keep-alive CRLF перед стартовой строкой допускаются
	data = bytes.TrimLeft(data, "\r\n")

	headerEnd, sepLen := findHeaderEnd(data)
	if headerEnd < 0 {
		return nil, newParseError(0, ErrUnterminatedHeaders, "no empty line after headers")
	}
	rest := data[headerEnd+sepLen:]

	lines := splitLines(data[:headerEnd])
	startLine := strings.TrimSpace(lines[0])

	var (
		msg Message
		hs  *headerSet
		b   *base
	)
	if strings.HasPrefix(startLine, "SIP/") {
		res, err := parseStatusLine(startLine)
		if err != nil {
			return nil, err
		}
		msg, hs, b = res, &res.headers, &res.base
	} else {
		req, err := parseRequestLine(startLine)
		if err != nil {
			return nil, err
		}
		msg, hs, b = req, &req.headers, &req.base
	}

	contentLength, err := p.parseHeaders(lines[1:], hs)
	if err != nil {
		return nil, err
	}

	switch {
	case contentLength < 0:
		b.body = rest
	case contentLength > len(rest):
		return nil, newParseError(0, ErrInvalidContentLength,
			"Content-Length %d exceeds body size %d", contentLength, len(rest))
	default:
		b.body = rest[:contentLength]
	}
	if len(b.body) == 0 {
		b.body = nil
	} else {
		b.body = append([]byte(nil), b.body...)
	}

	if !p.lenient {
		if err := validate(msg); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func findHeaderEnd(data []byte) (int, int) {
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
		return idx, 4
	}
	// допускаем окончания строк LF
	if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
		return idx, 2
	}
	return -1, 0
}

func splitLines(data []byte) []string {
	raw := strings.Split(string(data), "\n")
	for i, l := range raw {
		raw[i] = strings.TrimSuffix(l, "\r")
	}
	return raw
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return nil, newParseError(1, ErrInvalidRequestLine, "%q", line)
	}
	if parts[2] != "SIP/2.0" {
		return nil, newParseError(1, ErrInvalidSIPVersion, "%q", parts[2])
	}
	if !isToken(parts[0]) {
		return nil, newParseError(1, ErrInvalidRequestLine, "bad method %q", parts[0])
	}
	if _, err := ParseURI(parts[1]); err != nil {
		return nil, newParseError(1, ErrInvalidRequestLine, "bad Request-URI: %v", err)
	}
	return &Request{Method: strings.ToUpper(parts[0]), RequestURI: parts[1]}, nil
}

func parseStatusLine(line string) (*Response, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, newParseError(1, ErrInvalidStatusLine, "%q", line)
	}
	if parts[0] != "SIP/2.0" {
		return nil, newParseError(1, ErrInvalidSIPVersion, "%q", parts[0])
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 699 {
		return nil, newParseError(1, ErrInvalidStatusCode, "%q", parts[1])
	}
	reason := ReasonPhrase(code)
	if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
		reason = strings.TrimSpace(parts[2])
	}
	return &Response{StatusCode: code, Reason: reason}, nil
}

// parseHeaders заполняет hs и возвращает Content-Length или -1
func (p *Parser) parseHeaders(lines []string, hs *headerSet) (int, error) {
	contentLength := -1
	count := 0

	for i := 0; i < len(lines); i++ {
		lineNo := i + 2
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return 0, newParseError(lineNo, ErrInvalidHeader, "continuation line without header")
		}

		// перенос заголовка
		for i+1 < len(lines) && len(lines[i+1]) > 0 && (lines[i+1][0] == ' ' || lines[i+1][0] == '\t') {
			i++
			line += " " + strings.TrimSpace(lines[i])
		}

		if p.maxHeaderLength > 0 && len(line) > p.maxHeaderLength {
			return 0, newParseError(lineNo, ErrHeaderTooLarge, "%d bytes", len(line))
		}
		count++
		if p.maxHeaders > 0 && count > p.maxHeaders {
			return 0, newParseError(lineNo, ErrTooManyHeaders, "limit %d", p.maxHeaders)
		}

		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return 0, newParseError(lineNo, ErrInvalidHeader, "%q", line)
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		if !isToken(name) {
			return 0, newParseError(lineNo, ErrInvalidHeader, "bad header name %q", name)
		}

		if headerKey(name) == "content-length" {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return 0, newParseError(lineNo, ErrInvalidContentLength, "%q", value)
			}
			contentLength = n
			continue
		}
		hs.add(name, value)
	}
	return contentLength, nil
}

func validate(msg Message) error {
	for _, name := range []string{HeaderCallID, HeaderCSeq, HeaderFrom, HeaderTo, HeaderVia} {
		if msg.Header(name) == nil {
			return newParseError(0, ErrMissingHeader, "%s", name)
		}
	}
	_, method, err := msg.CSeq()
	if err != nil {
		return newParseError(0, ErrInvalidCSeq, "%v", err)
	}
	if req, ok := msg.(*Request); ok && method != req.Method {
		return newParseError(0, ErrInvalidCSeq, "CSeq method %s does not match %s", method, req.Method)
	}
	return nil
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("-.!%*_+`'~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
