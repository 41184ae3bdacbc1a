package message

import (
	"fmt"
	"strings"
)

// Header одно значение заголовка
type Header struct {
	Name  string
	Value string
}

// NewHeader создает заголовок с каноническим именем и обрезанным значением
func NewHeader(name, value string) *Header {
	return &Header{
		Name:  CanonicalName(name),
		Value: strings.TrimSpace(value),
	}
}

// Param возвращает параметр заголовка. Параметры внутри <...> относятся к
// URI и не учитываются.
func (h *Header) Param(name string) (string, bool) {
	return ParseParams(paramSection(h.Value)).Get(name)
}

// MainValue возвращает значение без параметров заголовка
func (h *Header) MainValue() string {
	v := h.Value
	if idx := paramStart(v); idx >= 0 {
		v = v[:idx]
	}
	return strings.TrimSpace(v)
}

// String возвращает "Name: Value"
func (h *Header) String() string {
	return h.Name + ": " + h.Value
}

// Clone копия заголовка
func (h *Header) Clone() *Header {
	c := *h
	return &c
}

// HeaderList упорядоченная последовательность заголовков с одним именем
type HeaderList struct {
	name    string
	headers []*Header
}

// NewHeaderList создает пустой список для имени
func NewHeaderList(name string) *HeaderList {
	return &HeaderList{name: CanonicalName(name)}
}

// Name возвращает каноническое имя списка
func (l *HeaderList) Name() string {
	return l.name
}

// Add добавляет заголовок. Заголовок с другим именем отклоняется.
func (l *HeaderList) Add(h *Header) error {
	if h == nil {
		return fmt.Errorf("%w: nil header", ErrHeaderMismatch)
	}
	if !strings.EqualFold(CanonicalName(h.Name), l.name) {
		return fmt.Errorf("%w: %s added to %s list", ErrHeaderMismatch, h.Name, l.name)
	}
	h.Name = l.name
	l.headers = append(l.headers, h)
	return nil
}

// Len возвращает число заголовков
func (l *HeaderList) Len() int {
	return len(l.headers)
}

// First возвращает первый заголовок или nil
func (l *HeaderList) First() *Header {
	if len(l.headers) == 0 {
		return nil
	}
	return l.headers[0]
}

// Headers возвращает копию среза заголовков
func (l *HeaderList) Headers() []*Header {
	out := make([]*Header, len(l.headers))
	copy(out, l.headers)
	return out
}

// Values возвращает значения по порядку
func (l *HeaderList) Values() []string {
	out := make([]string, len(l.headers))
	for i, h := range l.headers {
		out[i] = h.Value
	}
	return out
}

// RemoveFirst удаляет первый заголовок
func (l *HeaderList) RemoveFirst() {
	if len(l.headers) > 0 {
		l.headers = l.headers[1:]
	}
}

// Encode пишет список в сетевом формате. Многострочные заголовки дают по
// строке "Name: value" на значение, остальные одну строку через запятую.
func (l *HeaderList) Encode() string {
	if len(l.headers) == 0 {
		return ""
	}

	var sb strings.Builder
	if IsMultiLineHeader(l.name) {
		for _, h := range l.headers {
			sb.WriteString(l.name)
			sb.WriteString(": ")
			sb.WriteString(h.Value)
			sb.WriteString("\r\n")
		}
		return sb.String()
	}

	sb.WriteString(l.name)
	sb.WriteString(": ")
	for i, h := range l.headers {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(h.Value)
	}
	sb.WriteString("\r\n")
	return sb.String()
}

// Clone глубокая копия списка
func (l *HeaderList) Clone() *HeaderList {
	c := &HeaderList{name: l.name, headers: make([]*Header, len(l.headers))}
	for i, h := range l.headers {
		c.headers[i] = h.Clone()
	}
	return c
}

// SplitValues делит значение по запятым вне кавычек и угловых скобок
func SplitValues(value string) []string {
	var (
		out     []string
		start   int
		inQuote bool
		depth   int
	)
	for i := 0; i < len(value); i++ {
		switch c := value[i]; {
		case c == '\\' && inQuote:
			i++
		case c == '"':
			inQuote = !inQuote
		case c == '<' && !inQuote:
			depth++
		case c == '>' && !inQuote && depth > 0:
			depth--
		case c == ',' && !inQuote && depth == 0:
			if v := strings.TrimSpace(value[start:i]); v != "" {
				out = append(out, v)
			}
			start = i + 1
		}
	}
	if v := strings.TrimSpace(value[start:]); v != "" {
		out = append(out, v)
	}
	return out
}
