package message

import "strings"

// Param один параметр ";name=value". У флага пустое значение и
// HasValue false.
type Param struct {
	Name     string
	Value    string
	HasValue bool
}

// Params упорядоченный набор параметров
type Params []Param

// ParseParams разбирает "a=1;b;c=\"x;y\"". Допускается ведущая ';'.
func ParseParams(s string) Params {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, ";")
	if s == "" {
		return nil
	}

	var out Params
	for _, part := range splitOutsideQuotes(s, ';') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if eq := strings.IndexByte(part, '='); eq >= 0 {
			out = append(out, Param{
				Name:     strings.TrimSpace(part[:eq]),
				Value:    strings.TrimSpace(part[eq+1:]),
				HasValue: true,
			})
		} else {
			out = append(out, Param{Name: part})
		}
	}
	return out
}

// Get возвращает значение параметра без кавычек, имя без учета регистра
func (p Params) Get(name string) (string, bool) {
	for _, param := range p {
		if strings.EqualFold(param.Name, name) {
			return Unquote(param.Value), true
		}
	}
	return "", false
}

// Has сообщает о наличии параметра
func (p Params) Has(name string) bool {
	_, ok := p.Get(name)
	return ok
}

// Set заменяет или добавляет параметр
func (p *Params) Set(name, value string) {
	for i, param := range *p {
		if strings.EqualFold(param.Name, name) {
			(*p)[i].Value = value
			(*p)[i].HasValue = true
			return
		}
	}
	*p = append(*p, Param{Name: name, Value: value, HasValue: true})
}

// SetFlag добавляет параметр без значения
func (p *Params) SetFlag(name string) {
	if p.Has(name) {
		return
	}
	*p = append(*p, Param{Name: name})
}

// Remove удаляет параметр
func (p *Params) Remove(name string) {
	out := (*p)[:0]
	for _, param := range *p {
		if !strings.EqualFold(param.Name, name) {
			out = append(out, param)
		}
	}
	*p = out
}

// String кодирует набор с ведущими точками с запятой
func (p Params) String() string {
	var sb strings.Builder
	for _, param := range p {
		sb.WriteByte(';')
		sb.WriteString(param.Name)
		if param.HasValue {
			sb.WriteByte('=')
			sb.WriteString(param.Value)
		}
	}
	return sb.String()
}

// Unquote снимает кавычки и экранирование
func Unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	s = s[1 : len(s)-1]
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// Quote заключает s в кавычки с экранированием
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// paramStart возвращает индекс ';', открывающей параметры заголовка, или -1
func paramStart(v string) int {
	inQuote := false
	depth := 0
	seenAngle := strings.Contains(v, "<")
	closed := !seenAngle
	for i := 0; i < len(v); i++ {
		switch c := v[i]; {
		case c == '"':
			inQuote = !inQuote
		case c == '<' && !inQuote:
			depth++
		case c == '>' && !inQuote && depth > 0:
			depth--
			if depth == 0 {
				closed = true
			}
		case c == ';' && !inQuote && depth == 0 && closed:
			return i
		}
	}
	return -1
}

func paramSection(v string) string {
	if idx := paramStart(v); idx >= 0 {
		return v[idx:]
	}
	return ""
}

func splitOutsideQuotes(s string, sep byte) []string {
	var (
		out     []string
		start   int
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}
