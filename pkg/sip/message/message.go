package message

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// TransactionRef обратная ссылка сообщения на его транзакцию
type TransactionRef interface {
	ID() string
}

// Message общий интерфейс SIP запросов и ответов
type Message interface {
	// IsRequest true для запросов
	IsRequest() bool

	// StartLine возвращает стартовую строку без CRLF
	StartLine() string

	// Header возвращает первый заголовок с именем или nil
	Header(name string) *Header

	// HeaderValue возвращает первое значение заголовка или ""
	HeaderValue(name string) string

	// Headers возвращает все заголовки с именем по порядку
	Headers(name string) []*Header

	// HeaderList возвращает список для имени или nil
	HeaderList(name string) *HeaderList

	// HeaderNames возвращает канонические имена в порядке появления
	HeaderNames() []string

	// AddHeader добавляет значение, списочные заголовки делятся по запятым
	AddHeader(name, value string)

	// SetHeader заменяет все значения заголовка
	SetHeader(name, value string)

	// RemoveHeader удаляет заголовок
	RemoveHeader(name string)

	Body() []byte
	ContentType() string
	SetBody(contentType string, body []byte)

	CallID() string
	CSeq() (uint32, string, error)
	FromTag() string
	ToTag() string

	Transaction() TransactionRef
	SetTransaction(tx TransactionRef)

	// Encode возвращает сетевую форму
	Encode() []byte
	String() string
}

// headerSet хранит списки заголовков по имени в нижнем регистре и порядок
// первого появления имен.
type headerSet struct {
	order []string
	lists map[string]*HeaderList
}

func (s *headerSet) list(name string) *HeaderList {
	if s.lists == nil {
		return nil
	}
	return s.lists[headerKey(name)]
}

func (s *headerSet) ensure(name string) *HeaderList {
	key := headerKey(name)
	if s.lists == nil {
		s.lists = make(map[string]*HeaderList)
	}
	l, ok := s.lists[key]
	if !ok {
		l = NewHeaderList(name)
		s.lists[key] = l
		s.order = append(s.order, key)
	}
	return l
}

func (s *headerSet) add(name, value string) {
	if headerKey(name) == "content-length" {
		return
	}
	l := s.ensure(name)
	for _, v := range splitFor(name, value) {
		// имена совпадают, Add здесь не отказывает
		_ = l.Add(NewHeader(name, v))
	}
}

func splitFor(name, value string) []string {
	if !IsListHeader(name) {
		return []string{value}
	}
	values := SplitValues(value)
	if len(values) == 0 {
		return []string{""}
	}
	return values
}

func (s *headerSet) remove(name string) {
	key := headerKey(name)
	if _, ok := s.lists[key]; !ok {
		return
	}
	delete(s.lists, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *headerSet) clone() headerSet {
	c := headerSet{
		order: append([]string(nil), s.order...),
		lists: make(map[string]*HeaderList, len(s.lists)),
	}
	for k, l := range s.lists {
		c.lists[k] = l.Clone()
	}
	return c
}

// base общая часть запросов и ответов
type base struct {
	headers headerSet
	body    []byte
	tx      TransactionRef
}

func (m *base) Header(name string) *Header {
	if l := m.headers.list(name); l != nil {
		return l.First()
	}
	return nil
}

func (m *base) HeaderValue(name string) string {
	if h := m.Header(name); h != nil {
		return h.Value
	}
	return ""
}

func (m *base) Headers(name string) []*Header {
	if l := m.headers.list(name); l != nil {
		return l.Headers()
	}
	return nil
}

func (m *base) HeaderList(name string) *HeaderList {
	return m.headers.list(name)
}

func (m *base) HeaderNames() []string {
	names := make([]string, 0, len(m.headers.order))
	for _, key := range m.headers.order {
		names = append(names, m.headers.lists[key].Name())
	}
	return names
}

func (m *base) AddHeader(name, value string) {
	m.headers.add(name, value)
}

func (m *base) SetHeader(name, value string) {
	key := headerKey(name)
	if l, ok := m.headers.lists[key]; ok {
		// сохраняем исходную позицию
		l.headers = l.headers[:0]
		for _, v := range splitFor(name, value) {
			_ = l.Add(NewHeader(name, v))
		}
		return
	}
	m.headers.add(name, value)
}

func (m *base) RemoveHeader(name string) {
	m.headers.remove(name)
}

func (m *base) Body() []byte {
	return m.body
}

func (m *base) ContentType() string {
	return m.HeaderValue(HeaderContentType)
}

// SetBody задает тело и Content-Type. Content-Length всегда вычисляется
// в Encode.
func (m *base) SetBody(contentType string, body []byte) {
	m.body = body
	if contentType == "" || len(body) == 0 {
		m.headers.remove(HeaderContentType)
		return
	}
	m.SetHeader(HeaderContentType, contentType)
}

func (m *base) CallID() string {
	return m.HeaderValue(HeaderCallID)
}

func (m *base) CSeq() (uint32, string, error) {
	return ParseCSeq(m.HeaderValue(HeaderCSeq))
}

func (m *base) FromTag() string {
	return ExtractTag(m.HeaderValue(HeaderFrom))
}

func (m *base) ToTag() string {
	return ExtractTag(m.HeaderValue(HeaderTo))
}

func (m *base) Transaction() TransactionRef {
	return m.tx
}

func (m *base) SetTransaction(tx TransactionRef) {
	m.tx = tx
}

func (m *base) encode(startLine string) []byte {
	var buf bytes.Buffer
	buf.WriteString(startLine)
	buf.WriteString("\r\n")
	for _, key := range m.headers.order {
		buf.WriteString(m.headers.lists[key].Encode())
	}
	buf.WriteString(HeaderContentLength)
	buf.WriteString(": ")
	buf.WriteString(strconv.Itoa(len(m.body)))
	buf.WriteString("\r\n\r\n")
	buf.Write(m.body)
	return buf.Bytes()
}

func (m *base) clone() base {
	c := base{headers: m.headers.clone(), tx: m.tx}
	if m.body != nil {
		c.body = append([]byte(nil), m.body...)
	}
	return c
}

// Request SIP запрос
type Request struct {
	base
	Method     string
	RequestURI string
}

// Response SIP ответ
type Response struct {
	base
	StatusCode int
	Reason     string
}

var (
	_ Message = (*Request)(nil)
	_ Message = (*Response)(nil)
)

func (r *Request) IsRequest() bool { return true }

func (r *Request) StartLine() string {
	return r.Method + " " + r.RequestURI + " SIP/2.0"
}

func (r *Request) Encode() []byte {
	return r.encode(r.StartLine())
}

func (r *Request) String() string {
	return string(r.Encode())
}

// Clone глубокая копия без ссылки на транзакцию
func (r *Request) Clone() *Request {
	c := &Request{base: r.clone(), Method: r.Method, RequestURI: r.RequestURI}
	c.tx = nil
	return c
}

// Expires возвращает значение Expires или -1
func (r *Request) Expires() int {
	return expiresValue(&r.base)
}

func (r *Response) IsRequest() bool { return false }

func (r *Response) StartLine() string {
	return "SIP/2.0 " + strconv.Itoa(r.StatusCode) + " " + r.Reason
}

func (r *Response) Encode() []byte {
	return r.encode(r.StartLine())
}

func (r *Response) String() string {
	return string(r.Encode())
}

// Clone глубокая копия без ссылки на транзакцию
func (r *Response) Clone() *Response {
	c := &Response{base: r.clone(), StatusCode: r.StatusCode, Reason: r.Reason}
	c.tx = nil
	return c
}

// Expires возвращает значение Expires или -1
func (r *Response) Expires() int {
	return expiresValue(&r.base)
}

// Method возвращает метод CSeq ответа
func (r *Response) Method() string {
	_, method, _ := r.CSeq()
	return method
}

func expiresValue(m *base) int {
	v := m.HeaderValue(HeaderExpires)
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// ParseCSeq разбирает значение CSeq
func ParseCSeq(cseq string) (uint32, string, error) {
	parts := strings.Fields(cseq)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidCSeq, cseq)
	}
	seq, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad number %q", ErrInvalidCSeq, parts[0])
	}
	return uint32(seq), strings.ToUpper(parts[1]), nil
}

// FormatCSeq форматирует значение CSeq
func FormatCSeq(seq uint32, method string) string {
	return strconv.FormatUint(uint64(seq), 10) + " " + method
}
