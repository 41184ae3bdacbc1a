package message

import (
	"strings"
)

// NewRequest создает запрос без заголовков
func NewRequest(method, requestURI string) *Request {
	return &Request{Method: strings.ToUpper(method), RequestURI: requestURI}
}

// NewResponse создает ответ на req с копией Via, From, To, Call-ID, CSeq и
// Record-Route (RFC 3261 8.2.6.2). Непустой toTag добавляется в To без тега.
func NewResponse(req *Request, code int, reason, toTag string) *Response {
	if reason == "" {
		reason = ReasonPhrase(code)
	}
	res := &Response{StatusCode: code, Reason: reason}

	for _, name := range []string{HeaderVia, HeaderFrom, HeaderTo, HeaderCallID, HeaderCSeq} {
		for _, h := range req.Headers(name) {
			res.AddHeader(name, h.Value)
		}
	}
	if code > StatusTrying {
		for _, h := range req.Headers(HeaderRecordRoute) {
			res.AddHeader(HeaderRecordRoute, h.Value)
		}
	}

	if toTag != "" && res.ToTag() == "" {
		to := res.HeaderValue(HeaderTo)
		if addr, err := ParseAddress(to); err == nil {
			addr.SetTag(toTag)
			res.SetHeader(HeaderTo, addr.String())
		} else {
			res.SetHeader(HeaderTo, to+";tag="+toTag)
		}
	}
	res.tx = req.tx
	return res
}

// TopViaParams возвращает параметры верхнего Via
func TopViaParams(m Message) Params {
	h := m.Header(HeaderVia)
	if h == nil {
		return nil
	}
	return ParseParams(paramSection(h.Value))
}

// TopViaSentBy возвращает host:port верхнего Via
func TopViaSentBy(m Message) string {
	h := m.Header(HeaderVia)
	if h == nil {
		return ""
	}
	v := h.MainValue()
	// "SIP/2.0/UDP host:port"
	fields := strings.Fields(v)
	if len(fields) < 2 {
		return ""
	}
	return fields[len(fields)-1]
}

// Branch возвращает branch верхнего Via
func Branch(m Message) string {
	b, _ := TopViaParams(m).Get("branch")
	return b
}
