package message

import "strings"

// SIP методы ядра
const (
	MethodInvite    = "INVITE"
	MethodAck       = "ACK"
	MethodBye       = "BYE"
	MethodCancel    = "CANCEL"
	MethodRegister  = "REGISTER"
	MethodSubscribe = "SUBSCRIBE"
	MethodNotify    = "NOTIFY"
	MethodOptions   = "OPTIONS"
	MethodMessage   = "MESSAGE"
	MethodUpdate    = "UPDATE"
	MethodPrack     = "PRACK"
	MethodPublish   = "PUBLISH"
	MethodRefer     = "REFER"
	MethodInfo      = "INFO"
)

// Имена заголовков
const (
	HeaderVia                = "Via"
	HeaderFrom               = "From"
	HeaderTo                 = "To"
	HeaderCallID             = "Call-ID"
	HeaderCSeq               = "CSeq"
	HeaderContact            = "Contact"
	HeaderMaxForwards        = "Max-Forwards"
	HeaderRoute              = "Route"
	HeaderRecordRoute        = "Record-Route"
	HeaderContentType        = "Content-Type"
	HeaderContentLength      = "Content-Length"
	HeaderExpires            = "Expires"
	HeaderMinExpires         = "Min-Expires"
	HeaderUserAgent          = "User-Agent"
	HeaderServer             = "Server"
	HeaderAllow              = "Allow"
	HeaderSupported          = "Supported"
	HeaderRequire            = "Require"
	HeaderAccept             = "Accept"
	HeaderAcceptContact      = "Accept-Contact"
	HeaderEvent              = "Event"
	HeaderAllowEvents        = "Allow-Events"
	HeaderSubscriptionState  = "Subscription-State"
	HeaderWWWAuthenticate    = "WWW-Authenticate"
	HeaderAuthorization      = "Authorization"
	HeaderProxyAuthenticate  = "Proxy-Authenticate"
	HeaderProxyAuthorization = "Proxy-Authorization"
	HeaderAuthenticationInfo = "Authentication-Info"
	HeaderServiceRoute       = "Service-Route"
	HeaderPath               = "Path"
	HeaderPAssociatedURI     = "P-Associated-URI"
	HeaderPAssertedIdentity  = "P-Asserted-Identity"
	HeaderPPreferredIdentity = "P-Preferred-Identity"
	HeaderPAccessNetworkInfo = "P-Access-Network-Info"
	HeaderPrivacy            = "Privacy"
	HeaderRetryAfter         = "Retry-After"
	HeaderDate               = "Date"
	HeaderSubject            = "Subject"
	HeaderWarning            = "Warning"
	HeaderContentDisposition = "Content-Disposition"
	HeaderSessionExpires     = "Session-Expires"
	HeaderReferTo            = "Refer-To"
	HeaderReferredBy         = "Referred-By"
	HeaderContentID          = "Content-ID"
)

// compactForms полные имена для компактных форм RFC 3261
var compactForms = map[string]string{
	"v": HeaderVia,
	"f": HeaderFrom,
	"t": HeaderTo,
	"i": HeaderCallID,
	"m": HeaderContact,
	"l": HeaderContentLength,
	"c": HeaderContentType,
	"e": "Content-Encoding",
	"k": HeaderSupported,
	"s": HeaderSubject,
	"o": HeaderEvent,
	"u": HeaderAllowEvents,
	"r": HeaderReferTo,
	"b": HeaderReferredBy,
	"x": HeaderSessionExpires,
	"a": HeaderAcceptContact,
}

// specialNames принятое написание имен, которые общее правило Title-Case
// портит
var specialNames = map[string]string{
	"call-id":               HeaderCallID,
	"cseq":                  HeaderCSeq,
	"www-authenticate":      HeaderWWWAuthenticate,
	"p-associated-uri":      HeaderPAssociatedURI,
	"p-access-network-info": HeaderPAccessNetworkInfo,
	"content-id":            HeaderContentID,
	"mime-version":          "MIME-Version",
}

// unsplittable заголовки, в значениях которых запятая не разделяет список.
// При разборе не делятся и пишутся по одному на строку.
var unsplittable = map[string]bool{
	"www-authenticate":      true,
	"proxy-authenticate":    true,
	"authorization":         true,
	"proxy-authorization":   true,
	"authentication-info":   true,
	"call-id":               true,
	"cseq":                  true,
	"from":                  true,
	"to":                    true,
	"content-type":          true,
	"content-length":        true,
	"content-disposition":   true,
	"max-forwards":          true,
	"expires":               true,
	"min-expires":           true,
	"date":                  true,
	"subject":               true,
	"user-agent":            true,
	"server":                true,
	"organization":          true,
	"retry-after":           true,
	"timestamp":             true,
	"event":                 true,
	"subscription-state":    true,
	"session-expires":       true,
	"refer-to":              true,
	"referred-by":           true,
	"privacy":               true,
	"accept-contact":        true,
	"p-access-network-info": true,
}

// multiLine заголовки, которые всегда пишутся по значению на строку
var multiLine = map[string]bool{
	"www-authenticate":    true,
	"via":                 true,
	"proxy-authenticate":  true,
	"authorization":       true,
	"proxy-authorization": true,
}

// CanonicalName возвращает принятое написание имени заголовка и
// раскрывает компактные формы.
func CanonicalName(name string) string {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	if full, ok := compactForms[lower]; ok {
		return full
	}
	if special, ok := specialNames[lower]; ok {
		return special
	}

	parts := strings.Split(lower, "-")
	for i, part := range parts {
		if len(part) > 0 {
			parts[i] = strings.ToUpper(part[:1]) + part[1:]
		}
	}
	return strings.Join(parts, "-")
}

func headerKey(name string) string {
	return strings.ToLower(CanonicalName(name))
}

// IsListHeader сообщает, являются ли значения через запятую отдельными
// элементами
func IsListHeader(name string) bool {
	return !unsplittable[headerKey(name)]
}

// IsMultiLineHeader сообщает, пишется ли заголовок по значению на строку
func IsMultiLineHeader(name string) bool {
	key := headerKey(name)
	return multiLine[key] || unsplittable[key]
}
