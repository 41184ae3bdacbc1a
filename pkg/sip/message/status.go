package message

// Коды ответов ядра
const (
	StatusTrying              = 100
	StatusRinging             = 180
	StatusSessionProgress     = 183
	StatusOK                  = 200
	StatusAccepted            = 202
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusMethodNotAllowed    = 405
	StatusNotAcceptable       = 406
	StatusProxyAuthRequired   = 407
	StatusRequestTimeout      = 408
	StatusUnsupportedMedia    = 415
	StatusIntervalTooBrief    = 423
	StatusTemporarilyUnavail  = 480
	StatusCallDoesNotExist    = 481
	StatusBusyHere            = 486
	StatusRequestTerminated   = 487
	StatusNotAcceptableHere   = 488
	StatusServerInternalError = 500
	StatusServiceUnavailable  = 503
	StatusBusyEverywhere      = 600
	StatusDecline             = 603
)

var reasonPhrases = map[int]string{
	StatusTrying:              "Trying",
	StatusRinging:             "Ringing",
	StatusSessionProgress:     "Session Progress",
	StatusOK:                  "OK",
	StatusAccepted:            "Accepted",
	StatusBadRequest:          "Bad Request",
	StatusUnauthorized:        "Unauthorized",
	StatusForbidden:           "Forbidden",
	StatusNotFound:            "Not Found",
	StatusMethodNotAllowed:    "Method Not Allowed",
	StatusNotAcceptable:       "Not Acceptable",
	StatusProxyAuthRequired:   "Proxy Authentication Required",
	StatusRequestTimeout:      "Request Timeout",
	StatusUnsupportedMedia:    "Unsupported Media Type",
	StatusIntervalTooBrief:    "Interval Too Brief",
	StatusTemporarilyUnavail:  "Temporarily Unavailable",
	StatusCallDoesNotExist:    "Call/Transaction Does Not Exist",
	StatusBusyHere:            "Busy Here",
	StatusRequestTerminated:   "Request Terminated",
	StatusNotAcceptableHere:   "Not Acceptable Here",
	StatusServerInternalError: "Server Internal Error",
	StatusServiceUnavailable:  "Service Unavailable",
	StatusBusyEverywhere:      "Busy Everywhere",
	StatusDecline:             "Decline",
}

// ReasonPhrase возвращает фразу по умолчанию для кода
func ReasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	switch {
	case code < 200:
		return "Provisional"
	case code < 300:
		return "Success"
	case code < 400:
		return "Redirection"
	case code < 500:
		return "Client Error"
	case code < 600:
		return "Server Error"
	default:
		return "Global Failure"
	}
}

// IsProvisional сообщает о коде 1xx
func IsProvisional(code int) bool { return code >= 100 && code < 200 }

// IsSuccess сообщает о коде 2xx
func IsSuccess(code int) bool { return code >= 200 && code < 300 }

// IsFinal сообщает о коде >= 200
func IsFinal(code int) bool { return code >= 200 }
