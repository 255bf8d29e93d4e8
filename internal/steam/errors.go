package steam

import (
	"fmt"
	"strings"
)

// Kind is the retry classification of a client error.
type Kind int

const (
	// KindUnknown means the error carries no explicit classification;
	// Classify derives one from the result code.
	KindUnknown Kind = iota
	// KindTransient errors are retried automatically with backoff.
	KindTransient
	// KindFatal errors need an operator to fix credentials and restart.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseKind maps "transient" and "fatal" to their Kind.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transient", "retryable":
		return KindTransient
	case "fatal":
		return KindFatal
	default:
		return KindUnknown
	}
}

// Result is the subset of the service's result codes the session core
// distinguishes.
type Result int

const (
	ResultOK                              Result = 1
	ResultFail                            Result = 2
	ResultNoConnection                    Result = 3
	ResultInvalidPassword                 Result = 5
	ResultLoggedInElsewhere               Result = 6
	ResultAccessDenied                    Result = 15
	ResultTimeout                         Result = 16
	ResultBanned                          Result = 17
	ResultServiceUnavailable              Result = 20
	ResultLogonSessionReplaced            Result = 34
	ResultAccountDisabled                 Result = 43
	ResultTryAnotherCM                    Result = 48
	ResultAccountLogonDenied              Result = 63
	ResultInvalidLoginAuthCode            Result = 65
	ResultAccountLockedDown               Result = 73
	ResultRateLimitExceeded               Result = 84
	ResultAccountLoginDeniedNeedTwoFactor Result = 85
	ResultAccountLoginDeniedThrottle      Result = 87
	ResultTwoFactorCodeMismatch           Result = 88
)

var resultNames = map[Result]string{
	ResultOK:                              "OK",
	ResultFail:                            "Fail",
	ResultNoConnection:                    "NoConnection",
	ResultInvalidPassword:                 "InvalidPassword",
	ResultLoggedInElsewhere:               "LoggedInElsewhere",
	ResultAccessDenied:                    "AccessDenied",
	ResultTimeout:                         "Timeout",
	ResultBanned:                          "Banned",
	ResultServiceUnavailable:              "ServiceUnavailable",
	ResultLogonSessionReplaced:            "LogonSessionReplaced",
	ResultAccountDisabled:                 "AccountDisabled",
	ResultTryAnotherCM:                    "TryAnotherCM",
	ResultAccountLogonDenied:              "AccountLogonDenied",
	ResultInvalidLoginAuthCode:            "InvalidLoginAuthCode",
	ResultAccountLockedDown:               "AccountLockedDown",
	ResultRateLimitExceeded:               "RateLimitExceeded",
	ResultAccountLoginDeniedNeedTwoFactor: "AccountLoginDeniedNeedTwoFactor",
	ResultAccountLoginDeniedThrottle:      "AccountLoginDeniedThrottle",
	ResultTwoFactorCodeMismatch:           "TwoFactorCodeMismatch",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// fatalResults cannot succeed on retry without operator action.
var fatalResults = map[Result]bool{
	ResultInvalidPassword:                 true,
	ResultAccessDenied:                    true,
	ResultBanned:                          true,
	ResultAccountDisabled:                 true,
	ResultAccountLogonDenied:              true,
	ResultInvalidLoginAuthCode:            true,
	ResultAccountLockedDown:               true,
	ResultAccountLoginDeniedNeedTwoFactor: true,
	ResultTwoFactorCodeMismatch:           true,
}

// ErrorInfo describes a login or runtime failure reported by a client.
type ErrorInfo struct {
	Kind    Kind
	Result  Result
	Message string
}

func (e ErrorInfo) Error() string {
	msg := e.Message
	if msg == "" && e.Result != 0 {
		msg = e.Result.String()
	}
	if msg == "" {
		msg = "unknown error"
	}
	return msg
}

// Classify returns the retry classification of info. An explicit Kind
// wins; otherwise the result code decides, and anything not known to be a
// credential or account problem is treated as transient.
func Classify(info ErrorInfo) Kind {
	if info.Kind != KindUnknown {
		return info.Kind
	}
	if fatalResults[info.Result] {
		return KindFatal
	}
	return KindTransient
}

// Transient builds a transient ErrorInfo.
func Transient(result Result, message string) ErrorInfo {
	return ErrorInfo{Kind: KindTransient, Result: result, Message: message}
}

// Fatal builds a fatal ErrorInfo.
func Fatal(result Result, message string) ErrorInfo {
	return ErrorInfo{Kind: KindFatal, Result: result, Message: message}
}
