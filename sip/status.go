package sip

import "fmt"

// ResponseStatus is a SIP response status code.
type ResponseStatus uint

const (
	ResponseStatusTrying          ResponseStatus = 100
	ResponseStatusRinging         ResponseStatus = 180
	ResponseStatusSessionProgress ResponseStatus = 183

	ResponseStatusOK       ResponseStatus = 200
	ResponseStatusAccepted ResponseStatus = 202

	ResponseStatusMovedTemporarily ResponseStatus = 302

	ResponseStatusBadRequest                  ResponseStatus = 400
	ResponseStatusUnauthorized                ResponseStatus = 401
	ResponseStatusForbidden                   ResponseStatus = 403
	ResponseStatusNotFound                    ResponseStatus = 404
	ResponseStatusRequestTimeout              ResponseStatus = 408
	ResponseStatusTemporarilyUnavailable      ResponseStatus = 480
	ResponseStatusCallTransactionDoesNotExist ResponseStatus = 481
	ResponseStatusBusyHere                    ResponseStatus = 486
	ResponseStatusRequestTerminated           ResponseStatus = 487

	ResponseStatusServerInternalError ResponseStatus = 500
	ResponseStatusNotImplemented      ResponseStatus = 501
	ResponseStatusServiceUnavailable  ResponseStatus = 503

	ResponseStatusBusyEverywhere ResponseStatus = 600
	ResponseStatusDecline        ResponseStatus = 603
)

func (s ResponseStatus) IsValid() bool { return s >= 100 && s < 700 }

func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

func (s ResponseStatus) IsRedirection() bool { return s >= 300 && s < 400 }

func (s ResponseStatus) IsRequestFailure() bool { return s >= 400 && s < 500 }

func (s ResponseStatus) IsServerFailure() bool { return s >= 500 && s < 600 }

func (s ResponseStatus) IsGlobalFailure() bool { return s >= 600 && s < 700 }

func (s ResponseStatus) IsFinal() bool { return s >= 200 && s < 700 }

// Reason returns the canonical reason phrase for the status,
// or an empty string for statuses without one.
func (s ResponseStatus) Reason() string { return responseReasons[s] }

func (s ResponseStatus) String() string { return fmt.Sprintf("%d %s", uint(s), s.Reason()) }

var responseReasons = map[ResponseStatus]string{
	ResponseStatusTrying:          "Trying",
	ResponseStatusRinging:         "Ringing",
	ResponseStatusSessionProgress: "Session Progress",

	ResponseStatusOK:       "OK",
	ResponseStatusAccepted: "Accepted",

	ResponseStatusMovedTemporarily: "Moved Temporarily",

	ResponseStatusBadRequest:                  "Bad Request",
	ResponseStatusUnauthorized:                "Unauthorized",
	ResponseStatusForbidden:                   "Forbidden",
	ResponseStatusNotFound:                    "Not Found",
	ResponseStatusRequestTimeout:              "Request Timeout",
	ResponseStatusTemporarilyUnavailable:      "Temporarily Unavailable",
	ResponseStatusCallTransactionDoesNotExist: "Call/Transaction Does Not Exist",
	ResponseStatusBusyHere:                    "Busy Here",
	ResponseStatusRequestTerminated:           "Request Terminated",

	ResponseStatusServerInternalError: "Server Internal Error",
	ResponseStatusNotImplemented:      "Not Implemented",
	ResponseStatusServiceUnavailable:  "Service Unavailable",

	ResponseStatusBusyEverywhere: "Busy Everywhere",
	ResponseStatusDecline:        "Decline",
}
