package sip

import (
	"log/slog"
	"maps"
	"slices"

	"braces.dev/errtrace"
)

// Params is a set of header or Via parameters.
type Params map[string]string

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Via represents a single parsed Via header hop.
type Via struct {
	// Transport is the transport token of the hop, e.g. "UDP" or "TLS".
	Transport string
	// SentBy is the host or host:port the hop was sent from.
	SentBy string
	// Params are the Via parameters, including "branch".
	Params Params
}

// Branch returns the branch parameter of the hop.
func (v Via) Branch() (string, bool) {
	branch, ok := v.Params["branch"]
	return branch, ok && branch != ""
}

func (v Via) Clone() Via {
	v.Params = v.Params.Clone()
	return v
}

// LogValue implements [slog.LogValuer].
func (v Via) LogValue() slog.Value {
	branch, _ := v.Branch()
	return slog.GroupValue(
		slog.String("transport", v.Transport),
		slog.String("sent_by", v.SentBy),
		slog.String("branch", branch),
	)
}

// CSeq is a parsed CSeq header.
type CSeq struct {
	Num    uint32
	Method RequestMethod
}

// Request is a parsed SIP request as handed over by the message layer.
// The transaction layer never parses raw bytes.
type Request struct {
	Method  RequestMethod
	URI     string
	Via     []Via
	CSeq    CSeq
	Headers Params
	Body    []byte
}

// Branch returns the branch parameter of the topmost Via hop.
func (r *Request) Branch() (string, bool) {
	if r == nil || len(r.Via) == 0 {
		return "", false
	}
	return r.Via[0].Branch()
}

// Validate reports whether the request carries everything the transaction
// layer needs for correlation: a method and a topmost Via branch.
func (r *Request) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil request"))
	}
	if !r.Method.IsValid() {
		return errtrace.Wrap(NewInvalidArgumentError("request without method"))
	}
	if _, ok := r.Branch(); !ok {
		return errtrace.Wrap(NewInvalidArgumentError("request without Via branch"))
	}
	return nil
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Via = cloneVias(r.Via)
	out.Headers = r.Headers.Clone()
	out.Body = slices.Clone(r.Body)
	return &out
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	branch, _ := r.Branch()
	return slog.GroupValue(
		slog.String("method", string(r.Method)),
		slog.String("uri", r.URI),
		slog.String("branch", branch),
	)
}

// Response is a parsed SIP response as handed over by the message layer.
type Response struct {
	Status  ResponseStatus
	Reason  string
	Via     []Via
	CSeq    CSeq
	Headers Params
	Body    []byte
}

// NewResponse builds a response to the given request with the canonical
// reason phrase. Via and CSeq are copied from the request per RFC 3261
// section 8.2.6.2.
func NewResponse(req *Request, sts ResponseStatus) *Response {
	if req == nil {
		return &Response{Status: sts, Reason: sts.Reason()}
	}
	return &Response{
		Status: sts,
		Reason: sts.Reason(),
		Via:    cloneVias(req.Via),
		CSeq:   req.CSeq,
	}
}

// Branch returns the branch parameter of the topmost Via hop.
func (r *Response) Branch() (string, bool) {
	if r == nil || len(r.Via) == 0 {
		return "", false
	}
	return r.Via[0].Branch()
}

// Validate reports whether the response carries a valid status code and a
// topmost Via branch for transaction correlation.
func (r *Response) Validate() error {
	if r == nil {
		return errtrace.Wrap(NewInvalidArgumentError("nil response"))
	}
	if !r.Status.IsValid() {
		return errtrace.Wrap(NewInvalidArgumentError("response with status %d", uint(r.Status)))
	}
	if _, ok := r.Branch(); !ok {
		return errtrace.Wrap(NewInvalidArgumentError("response without Via branch"))
	}
	return nil
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Via = cloneVias(r.Via)
	out.Headers = r.Headers.Clone()
	out.Body = slices.Clone(r.Body)
	return &out
}

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	branch, _ := r.Branch()
	return slog.GroupValue(
		slog.String("status", r.Status.String()),
		slog.String("branch", branch),
	)
}

func cloneVias(vias []Via) []Via {
	if vias == nil {
		return nil
	}
	out := make([]Via, len(vias))
	for i, v := range vias {
		out[i] = v.Clone()
	}
	return out
}
