package sip

import (
	"strings"

	"braces.dev/errtrace"
	"github.com/google/uuid"
)

// MagicCookie is the RFC 3261 branch prefix that marks a branch value as
// globally unique.
const MagicCookie = "z9hG4bK"

// TransactionID identifies a transaction within the layer. It wraps the
// branch parameter of the topmost Via header: two messages belong to the
// same transaction iff their branches are equal.
type TransactionID string

func (id TransactionID) String() string { return string(id) }

func (id TransactionID) IsValid() bool { return id != "" }

// IsRFC3261Branch reports whether the branch starts with the magic cookie.
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, MagicCookie)
}

// GenerateBranch returns a fresh RFC 3261 branch token for an originated
// request.
func GenerateBranch() string {
	return MagicCookie + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// TransactionIDFromRequest extracts the transaction ID from the topmost Via
// branch of the request.
func TransactionIDFromRequest(req *Request) (TransactionID, error) {
	if err := req.Validate(); err != nil {
		return "", errtrace.Wrap(err)
	}
	branch, _ := req.Branch()
	return TransactionID(branch), nil
}

// TransactionIDFromResponse extracts the transaction ID from the topmost Via
// branch of the response.
func TransactionIDFromResponse(res *Response) (TransactionID, error) {
	if err := res.Validate(); err != nil {
		return "", errtrace.Wrap(err)
	}
	branch, _ := res.Branch()
	return TransactionID(branch), nil
}
