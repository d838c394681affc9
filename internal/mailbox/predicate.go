package mailbox

import (
	"strings"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
)

// MatchVerification returns the verification-message predicate: the
// sender contains senderMarker, or the subject contains subjectMarker,
// both case-insensitive. An empty marker disables its clause, so a
// predicate built from two empty markers matches nothing rather than
// everything.
func MatchVerification(senderMarker, subjectMarker string) schemas.MessagePredicate {
	sender := strings.ToLower(senderMarker)
	subject := strings.ToLower(subjectMarker)

	return func(msg schemas.InboxMessage) bool {
		if sender != "" && strings.Contains(strings.ToLower(msg.Sender), sender) {
			return true
		}
		if subject != "" && strings.Contains(strings.ToLower(msg.Subject), subject) {
			return true
		}
		return false
	}
}
