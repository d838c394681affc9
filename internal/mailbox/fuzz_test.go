package mailbox

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"

	"github.com/ashfaqmehmood/ref-tools-keygen/api/schemas"
)

// FuzzMatchVerification generates whole messages and marker pairs and
// checks the predicate's contract: empty markers never match, and a
// marker occurring verbatim in its field always does.
func FuzzMatchVerification(f *testing.F) {
	f.Add([]byte("no-reply@ref.tools Verify your email"))

	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		message := schemas.InboxMessage{}
		if err := consumer.GenerateStruct(&message); err != nil {
			return
		}
		senderMarker, err := consumer.GetString()
		if err != nil {
			return
		}
		subjectMarker, err := consumer.GetString()
		if err != nil {
			return
		}

		match := MatchVerification(senderMarker, subjectMarker)
		matched := match(message)

		if senderMarker == "" && subjectMarker == "" {
			if matched {
				t.Fatal("predicate with empty markers matched a message")
			}
			return
		}

		inSender := senderMarker != "" &&
			strings.Contains(strings.ToLower(message.Sender), strings.ToLower(senderMarker))
		inSubject := subjectMarker != "" &&
			strings.Contains(strings.ToLower(message.Subject), strings.ToLower(subjectMarker))
		if (inSender || inSubject) && !matched {
			t.Fatalf("message %+v carries a marker but did not match", message)
		}
		if matched && !inSender && !inSubject {
			t.Fatalf("message %+v matched without carrying either marker", message)
		}
	})
}
