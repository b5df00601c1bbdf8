// Package conversation holds the client-side view of an interview: the
// append-only message log plus the in-progress user transcript and assistant
// response.
//
// [Reduce] is a pure function from a [Snapshot] and one inbound control
// message to the next Snapshot. [Store] wraps it with locking, message IDs,
// subscriber notification and forwarding of coding questions to a
// [CodeEditor].
package conversation

import (
	"slices"
	"time"

	"github.com/MrWong99/intervoice/internal/protocol"
)

// Role identifies who produced a [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one finalized utterance.
type Message struct {
	// ID is assigned by [Store]; messages produced by [Reduce] alone carry
	// an empty ID.
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Snapshot is an immutable view of the conversation. Messages must not be
// modified by holders of a Snapshot.
type Snapshot struct {
	Messages []Message

	// PartialUser is the latest progressive transcript of the current
	// utterance. Each partial replaces the previous one.
	PartialUser string

	// PartialAssistant accumulates llm_chunk text until assistant_complete.
	PartialAssistant string

	// Processing is true while the backend is working on a reply.
	Processing bool

	// Error is the last error shown to the user. A final user transcript
	// clears it.
	Error string
}

// LastMessage returns the newest message, if any.
func (s Snapshot) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Reduce applies msg to s. now timestamps appended messages. Transcripts
// attributed to a role other than the user are ignored, as are messages that
// carry no conversation state (coding_question).
func Reduce(s Snapshot, msg protocol.Inbound, now time.Time) Snapshot {
	switch m := msg.(type) {
	case protocol.TranscriptPartial:
		if !fromUser(m.Role) {
			return s
		}
		s.PartialUser = m.Text
		s.Processing = true

	case protocol.Transcript:
		if !fromUser(m.Role) {
			return s
		}
		s.Messages = appendMessage(s.Messages, Message{Role: RoleUser, Content: m.Text, Timestamp: now})
		s.PartialUser = ""
		s.PartialAssistant = ""
		s.Error = ""
		s.Processing = true

	case protocol.LLMChunk:
		s.PartialAssistant += m.Text
		s.Processing = true

	case protocol.AssistantComplete:
		s.Messages = appendMessage(s.Messages, Message{Role: RoleAssistant, Content: m.Text, Timestamp: now})
		s.PartialAssistant = ""
		s.Processing = false

	case protocol.Error:
		s.Error = m.Message
		s.Processing = false
	}
	return s
}

// fromUser reports whether a transcript belongs to the candidate. Messages
// without a role are dropped along with any other role.
func fromUser(role string) bool {
	return role == string(RoleUser)
}

// appendMessage never writes into the backing array of msgs, so earlier
// snapshots keep their view.
func appendMessage(msgs []Message, m Message) []Message {
	return append(slices.Clip(msgs), m)
}
