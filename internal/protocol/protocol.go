// Package protocol defines the control messages exchanged with the interview
// backend over the session channel.
//
// Every message is a JSON object whose "type" field selects one variant of a
// closed set. The client sends [Outbound] variants and receives [Inbound]
// variants; decoding an unknown type fails with [ErrUnknownKind]. Binary
// channel frames carry audio and never pass through this package.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the value of a message's "type" field.
type Kind string

// Outbound kinds.
const (
	KindSpeechStart        Kind = "speech_start"
	KindSpeechEnd          Kind = "speech_end"
	KindProcessProgressive Kind = "process_progressive"
	KindInterviewReady     Kind = "interview_ready"
	KindCodeSubmission     Kind = "code_submission"
)

// Inbound kinds.
const (
	KindTranscriptPartial Kind = "transcript_partial"
	KindTranscript        Kind = "transcript"
	KindLLMChunk          Kind = "llm_chunk"
	KindAssistantComplete Kind = "assistant_complete"
	KindCodingQuestion    Kind = "coding_question"
	KindError             Kind = "error"
)

var (
	// ErrUnknownKind is returned for a well-formed message whose type is not
	// part of the expected variant set.
	ErrUnknownKind = errors.New("protocol: unknown message kind")

	// ErrMalformed is returned for payloads that are not a JSON object with a
	// string "type" field.
	ErrMalformed = errors.New("protocol: malformed message")
)

// Message is implemented by every variant.
type Message interface {
	Kind() Kind
}

// Outbound is a message sent by the client.
type Outbound interface {
	Message
	outbound()
}

// Inbound is a message sent by the backend.
type Inbound interface {
	Message
	inbound()
}

// ── Outbound variants ───────────────────────────────────────────────────────

// SpeechStart announces that the user started speaking. Audio chunks of the
// segment follow.
type SpeechStart struct{}

// SpeechEnd follows the last audio chunk of a segment.
type SpeechEnd struct{}

// ProcessProgressive asks for a transcript of the audio received so far in
// the open segment.
type ProcessProgressive struct{}

// InterviewReady tells the backend the client is listening.
type InterviewReady struct{}

// CodeSubmission relays the result of executing the candidate's code.
type CodeSubmission struct {
	Code           string       `json:"code"`
	Language       string       `json:"language"`
	AllTestsPassed bool         `json:"allTestsPassed"`
	TestResults    []TestResult `json:"testResults"`
	ExecutionTime  float64      `json:"executionTime"`
	Error          string       `json:"error,omitempty"`
}

// TestResult is the outcome of one test case.
type TestResult struct {
	TestCase int    `json:"test_case"`
	Passed   bool   `json:"passed"`
	Input    string `json:"input"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Error    string `json:"error,omitempty"`
}

func (SpeechStart) Kind() Kind        { return KindSpeechStart }
func (SpeechEnd) Kind() Kind          { return KindSpeechEnd }
func (ProcessProgressive) Kind() Kind { return KindProcessProgressive }
func (InterviewReady) Kind() Kind     { return KindInterviewReady }
func (CodeSubmission) Kind() Kind     { return KindCodeSubmission }

func (SpeechStart) outbound()        {}
func (SpeechEnd) outbound()          {}
func (ProcessProgressive) outbound() {}
func (InterviewReady) outbound()     {}
func (CodeSubmission) outbound()     {}

// ── Inbound variants ────────────────────────────────────────────────────────

// TranscriptPartial is a provisional transcript of the utterance in progress.
type TranscriptPartial struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Transcript finalizes a user utterance.
type Transcript struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// LLMChunk is an increment of the assistant's reply text.
type LLMChunk struct {
	Text string `json:"text"`
}

// AssistantComplete carries the full assistant reply.
type AssistantComplete struct {
	Text string `json:"text"`
}

// CodingQuestion hands a programming task to the code editor.
type CodingQuestion struct {
	Question    string     `json:"question"`
	Language    string     `json:"language,omitempty"`
	TestCases   []TestCase `json:"testCases,omitempty"`
	InitialCode string     `json:"initialCode,omitempty"`
}

// TestCase is one input/expected-output pair, both as source literals.
type TestCase struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// Error reports a backend failure while processing a turn.
type Error struct {
	Message string `json:"message"`
}

func (TranscriptPartial) Kind() Kind { return KindTranscriptPartial }
func (Transcript) Kind() Kind        { return KindTranscript }
func (LLMChunk) Kind() Kind          { return KindLLMChunk }
func (AssistantComplete) Kind() Kind { return KindAssistantComplete }
func (CodingQuestion) Kind() Kind    { return KindCodingQuestion }
func (Error) Kind() Kind             { return KindError }

func (TranscriptPartial) inbound() {}
func (Transcript) inbound()        {}
func (LLMChunk) inbound()          {}
func (AssistantComplete) inbound() {}
func (CodingQuestion) inbound()    {}
func (Error) inbound()             {}

// UnmarshalJSON accepts the question under either "question" or "text".
func (q *CodingQuestion) UnmarshalJSON(data []byte) error {
	type plain CodingQuestion
	var aux struct {
		plain
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*q = CodingQuestion(aux.plain)
	if q.Question == "" {
		q.Question = aux.Text
	}
	return nil
}

// ── Codec ───────────────────────────────────────────────────────────────────

var inboundKinds = map[Kind]func() Inbound{
	KindTranscriptPartial: func() Inbound { return &TranscriptPartial{} },
	KindTranscript:        func() Inbound { return &Transcript{} },
	KindLLMChunk:          func() Inbound { return &LLMChunk{} },
	KindAssistantComplete: func() Inbound { return &AssistantComplete{} },
	KindCodingQuestion:    func() Inbound { return &CodingQuestion{} },
	KindError:             func() Inbound { return &Error{} },
}

var outboundKinds = map[Kind]func() Outbound{
	KindSpeechStart:        func() Outbound { return &SpeechStart{} },
	KindSpeechEnd:          func() Outbound { return &SpeechEnd{} },
	KindProcessProgressive: func() Outbound { return &ProcessProgressive{} },
	KindInterviewReady:     func() Outbound { return &InterviewReady{} },
	KindCodeSubmission:     func() Outbound { return &CodeSubmission{} },
}

// EncodeOutbound marshals m with its type tag.
func EncodeOutbound(m Outbound) ([]byte, error) { return encode(m) }

// EncodeInbound marshals m with its type tag. The client never sends inbound
// variants; this exists for backends and tests.
func EncodeInbound(m Inbound) ([]byte, error) { return encode(m) }

// DecodeInbound parses a backend message into its variant. The returned
// value is the variant struct itself, never a pointer.
func DecodeInbound(data []byte) (Inbound, error) {
	m, err := decode(data, inboundKinds)
	if err != nil {
		return nil, err
	}
	switch v := m.(type) {
	case *TranscriptPartial:
		return *v, nil
	case *Transcript:
		return *v, nil
	case *LLMChunk:
		return *v, nil
	case *AssistantComplete:
		return *v, nil
	case *CodingQuestion:
		return *v, nil
	case *Error:
		return *v, nil
	}
	return m, nil
}

// DecodeOutbound parses a client message into its variant, by value.
func DecodeOutbound(data []byte) (Outbound, error) {
	m, err := decode(data, outboundKinds)
	if err != nil {
		return nil, err
	}
	switch v := m.(type) {
	case *SpeechStart:
		return *v, nil
	case *SpeechEnd:
		return *v, nil
	case *ProcessProgressive:
		return *v, nil
	case *InterviewReady:
		return *v, nil
	case *CodeSubmission:
		return *v, nil
	}
	return m, nil
}

// PeekKind returns the type tag of data without decoding the body.
func PeekKind(data []byte) (Kind, error) {
	var head struct {
		Type *Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == nil || *head.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return *head.Type, nil
}

func decode[T Message](data []byte, kinds map[Kind]func() T) (T, error) {
	var zero T
	kind, err := PeekKind(data)
	if err != nil {
		return zero, err
	}
	newMsg, ok := kinds[kind]
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	m := newMsg()
	if err := json.Unmarshal(data, m); err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return m, nil
}

func encode(m Message) ([]byte, error) {
	tag, err := json.Marshal(m.Kind())
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Kind(), err)
	}
	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:len(body)-1]...)
	}
	return append(out, '}'), nil
}
