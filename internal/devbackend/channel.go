package devbackend

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/intervoice/internal/protocol"
	"github.com/MrWong99/intervoice/internal/sessionapi"
	"github.com/MrWong99/intervoice/pkg/audio"
	"github.com/MrWong99/intervoice/pkg/audio/codec"
)

// Assumed format of headerless (audio/l16) uploads.
var l16Format = audio.Format{SampleRate: 16000, Channels: 1}

// interviewConn drives one connected client. All reads and writes happen on
// the goroutine running serve.
type interviewConn struct {
	srv  *Server
	sess *session
	conn *websocket.Conn

	// utterance accumulates binary frames between speech_start and speech_end.
	utterance bytes.Buffer
	speaking  bool
}

func (c *interviewConn) serve() {
	log := slog.With("session_id", c.sess.info.ID)
	log.Info("devbackend: client connected")
	defer log.Info("devbackend: client disconnected")

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("devbackend: read failed", "err", err)
			}
			return
		}
		if mt == websocket.BinaryMessage {
			if c.speaking {
				c.utterance.Write(data)
			}
			continue
		}
		if err := c.handleText(data); err != nil {
			log.Warn("devbackend: message failed", "err", err)
			if isWriteErr(err) {
				return
			}
		}
	}
}

type writeError struct{ err error }

func (e writeError) Error() string { return "write: " + e.err.Error() }
func (e writeError) Unwrap() error { return e.err }

func isWriteErr(err error) bool {
	var we writeError
	return errors.As(err, &we)
}

func (c *interviewConn) handleText(data []byte) error {
	msg, err := protocol.DecodeOutbound(data)
	if err != nil {
		return c.send(protocol.Error{Message: err.Error()})
	}

	switch m := msg.(type) {
	case protocol.InterviewReady:
		return c.reply(Turn{Say: c.srv.script.Intro})

	case protocol.SpeechStart:
		c.utterance.Reset()
		c.speaking = true
		return nil

	case protocol.ProcessProgressive:
		if !c.speaking {
			return nil
		}
		return c.send(protocol.TranscriptPartial{Role: "user", Text: describe(c.utterance.Bytes(), "speaking")})

	case protocol.SpeechEnd:
		if !c.speaking {
			return nil
		}
		c.speaking = false
		text := describe(c.utterance.Bytes(), "utterance")
		c.utterance.Reset()
		c.record("user", text)
		if err := c.send(protocol.Transcript{Role: "user", Text: text}); err != nil {
			return err
		}

		c.srv.mu.Lock()
		n := c.sess.turn
		c.sess.turn++
		c.srv.mu.Unlock()
		return c.reply(c.srv.script.line(n))

	case protocol.CodeSubmission:
		c.srv.mu.Lock()
		c.sess.submissions++
		c.srv.mu.Unlock()
		c.record("user", fmt.Sprintf("[code submission, %s]", m.Language))
		return c.reply(Turn{Say: submissionFeedback(m)})

	default:
		return c.send(protocol.Error{Message: fmt.Sprintf("unexpected message %q", msg.Kind())})
	}
}

// reply speaks one interviewer turn: the text streamed word by word, one WAV
// unit, the final text and then any coding question.
func (c *interviewConn) reply(t Turn) error {
	text := personalize(strings.TrimSpace(t.Say), c.sess.info.CandidateName)

	words := strings.Fields(text)
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		if err := c.send(protocol.LLMChunk{Text: w}); err != nil {
			return err
		}
	}

	wav, err := codec.EncodeWAV(tone(c.srv.toneRate, speakingTime(len(words))))
	if err != nil {
		return fmt.Errorf("synthesize reply: %w", err)
	}
	if err := c.write(websocket.BinaryMessage, wav); err != nil {
		return err
	}

	c.record("assistant", text)
	if err := c.send(protocol.AssistantComplete{Text: text}); err != nil {
		return err
	}
	if t.Question != nil {
		return c.send(t.Question.Message())
	}
	return nil
}

func (c *interviewConn) record(role, content string) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.sess.transcript = append(c.sess.transcript, sessionapi.TranscriptEntry{
		Role:      role,
		Content:   content,
		Timestamp: c.srv.now().UTC().Format(time.RFC3339),
	})
}

func (c *interviewConn) send(m protocol.Inbound) error {
	data, err := protocol.EncodeInbound(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *interviewConn) write(mt int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return writeError{err}
	}
	if err := c.conn.WriteMessage(mt, data); err != nil {
		return writeError{err}
	}
	return nil
}

// describe stands in for speech recognition: it reports how much audio
// arrived.
func describe(data []byte, what string) string {
	if len(data) == 0 {
		return fmt.Sprintf("(%s with no audio)", what)
	}
	return fmt.Sprintf("(%s of %.1fs)", what, audioLength(data).Seconds())
}

func audioLength(data []byte) time.Duration {
	if p, _, err := codec.Decode(data); err == nil {
		return p.Duration()
	}
	return audio.FromBytes(data, l16Format.SampleRate, l16Format.Channels).Duration()
}

func submissionFeedback(m protocol.CodeSubmission) string {
	if m.Error != "" && len(m.TestResults) == 0 {
		return "I see your code did not run. Take a look at the error and try again."
	}
	passed := 0
	for _, r := range m.TestResults {
		if r.Passed {
			passed++
		}
	}
	if m.AllTestsPassed {
		return fmt.Sprintf("All %d tests pass. Can you walk me through the complexity?", len(m.TestResults))
	}
	return fmt.Sprintf("%d of %d tests pass. What do you think is going wrong?", passed, len(m.TestResults))
}

// speakingTime approximates how long a reply of n words takes to say.
func speakingTime(n int) time.Duration {
	d := time.Duration(n) * 60 * time.Millisecond
	return min(max(d, 200*time.Millisecond), 2*time.Second)
}

// tone synthesizes a quiet 440 Hz mono sine with short fades.
func tone(rate int, d time.Duration) audio.PCM {
	n := int(d.Seconds() * float64(rate))
	fade := rate / 100
	p := audio.PCM{Samples: make([]int16, n), SampleRate: rate, Channels: 1}
	for i := range n {
		amp := 0.2
		if i < fade {
			amp *= float64(i) / float64(fade)
		} else if n-i < fade {
			amp *= float64(n-i) / float64(fade)
		}
		p.Samples[i] = int16(amp * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return p
}
