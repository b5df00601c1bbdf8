package devbackend

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/intervoice/internal/protocol"
)

//go:embed script.yaml
var defaultScript []byte

// Script is what the rehearsal interviewer says. Lines may contain {name},
// replaced by the candidate's name.
type Script struct {
	// Intro answers interview_ready.
	Intro string `yaml:"intro"`

	// Turns answer successive utterances, one each.
	Turns []Turn `yaml:"turns"`

	// Closing answers every utterance after the last turn.
	Closing string `yaml:"closing"`
}

// Turn is one interviewer reply.
type Turn struct {
	Say      string          `yaml:"say"`
	Question *ScriptQuestion `yaml:"question"`
}

// ScriptQuestion is a coding question in script form.
type ScriptQuestion struct {
	Text        string       `yaml:"text"`
	Language    string       `yaml:"language"`
	InitialCode string       `yaml:"initial_code"`
	TestCases   []ScriptCase `yaml:"test_cases"`
}

// ScriptCase is one test case.
type ScriptCase struct {
	Input    string `yaml:"input"`
	Expected string `yaml:"expected"`
}

// Message converts q into its wire form.
func (q ScriptQuestion) Message() protocol.CodingQuestion {
	m := protocol.CodingQuestion{
		Question:    q.Text,
		Language:    q.Language,
		InitialCode: q.InitialCode,
	}
	for _, tc := range q.TestCases {
		m.TestCases = append(m.TestCases, protocol.TestCase{Input: tc.Input, Expected: tc.Expected})
	}
	return m
}

// DefaultScript returns the built-in interview script.
func DefaultScript() *Script {
	s, err := ParseScript(bytes.NewReader(defaultScript))
	if err != nil {
		panic("devbackend: built-in script: " + err.Error())
	}
	return s
}

// LoadScript reads a script file.
func LoadScript(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("devbackend: open script %q: %w", path, err)
	}
	defer f.Close()
	s, err := ParseScript(f)
	if err != nil {
		return nil, fmt.Errorf("devbackend: script %q: %w", path, err)
	}
	return s, nil
}

// ParseScript decodes and validates a YAML script.
func ParseScript(r io.Reader) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	var errs []error
	if strings.TrimSpace(s.Intro) == "" {
		errs = append(errs, errors.New("intro is required"))
	}
	if strings.TrimSpace(s.Closing) == "" {
		errs = append(errs, errors.New("closing is required"))
	}
	for i, t := range s.Turns {
		if strings.TrimSpace(t.Say) == "" {
			errs = append(errs, fmt.Errorf("turns[%d].say is required", i))
		}
		if t.Question != nil && strings.TrimSpace(t.Question.Text) == "" {
			errs = append(errs, fmt.Errorf("turns[%d].question.text is required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &s, nil
}

// line returns the reply to the n-th utterance (zero-based).
func (s *Script) line(n int) Turn {
	if n < len(s.Turns) {
		return s.Turns[n]
	}
	return Turn{Say: s.Closing}
}

func personalize(text, name string) string {
	if name == "" {
		name = "there"
	}
	return strings.ReplaceAll(text, "{name}", name)
}
