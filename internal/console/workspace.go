package console

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/MrWong99/intervoice/internal/protocol"
)

// DefaultLanguage applies to coding questions that name none.
const DefaultLanguage = "javascript"

const defaultStarter = "// Write your code here\nfunction solution(arr) {\n  // Your implementation\n  return arr;\n}\n"

var extensions = map[string]string{
	"python":     ".py",
	"javascript": ".js",
	"typescript": ".ts",
	"java":       ".java",
	"cpp":        ".cpp",
	"c++":        ".cpp",
	"go":         ".go",
}

// Workspace is the code editor of the terminal client: each coding question
// becomes a starter file the candidate edits with their own editor.
type Workspace struct {
	dir     string
	console *Console

	mu    sync.Mutex
	count int
	last  string
}

// NewWorkspace creates a workspace rooted at dir. The directory is created
// on the first question.
func NewWorkspace(dir string, c *Console) *Workspace {
	return &Workspace{dir: dir, console: c}
}

// ShowQuestion writes the starter code to a new file and prints the task.
func (w *Workspace) ShowQuestion(q protocol.CodingQuestion) {
	lang := q.Language
	if lang == "" {
		lang = DefaultLanguage
	}
	starter := q.InitialCode
	if starter == "" && lang == DefaultLanguage {
		starter = defaultStarter
	}

	w.mu.Lock()
	w.count++
	path := filepath.Join(w.dir, fmt.Sprintf("question-%d%s", w.count, extension(lang)))
	w.mu.Unlock()

	if err := w.write(path, starter); err != nil {
		slog.Error("console: write coding question", "path", path, "err", err)
		w.console.Printf("  ! could not write %s: %v", path, err)
	} else {
		w.mu.Lock()
		w.last = path
		w.mu.Unlock()
	}

	w.console.Printf("\n── coding question (%s) ──\n%s", lang, q.Question)
	for i, tc := range q.TestCases {
		w.console.Printf("  test %d: %s -> %s", i+1, tc.Input, tc.Expected)
	}
	w.console.Printf("edit %s, then type /submit", path)
}

// Latest returns the most recently written file, or "" before the first
// question.
func (w *Workspace) Latest() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Workspace) write(path, content string) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func extension(lang string) string {
	if ext, ok := extensions[lang]; ok {
		return ext
	}
	return ".txt"
}
