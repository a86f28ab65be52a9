package chat

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"sessionward/internal/log"
)

// Responder produces the assistant reply to one user prompt.
type Responder interface {
	Respond(ctx context.Context, sessionID, prompt string) (string, error)
}

// Echo answers with the prompt. It stands in when no agent command is
// configured.
type Echo struct{}

func (Echo) Respond(_ context.Context, _ string, prompt string) (string, error) {
	return "You said: " + prompt, nil
}

// Exec runs an agent command per prompt. The prompt goes to stdin, the
// reply is whatever the command prints on stdout.
type Exec struct {
	name string
	args []string
}

func NewExec(command string) (*Exec, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("agent command is empty")
	}
	return &Exec{name: fields[0], args: fields[1:]}, nil
}

// New picks Exec when command is set and Echo otherwise.
func New(command string) (Responder, error) {
	if strings.TrimSpace(command) == "" {
		return Echo{}, nil
	}
	return NewExec(command)
}

func (e *Exec) Respond(ctx context.Context, sessionID, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, e.name, e.args...)
	cmd.Env = append(os.Environ(), "SESSIONWARD_SESSION_ID="+sessionID)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start agent: %w", err)
	}
	logStderr(sessionID, stderr)

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("agent %s: %w", e.name, err)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

func logStderr(sessionID string, reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		log.Debug().Str("session", sessionID).Str("stderr", scanner.Text()).Msg("agent output")
	}
}

// Chunks splits text on whitespace into groups of n words, each followed
// by a space.
func Chunks(text string, n int) []string {
	if n < 1 {
		n = 1
	}
	words := strings.Fields(text)
	chunks := make([]string, 0, (len(words)+n-1)/n)
	for i := 0; i < len(words); i += n {
		end := min(i+n, len(words))
		chunks = append(chunks, strings.Join(words[i:end], " ")+" ")
	}
	return chunks
}
