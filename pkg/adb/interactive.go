package adb

import (
	"bytes"
	"strings"
)

// InteractiveShellOptions tune InteractiveShell output handling.
type InteractiveShellOptions struct {
	// Delim is the prompt string marking the end of the command's output.
	// Reading continues until it (or its partial form, see below) appears.
	Delim string
	// StripCmd removes the echoed command line from the output.
	StripCmd bool
	// StripDelim removes the prompt from the output.
	StripDelim bool
	// CleanStdout collapses backspace runs the terminal echoed.
	CleanStdout bool
}

// InteractiveShell writes cmd to a persistent `shell:` stream and reads
// until the prompt delimiter shows up. Prompt detection is best effort:
// when the delimiter looks like "user@host:/dir $" only the stable
// "@host:" span is matched, since the directory part changes with cd.
func (s *Session) InteractiveShell(cmd string, opts InteractiveShellOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, err := s.serviceConn("shell:")
	if err != nil {
		return "", err
	}

	partial := partialDelim(opts.Delim)

	var raw bytes.Buffer
	if cmd != "" {
		if _, err := stream.Write([]byte(cmd + "\r")); err != nil {
			return "", err
		}
	}
	for {
		chunk, err := stream.ReadChunk()
		if err != nil {
			return "", err
		}
		raw.Write(chunk)
		if partial == "" || bytes.Contains(raw.Bytes(), []byte(partial)) {
			break
		}
	}

	out := raw.Bytes()
	if opts.CleanStdout {
		out = stripBackspaceRuns(out)
	}
	text := string(out)
	if cmd != "" && opts.StripCmd {
		echoed := cmd + "\r\r\n"
		text = strings.ReplaceAll(text, echoed, "")
		if _, rest, found := strings.Cut(text, "\r\r\n"); found {
			text = rest
		}
	}
	if opts.Delim != "" && opts.StripDelim {
		text = strings.ReplaceAll(text, opts.Delim, "")
	}
	return strings.TrimRight(text, " \t\r\n"), nil
}

// partialDelim reduces "user@host:/some/dir $" to "@host:", the part of
// the prompt that survives directory changes.
func partialDelim(delim string) string {
	if delim == "" {
		return ""
	}
	user := strings.Index(delim, "@")
	dir := strings.LastIndex(delim, ":/")
	if user >= 0 && dir >= 0 && dir >= user {
		return delim[user : dir+1]
	}
	return delim
}

// stripBackspaceRuns drops each run of backspaces together with the
// characters the run erases.
func stripBackspaceRuns(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == '\b' {
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, c)
	}
	return out
}
