package nativehost

import (
	"bytes"
	"os"
	"regexp"
	"sync"
)

const (
	redactedPlaceholder = "[redacted]"
	maxLogSize          = 5 << 20
)

var (
	bearerPattern = regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)\S+`)
	tokenField    = regexp.MustCompile(`("token"\s*:\s*")[^"]*(")`)
)

// RedactingWriter is a log sink that strips credentials before anything
// reaches disk and rotates the file once at 5 MiB.
type RedactingWriter struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	size    int64
	secrets [][]byte
}

// NewRedactingWriter opens (or appends to) the log file at path.
// Every byte sequence in secrets is replaced on write.
func NewRedactingWriter(path string, secrets ...string) (*RedactingWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	w := &RedactingWriter{path: path, file: file, size: info.Size()}
	for _, s := range secrets {
		if s != "" {
			w.secrets = append(w.secrets, []byte(s))
		}
	}
	return w, nil
}

// AddSecret registers another exact byte sequence to strip. Tokens are
// minted after the log opens, so this is called as they appear.
func (w *RedactingWriter) AddSecret(secret string) {
	if secret == "" {
		return
	}
	w.mu.Lock()
	w.secrets = append(w.secrets, []byte(secret))
	w.mu.Unlock()
}

func (w *RedactingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := w.redact(p)
	if w.size+int64(len(out)) > maxLogSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(out)
	w.size += int64(n)
	if err != nil {
		return 0, err
	}
	// Report the caller's length: redaction changes the byte count.
	return len(p), nil
}

func (w *RedactingWriter) redact(p []byte) []byte {
	out := p
	for _, secret := range w.secrets {
		out = bytes.ReplaceAll(out, secret, []byte(redactedPlaceholder))
	}
	out = bearerPattern.ReplaceAll(out, []byte("${1}"+redactedPlaceholder))
	out = tokenField.ReplaceAll(out, []byte("${1}"+redactedPlaceholder+"${2}"))
	return out
}

// rotateLocked renames the current file to <path>.1, dropping any
// previous rotation, and starts a fresh file.
func (w *RedactingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	w.file = file
	w.size = 0
	return nil
}

// Close closes the underlying file.
func (w *RedactingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
