package report

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/quantarax/quicreq/internal/request"
	"github.com/quantarax/quicreq/internal/scheduler"
	"github.com/quantarax/quicreq/internal/validation"
)

// BodyStore writes response bodies to files under a directory. A body is
// written to a .part file and renamed once the exchange succeeds.
type BodyStore struct {
	dir string
}

func NewBodyStore(dir string) (*BodyStore, error) {
	if err := validation.ValidateDir(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &BodyStore{dir: dir}, nil
}

// FileName returns the file name used for request index.
func FileName(index int, req request.Descriptor) string {
	p := req.Path
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	name := sanitize(path.Base(p))
	if name == "" || name == "." || name == ".." {
		name = "index"
	}
	return fmt.Sprintf("%d_%s", index, name)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == '/':
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *BodyStore) Open(index int, req request.Descriptor) (scheduler.Body, error) {
	final := filepath.Join(s.dir, FileName(index, req))
	f, err := os.OpenFile(final+".part", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileBody{f: f, final: final}, nil
}

type fileBody struct {
	f     *os.File
	final string
}

func (b *fileBody) Write(p []byte) (int, error) { return b.f.Write(p) }

func (b *fileBody) Finish(ok bool) error {
	part := b.f.Name()
	if err := b.f.Close(); err != nil || !ok {
		os.Remove(part)
		return err
	}
	return os.Rename(part, b.final)
}
