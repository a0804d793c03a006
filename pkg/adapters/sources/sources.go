// Package sources provides development implementations of the document
// and mail retrieval ports. Production deployments substitute adapters
// for the agency's repositories and mail system.
package sources

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openrecords/requestflow/pkg/ports"
)

// DirectorySource implements ports.DocumentSource over a local directory
// tree, matching search terms against file names.
type DirectorySource struct {
	root   string
	logger *zap.Logger
}

// NewDirectorySource creates a document source rooted at dir.
func NewDirectorySource(dir string, logger *zap.Logger) *DirectorySource {
	return &DirectorySource{root: dir, logger: logger}
}

// Search walks the tree and returns files whose name contains any of the
// terms, case-insensitively. An empty term list matches nothing.
func (d *DirectorySource) Search(ctx context.Context, terms []string) ([]ports.DocumentRef, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	lowered := make([]string, len(terms))
	for i, t := range terms {
		lowered[i] = strings.ToLower(t)
	}

	var refs []ports.DocumentRef
	err := filepath.Walk(d.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() {
			return nil
		}

		name := strings.ToLower(info.Name())
		for _, term := range lowered {
			if strings.Contains(name, term) {
				rel, relErr := filepath.Rel(d.root, path)
				if relErr != nil {
					rel = path
				}
				refs = append(refs, ports.DocumentRef{
					ID:   rel,
					Name: info.Name(),
					Path: path,
					Size: info.Size(),
				})
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Debug("directory search",
		zap.Strings("terms", terms),
		zap.Int("matches", len(refs)))
	return refs, nil
}

// Fetch returns the document's path; files in a local tree need no
// download step.
func (d *DirectorySource) Fetch(ctx context.Context, ref ports.DocumentRef) (string, error) {
	if _, err := os.Stat(ref.Path); err != nil {
		return "", err
	}
	return ref.Path, nil
}

// StaticMailSource implements ports.MailSource over a fixed in-memory set
// of messages, keyed by mailbox. Used in development and tests.
type StaticMailSource struct {
	mu       sync.RWMutex
	messages map[string][]ports.MailMessage
}

// NewStaticMailSource creates an empty static mail source.
func NewStaticMailSource() *StaticMailSource {
	return &StaticMailSource{messages: make(map[string][]ports.MailMessage)}
}

// Add stores messages under a mailbox.
func (s *StaticMailSource) Add(mailbox string, msgs ...ports.MailMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[mailbox] = append(s.messages[mailbox], msgs...)
}

// Search returns the mailbox's messages sent at or after since whose
// subject contains any of the terms, case-insensitively.
func (s *StaticMailSource) Search(ctx context.Context, mailbox string, terms []string, since time.Time) ([]ports.MailMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ports.MailMessage
	for _, msg := range s.messages[mailbox] {
		if msg.SentAt.Before(since) {
			continue
		}
		if !matchesAny(msg.Subject, terms) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func matchesAny(subject string, terms []string) bool {
	lowered := strings.ToLower(subject)
	for _, term := range terms {
		if strings.Contains(lowered, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
