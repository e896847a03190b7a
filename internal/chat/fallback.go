package chat

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const maxFallbackConfidence = 0.5

//go:embed fallback.yaml
var defaultFallbackYAML []byte

// Topic overrides the fallback response when any keyword occurs in the
// user's message.
type Topic struct {
	Keywords []string `yaml:"keywords"`
	Response string   `yaml:"response"`
}

// Fallback is the content served while the collaborator is unavailable.
type Fallback struct {
	Response    string              `yaml:"response"`
	Confidence  float64             `yaml:"confidence"`
	Suggestions []string            `yaml:"suggestions"`
	Categories  map[string][]string `yaml:"categories"`
	Sources     []SourceRef         `yaml:"sources"`
	Topics      []Topic             `yaml:"topics"`
}

// ParseFallback decodes and validates a YAML fallback document.
func ParseFallback(data []byte) (*Fallback, error) {
	var fb Fallback
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fb); err != nil {
		return nil, fmt.Errorf("decode fallback: %w", err)
	}
	fb.Response = strings.TrimSpace(fb.Response)
	if fb.Response == "" {
		return nil, fmt.Errorf("fallback response is required")
	}
	if fb.Confidence < 0 || fb.Confidence > maxFallbackConfidence {
		return nil, fmt.Errorf("fallback confidence %.2f outside [0, %.1f]", fb.Confidence, maxFallbackConfidence)
	}
	for i, topic := range fb.Topics {
		if strings.TrimSpace(topic.Response) == "" || len(topic.Keywords) == 0 {
			return nil, fmt.Errorf("fallback topic %d needs keywords and a response", i)
		}
		for j, kw := range topic.Keywords {
			fb.Topics[i].Keywords[j] = strings.ToLower(strings.TrimSpace(kw))
		}
		fb.Topics[i].Response = strings.TrimSpace(topic.Response)
	}
	return &fb, nil
}

// ResponseFor picks the topic response matching message, or the generic one.
func (f *Fallback) ResponseFor(message string) string {
	lower := strings.ToLower(message)
	for _, topic := range f.Topics {
		for _, kw := range topic.Keywords {
			if kw != "" && strings.Contains(lower, kw) {
				return topic.Response
			}
		}
	}
	return f.Response
}

// FallbackStore holds the active fallback content. Readers never block;
// reloads swap the whole document.
type FallbackStore struct {
	path    string
	current atomic.Pointer[Fallback]
	logger  *zap.Logger
}

// NewFallbackStore starts from the embedded default and, when path is set,
// replaces it with the file's content. A bad file at startup is an error.
func NewFallbackStore(path string, logger *zap.Logger) (*FallbackStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fb, err := ParseFallback(defaultFallbackYAML)
	if err != nil {
		return nil, fmt.Errorf("embedded fallback: %w", err)
	}
	s := &FallbackStore{path: strings.TrimSpace(path), logger: logger}
	s.current.Store(fb)
	if s.path != "" {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *FallbackStore) Current() *Fallback {
	return s.current.Load()
}

// Reload re-reads the configured file. On error the previous content stays.
func (s *FallbackStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read fallback %s: %w", s.path, err)
	}
	fb, err := ParseFallback(data)
	if err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.current.Store(fb)
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so that editors replacing the file by rename are seen.
func (s *FallbackStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("fallback reload rejected; keeping previous content", zap.Error(err))
				continue
			}
			s.logger.Info("fallback content reloaded", zap.String("path", s.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				_ = s.Reload()
			}
			s.logger.Warn("fallback watcher error", zap.Error(err))
		}
	}
}
