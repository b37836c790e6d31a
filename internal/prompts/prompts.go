// Package prompts serves the prompt templates used by every research stage.
//
// Templates live in an embedded YAML catalog. A file on disk may override
// any subset of them and is optionally watched for changes.
package prompts

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/deepresearch/internal/logging"
)

//go:embed prompts.yaml
var defaultCatalog []byte

// Name identifies a prompt template.
type Name struct{ key string }

// String returns the catalog key.
func (n Name) String() string { return n.key }

var (
	ClarifyWithUser       = Name{"clarify_with_user_instructions"}
	TransformToBrief      = Name{"transform_messages_into_research_topic_prompt"}
	ResearchAgent         = Name{"research_agent_prompt"}
	SummarizeWebpage      = Name{"summarize_webpage_prompt"}
	LeadResearcher        = Name{"lead_researcher_prompt"}
	CompressResearch      = Name{"compress_research_system_prompt"}
	CompressResearchHuman = Name{"compress_research_human_message"}
	FinalReport           = Name{"final_report_generation_prompt"}
)

// All lists every known prompt name.
var All = []Name{
	ClarifyWithUser,
	TransformToBrief,
	ResearchAgent,
	SummarizeWebpage,
	LeadResearcher,
	CompressResearch,
	CompressResearchHuman,
	FinalReport,
}

// ParseName returns the Name for a catalog key.
func ParseName(key string) (Name, error) {
	for _, n := range All {
		if n.key == key {
			return n, nil
		}
	}
	return Name{}, fmt.Errorf("%w: %s", ErrUnknownPrompt, key)
}

// ErrUnknownPrompt is returned for names missing from the catalog.
var ErrUnknownPrompt = errors.New("unknown prompt")

// Source returns prompt templates by name.
type Source interface {
	Get(name Name) (string, error)
}

// Catalog is a concurrency-safe Source backed by the embedded defaults
// and an optional override file.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]string
	path      string
	logger    *logging.Logger
}

// NewCatalog loads the embedded defaults and, if path is set, the overrides in path.
func NewCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path, logger: logging.Nop()}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetLogger sets the logger used for reload messages.
func (c *Catalog) SetLogger(l *logging.Logger) {
	c.logger = l.WithComponent("prompts")
}

// Reload re-reads the defaults and the override file.
func (c *Catalog) Reload() error {
	templates := map[string]string{}
	if err := yaml.Unmarshal(defaultCatalog, &templates); err != nil {
		return fmt.Errorf("failed to parse embedded prompts: %w", err)
	}

	if c.path != "" {
		data, err := os.ReadFile(c.path)
		if err != nil {
			return fmt.Errorf("failed to read prompts %s: %w", c.path, err)
		}
		overrides := map[string]string{}
		if err := yaml.Unmarshal(data, &overrides); err != nil {
			return fmt.Errorf("failed to parse prompts %s: %w", c.path, err)
		}
		for k, v := range overrides {
			if _, err := ParseName(k); err != nil {
				return err
			}
			templates[k] = v
		}
	}

	c.mu.Lock()
	c.templates = templates
	c.mu.Unlock()
	return nil
}

// Get returns the template for name.
func (c *Catalog) Get(name Name) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[name.key]
	if !ok || name.key == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrompt, name.key)
	}
	return t, nil
}

// Names returns the loaded catalog keys in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.templates))
	for k := range c.templates {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Watch reloads the override file whenever it changes, until ctx is done.
// A failed reload keeps the previous templates.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", c.path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(c.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Let writes settle.
				time.Sleep(100 * time.Millisecond)
				if err := c.Reload(); err != nil {
					c.logger.Warn("prompt_reload_failed", map[string]interface{}{"error": err.Error()})
					continue
				}
				c.logger.Info("prompts_reloaded", map[string]interface{}{"path": c.path})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("prompt_watch_error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
	return nil
}

// Render fills {key} placeholders in the template for name.
// Braces that do not name a supplied variable are left untouched.
func Render(src Source, name Name, vars map[string]string) (string, error) {
	tmpl, err := src.Get(name)
	if err != nil {
		return "", err
	}
	return Format(tmpl, vars), nil
}

// Format substitutes {key} placeholders in tmpl.
func Format(tmpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Today returns the human-readable date injected into prompts, e.g. "Mon Jan 2, 2006".
func Today() string {
	return time.Now().Format("Mon Jan 2, 2006")
}
