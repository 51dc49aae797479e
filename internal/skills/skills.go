// Package skills keeps an in-memory cache of the skill files workers can
// be pointed at. Skills are markdown files in one directory; the cache
// rescans on filesystem events and is never authoritative state.
package skills

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"doppel/internal/logging"
)

// Skill is one discoverable capability description.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
}

// Cache is the watchable skill registry.
type Cache struct {
	dir string
	log *zap.Logger

	mu     sync.RWMutex
	skills map[string]Skill

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// debounceWindow batches rapid editor saves into one rescan.
const debounceWindow = 500 * time.Millisecond

// NewCache builds a cache over dir and performs the initial scan. A missing
// directory is not an error; the cache just stays empty until it appears.
func NewCache(dir string) *Cache {
	c := &Cache{
		dir:    dir,
		log:    logging.Get(logging.CategorySkills),
		skills: make(map[string]Skill),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := c.Reload(); err != nil {
		c.log.Warn("initial skill scan failed", zap.String("dir", dir), zap.Error(err))
	}
	return c
}

// Watch starts reacting to filesystem changes under the skill directory.
// Non-blocking; Stop shuts the watcher down.
func (c *Cache) Watch() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := watcher.Add(c.dir); err != nil {
		// The directory may appear later; degrade to a static cache.
		c.log.Warn("skill dir not watchable", zap.String("dir", c.dir), zap.Error(err))
		watcher.Close()
		c.mu.Unlock()
		return nil
	}
	c.watcher = watcher
	c.running = true
	c.mu.Unlock()

	go c.run()
	c.log.Info("watching skill directory", zap.String("dir", c.dir))
	return nil
}

// Stop ends the watch loop, if one is running.
func (c *Cache) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
	c.watcher.Close()
}

func (c *Cache) run() {
	defer close(c.doneCh)

	var rescan <-chan time.Time
	for {
		select {
		case <-c.stopCh:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rescan = time.After(debounceWindow)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn("skill watcher error", zap.Error(err))
		case <-rescan:
			rescan = nil
			if err := c.Reload(); err != nil {
				c.log.Warn("skill rescan failed", zap.Error(err))
			}
		}
	}
}

// Reload rescans the directory and swaps the cache wholesale.
func (c *Cache) Reload() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			c.skills = make(map[string]Skill)
			c.mu.Unlock()
			return nil
		}
		return err
	}

	next := make(map[string]Skill)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		skill, err := parseSkillFile(path)
		if err != nil {
			c.log.Warn("skipping unreadable skill file", zap.String("path", path), zap.Error(err))
			continue
		}
		next[skill.Name] = skill
	}

	c.mu.Lock()
	c.skills = next
	c.mu.Unlock()
	c.log.Debug("skill cache reloaded", zap.Int("count", len(next)))
	return nil
}

// List returns all skills sorted by name.
func (c *Cache) List() []Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Skill, 0, len(c.skills))
	for _, s := range c.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks a skill up by name.
func (c *Cache) Get(name string) (Skill, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.skills[name]
	return s, ok
}

// PromptDigest renders the skill list as bullet lines for a worker prompt.
// Empty when no skills exist.
func (c *Cache) PromptDigest() string {
	skills := c.List()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range skills {
		b.WriteString("- ")
		b.WriteString(s.Name)
		if s.Description != "" {
			b.WriteString(": ")
			b.WriteString(s.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseSkillFile derives the skill name from the filename and the
// description from the first prose line after any leading heading.
func parseSkillFile(path string) (Skill, error) {
	f, err := os.Open(path)
	if err != nil {
		return Skill{}, err
	}
	defer f.Close()

	skill := Skill{
		Name: strings.TrimSuffix(filepath.Base(path), ".md"),
		Path: path,
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		skill.Description = line
		break
	}
	return skill, scanner.Err()
}
