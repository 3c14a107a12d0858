package vigil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// RuleFile is the on-disk rule format. One file can carry both kinds.
type RuleFile struct {
	RateRules    []*RateRule    `json:"rateRules,omitempty"`
	PatternRules []*PatternRule `json:"patternRules,omitempty"`
}

// LoadRuleFiles reads every *.json file in dir and merges them. A file that
// fails to parse is skipped with an error; the remaining files still load.
func LoadRuleFiles(dir string, log zerolog.Logger) (RuleFile, error) {
	var merged RuleFile
	entries, err := os.ReadDir(dir)
	if err != nil {
		return merged, fmt.Errorf("rules: read dir %s: %w", dir, err)
	}
	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("rule file unreadable, skipping")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var rf RuleFile
		if err := json.Unmarshal(data, &rf); err != nil {
			log.Error().Err(err).Str("file", path).Msg("rule file invalid, skipping")
			if firstErr == nil {
				firstErr = fmt.Errorf("rules: parse %s: %w", path, err)
			}
			continue
		}
		merged.RateRules = append(merged.RateRules, rf.RateRules...)
		merged.PatternRules = append(merged.PatternRules, rf.PatternRules...)
		log.Info().Str("file", path).
			Int("rateRules", len(rf.RateRules)).
			Int("patternRules", len(rf.PatternRules)).
			Msg("rule file loaded")
	}
	return merged, firstErr
}

// RuleWatcher reloads the rules directory when files change. Events are
// debounced so an editor save burst triggers one reload.
type RuleWatcher struct {
	dir      string
	reload   func(RuleFile)
	log      zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewRuleWatcher(dir string, reload func(RuleFile), log zerolog.Logger) *RuleWatcher {
	return &RuleWatcher{
		dir:      dir,
		reload:   reload,
		log:      componentLogger(log, "rulewatcher"),
		debounce: 250 * time.Millisecond,
	}
}

func (w *RuleWatcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules: watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("rules: watch %s: %w", w.dir, err)
	}
	w.mu.Lock()
	w.watcher = watcher
	w.done = make(chan struct{})
	w.mu.Unlock()
	go w.run(watcher)
	return nil
}

func (w *RuleWatcher) run(watcher *fsnotify.Watcher) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("rule watcher error")
		case <-fire:
			rf, err := LoadRuleFiles(w.dir, w.log)
			if err != nil {
				w.log.Error().Err(err).Msg("rule reload had errors")
			}
			w.reload(rf)
		}
	}
}

func (w *RuleWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
}
