// Package watchlist restricts call record queries to a list of watched users
// loaded from a text file, optionally reloaded when the file changes
package watchlist

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/curtbushko/teams-cdr/internal/cdr"
	"github.com/curtbushko/teams-cdr/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Watchlist decides which participants are of interest
type Watchlist interface {
	Enabled() bool
	Contains(identifier string) bool
	Matches(p *cdr.Participant) bool
	Filter(records []cdr.CallRecord) []cdr.CallRecord
	Entries() []string
	Stats() Stats
	Reload() error
	Close() error
}

// Config holds configuration for a Watchlist
type Config struct {
	FilePath  string // Path to the watched users file (empty disables filtering)
	WatchFile bool   // Whether to reload when the file changes
}

// Stats describes the loaded list
type Stats struct {
	TotalEntries int
	Emails       int
	ObjectIDs    int
	Skipped      int
	LastUpdated  time.Time
	FilePath     string
	FileSize     int64
	IsWatching   bool
}

type fileWatchlist struct {
	config    Config
	entries   map[string]bool
	list      []string
	mutex     sync.RWMutex
	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	closeOnce sync.Once
	stats     Stats
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+'-]+@[a-zA-Z0-9._-]+\.[a-zA-Z]{2,}$`)

// New loads the watchlist at cfg.FilePath. An empty path yields a disabled
// watchlist that matches every participant.
func New(cfg Config) (Watchlist, error) {
	w := &fileWatchlist{
		config:    cfg,
		entries:   make(map[string]bool),
		list:      make([]string, 0),
		stopWatch: make(chan struct{}),
		stats: Stats{
			FilePath:   cfg.FilePath,
			IsWatching: cfg.WatchFile && cfg.FilePath != "",
		},
	}

	if cfg.FilePath == "" {
		return w, nil
	}

	if err := w.load(); err != nil {
		return nil, fmt.Errorf("failed to load watchlist: %w", err)
	}

	if cfg.WatchFile {
		if err := w.setupFileWatcher(); err != nil {
			return nil, fmt.Errorf("failed to setup file watcher: %w", err)
		}
	}

	return w, nil
}

func (w *fileWatchlist) Enabled() bool {
	return w.config.FilePath != ""
}

// Contains reports whether identifier, an email or Entra object id, is
// listed. Comparison is case-insensitive.
func (w *fileWatchlist) Contains(identifier string) bool {
	if !w.Enabled() {
		return true
	}
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.entries[strings.ToLower(strings.TrimSpace(identifier))]
}

// Matches reports whether the participant's email or account id is listed
func (w *fileWatchlist) Matches(p *cdr.Participant) bool {
	if !w.Enabled() {
		return true
	}
	for _, field := range []*string{p.Email, p.AccountID} {
		if field != nil && *field != "" && w.Contains(*field) {
			return true
		}
	}
	return false
}

// Filter keeps records with at least one watched participant
func (w *fileWatchlist) Filter(records []cdr.CallRecord) []cdr.CallRecord {
	if !w.Enabled() {
		return records
	}
	return cdr.FilterByParticipants(records, w.Matches)
}

func (w *fileWatchlist) Entries() []string {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	result := make([]string, len(w.list))
	copy(result, w.list)
	return result
}

func (w *fileWatchlist) Stats() Stats {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.stats
}

func (w *fileWatchlist) Reload() error {
	if !w.Enabled() {
		return nil
	}
	return w.load()
}

func (w *fileWatchlist) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.watcher != nil {
			close(w.stopWatch)
			err = w.watcher.Close()
		}
	})
	return err
}

func (w *fileWatchlist) load() error {
	file, err := os.Open(w.config.FilePath)
	if err != nil {
		return fmt.Errorf("failed to open watchlist file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file info: %w", err)
	}

	entries := make(map[string]bool)
	list := make([]string, 0)
	var emails, objectIDs, skipped int

	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		kind := classify(line)
		if kind == entryInvalid {
			logging.Warn("Skipping watchlist line %d: %q is neither an email nor an object id", lineNumber, line)
			skipped++
			continue
		}

		entry := strings.ToLower(line)
		if entries[entry] {
			continue
		}
		entries[entry] = true
		list = append(list, entry)
		if kind == entryEmail {
			emails++
		} else {
			objectIDs++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading watchlist file: %w", err)
	}

	w.mutex.Lock()
	w.entries = entries
	w.list = list
	w.stats.TotalEntries = len(list)
	w.stats.Emails = emails
	w.stats.ObjectIDs = objectIDs
	w.stats.Skipped = skipped
	w.stats.LastUpdated = time.Now()
	w.stats.FileSize = fileInfo.Size()
	w.mutex.Unlock()

	logging.Debug("Loaded %d watchlist entries from %s", len(list), w.config.FilePath)
	return nil
}

func (w *fileWatchlist) setupFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(w.config.FilePath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	w.watcher = watcher
	go w.watchFileChanges()
	return nil
}

func (w *fileWatchlist) watchFileChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// let the writer finish
				time.Sleep(10 * time.Millisecond)
				if err := w.load(); err != nil {
					logging.Warn("Failed to reload watchlist: %v", err)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Watchlist watcher error: %v", err)

		case <-w.stopWatch:
			return
		}
	}
}

type entryKind int

const (
	entryInvalid entryKind = iota
	entryEmail
	entryObjectID
)

func classify(value string) entryKind {
	if len(value) <= 320 && emailRegex.MatchString(value) {
		return entryEmail
	}
	if _, err := uuid.Parse(value); err == nil && len(value) == 36 {
		return entryObjectID
	}
	return entryInvalid
}
