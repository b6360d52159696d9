package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// SettingsFileName is the default settings document name.
const SettingsFileName = "mcp_settings.json"

// EnvSettingPath overrides settings file resolution; it may point at a
// file or a directory containing SettingsFileName.
const EnvSettingPath = "MCPHUB_SETTING_PATH"

// Store owns the settings document: load with environment expansion,
// validated atomic persistence, and change notification. Writes are
// serialized; readers receive immutable snapshots.
type Store struct {
	path   string
	logger *zap.Logger

	mu       sync.Mutex // serializes Save and snapshot replacement
	current  *Settings
	subMu    sync.Mutex
	subs     map[int]func(*Settings)
	nextSub  int
	watcher  *fsnotify.Watcher
	watchWG  sync.WaitGroup
	lastSave time.Time
}

// NewStore creates a store bound to the resolved settings path. The file
// is not read until Load is called.
func NewStore(explicitPath string, logger *zap.Logger) *Store {
	return &Store{
		path:   ResolveSettingsPath(explicitPath),
		logger: logger.Named("settings"),
		subs:   make(map[int]func(*Settings)),
	}
}

// ResolveSettingsPath resolves the settings file location: explicit path,
// then MCPHUB_SETTING_PATH (file or directory), then the working
// directory, then the executable's directory.
func ResolveSettingsPath(explicit string) string {
	if explicit != "" {
		return explicit
	}

	if env := os.Getenv(EnvSettingPath); env != "" {
		if info, err := os.Stat(env); err == nil && info.IsDir() {
			return filepath.Join(env, SettingsFileName)
		}
		return env
	}

	if cwd, err := os.Getwd(); err == nil {
		candidate := filepath.Join(cwd, SettingsFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), SettingsFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	// Fall back to the working directory for newly created documents.
	cwd, err := os.Getwd()
	if err != nil {
		return SettingsFileName
	}
	return filepath.Join(cwd, SettingsFileName)
}

// Path returns the resolved settings file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads, expands, and validates the settings document. A missing
// file synthesises an empty default document; a malformed file is an
// error (fatal at startup).
func (s *Store) Load() (*Settings, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("Settings file not found, using defaults",
				zap.String("path", s.path))
			settings := DefaultSettings()
			s.setCurrent(settings)
			return settings, nil
		}
		return nil, fmt.Errorf("failed to read settings file %s: %w", s.path, err)
	}

	settings, err := ExpandSettings(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings file %s: %w", s.path, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings file %s: %w", s.path, err)
	}

	s.setCurrent(settings)
	s.logger.Info("Loaded settings",
		zap.String("path", s.path),
		zap.Int("servers", len(settings.MCPServers)),
		zap.Int("groups", len(settings.Groups)))
	return settings, nil
}

// LoadOriginal reads the document without environment expansion. Used for
// export and round-tripping; never becomes the active snapshot.
func (s *Store) LoadOriginal() (*Settings, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, fmt.Errorf("failed to read settings file %s: %w", s.path, err)
	}

	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", s.path, err)
	}
	if settings.MCPServers == nil {
		settings.MCPServers = map[string]*ServerConfig{}
	}
	return &settings, nil
}

// Current returns the active settings snapshot. Callers must treat it as
// immutable; mutation goes through Clone + Save.
func (s *Store) Current() *Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return DefaultSettings()
	}
	return s.current
}

// Save validates the document, writes it atomically, republishes the
// expanded snapshot, and notifies subscribers. On validation or write
// failure the on-disk file is left unchanged.
func (s *Store) Save(settings *Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	s.mu.Lock()
	expanded, err := s.persistLocked(settings)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(expanded)
	return nil
}

// persistLocked writes the document atomically and replaces the active
// snapshot. Callers hold s.mu and run subscriber callbacks afterwards.
func (s *Store) persistLocked(settings *Settings) (*Settings, error) {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create settings directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".mcp_settings-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to close temp settings file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to replace settings file: %w", err)
	}
	s.lastSave = time.Now()

	// Republish with expansion applied so subscribers always see the
	// same shape Load produces.
	expanded, err := ExpandSettings(data)
	if err != nil {
		return nil, fmt.Errorf("failed to re-expand saved settings: %w", err)
	}
	s.current = expanded

	s.logger.Info("Saved settings",
		zap.String("path", s.path),
		zap.Int("servers", len(expanded.MCPServers)))

	return expanded, nil
}

// Subscribe registers a callback invoked with every new snapshot. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func(*Settings)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// Watch follows external edits to the settings file with fsnotify and
// republishes on change. Saves made through the store are debounced so
// they do not trigger a second reload.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch settings directory: %w", err)
	}
	s.watcher = watcher

	s.watchWG.Add(1)
	go func() {
		defer s.watchWG.Done()
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				s.mu.Lock()
				recentSave := time.Since(s.lastSave) < 500*time.Millisecond
				s.mu.Unlock()
				if recentSave {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, s.reloadFromDisk)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Settings watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (s *Store) reloadFromDisk() {
	settings, err := s.Load()
	if err != nil {
		s.logger.Error("Failed to reload settings after external change", zap.Error(err))
		return
	}
	s.notify(settings)
	s.logger.Info("Reloaded settings after external change")
}

func (s *Store) setCurrent(settings *Settings) {
	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()
}

func (s *Store) notify(settings *Settings) {
	s.subMu.Lock()
	subs := make([]func(*Settings), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(settings)
	}
}
