package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Listener is called after a reload with the previous and new config.
type Listener func(prev, next *Config)

var (
	gLock      sync.RWMutex
	gConfig    *Config
	gListeners []Listener
)

// Decode reads a config from r on top of Defaults. YAML rejects unknown
// fields; JSON follows the usual encoding/json rules.
func Decode(r io.Reader, yamlFormat bool) (*Config, error) {
	config := Defaults()
	if yamlFormat {
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(config); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	} else {
		if err := json.NewDecoder(r).Decode(config); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	}
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func configFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	config, err := Decode(f, isYAML(path))
	if err != nil {
		return nil, fmt.Errorf("config %v: %w", path, err)
	}
	log.Infof("Loaded configuration: %v", spew.Sdump(config))
	return config, nil
}

func Get() *Config {
	gLock.RLock()
	defer gLock.RUnlock()
	return gConfig
}

// Set replaces the current config without notifying listeners.
func Set(c *Config) {
	gLock.Lock()
	defer gLock.Unlock()
	gConfig = c
}

// OnChange registers l to run after every successful reload.
func OnChange(l Listener) {
	gLock.Lock()
	defer gLock.Unlock()
	gListeners = append(gListeners, l)
}

func waitForChange(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-watcher.Errors:
		return err
	case <-watcher.Events:
	}
	// Let the writer finish before reading.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second / 10):
	}
	return ctx.Err()
}

func reload(path string) {
	config, err := configFromFile(path)
	if err != nil {
		log.Errorf("Failed to load new config, keeping the old one: %v", err)
		return
	}
	gLock.Lock()
	old := gConfig
	gConfig = config
	listeners := append([]Listener(nil), gListeners...)
	gLock.Unlock()

	for _, l := range listeners {
		l(old, config)
	}
}

// Load reads the config at path and keeps reloading it whenever the file
// changes until ctx is done.
func Load(ctx context.Context, path string) error {
	config, err := configFromFile(path)
	if err != nil {
		return err
	}
	Set(config)
	go func() {
		for ctx.Err() == nil {
			if err := waitForChange(ctx, path); err != nil {
				if ctx.Err() == nil {
					log.Errorf("Error waiting for file change: %v", err)
					// The file may be mid-replace; don't spin.
					time.Sleep(time.Second)
				}
				continue
			}
			reload(path)
		}
	}()
	return nil
}
