package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Provider owns the current configuration snapshot and swaps it atomically
// on reload. Readers call Current and keep the returned pointer for the
// duration of their work; no locking of flow or template contents is ever
// needed.
type Provider struct {
	path string
	snap atomic.Pointer[Snapshot]
	log  zerolog.Logger
}

// NewProvider loads the initial snapshot from path (or the embedded
// defaults for an empty path).
func NewProvider(path string, log zerolog.Logger) (*Provider, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := &Provider{path: path, log: log}
	p.snap.Store(snap)
	return p, nil
}

// Current returns the active snapshot.
func (p *Provider) Current() *Snapshot {
	return p.snap.Load()
}

// Reload re-reads the config file and swaps in the new snapshot. On any
// validation failure the previous snapshot stays active.
func (p *Provider) Reload() (*Snapshot, error) {
	snap, err := Load(p.path)
	if err != nil {
		return nil, err
	}
	p.snap.Store(snap)
	p.log.Info().Str("path", p.path).Msg("configuration reloaded")
	return snap, nil
}

// Watch reloads the snapshot whenever the config file changes on disk,
// until ctx is cancelled. Editors replace files rather than writing in
// place, so events are debounced and the watch is held on the parent
// directory. onReload (optional) runs after every successful swap, e.g. to
// push the new template index into the template manager. A provider built
// from the embedded defaults has nothing to watch and returns nil
// immediately.
func (p *Provider) Watch(ctx context.Context, onReload func(*Snapshot)) error {
	if p.path == "" {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(p.path)); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		const debounce = 200 * time.Millisecond
		var timer *time.Timer

		target := filepath.Clean(p.path)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					snap, err := p.Reload()
					if err != nil {
						p.log.Warn().Err(err).Msg("config reload failed, keeping previous snapshot")
						return
					}
					if onReload != nil {
						onReload(snap)
					}
				})
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				p.log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
