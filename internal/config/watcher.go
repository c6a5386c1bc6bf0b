package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherCallback is called with the new, validated config on every
// successful reload. It runs synchronously — keep it fast.
type WatcherCallback func(newCfg *Config)

// Watcher watches a config file for changes and triggers a callback with
// the new config. fsnotify provides low-latency notification on real
// filesystems; content-signature polling backs it up because Kubernetes
// projected volumes swap a "..data" symlink at the VFS layer, which inotify
// frequently misses.
type Watcher struct {
	path         string
	dir          string // parent directory, watched for symlink swaps
	callback     WatcherCallback
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a config file watcher. Watching does not begin until
// Start is called.
func NewWatcher(path string, callback WatcherCallback, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		callback:     callback,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// fileSignature snapshots the detectable state of a watched file: the
// resolved content hash plus the target of the directory's "..data" link.
// Either signal changing means the file changed.
type fileSignature struct {
	dataLink string
	hash     string
	target   string
}

func newFileSignature(dir string) *fileSignature {
	return &fileSignature{dataLink: filepath.Join(dir, "..data")}
}

// refresh re-captures the signature for path and reports whether it differs
// from the previous capture.
func (fs *fileSignature) refresh(path string) bool {
	hash := hashFile(path)
	target := readlink(fs.dataLink)

	changed := hash != fs.hash || (target != fs.target && target != "")
	fs.hash = hash
	fs.target = target
	return changed
}

// Start begins watching the config file. Blocks until the context is
// canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path, "dir", w.dir)

	sig := newFileSignature(w.dir)
	sig.refresh(w.path)

	// The debounce timer coalesces the event bursts editors produce on an
	// atomic save. It starts stopped; pending tracks whether a fire is armed.
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	pending := false

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Atomic saves rename a temp file over the target, removing the
			// watched inode; re-add so the next save is still seen.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				_ = fsw.Add(w.path)
			}
			if pending {
				debounce.Stop()
			}
			debounce.Reset(w.debounce)
			pending = true

		case <-debounce.C:
			pending = false
			w.reload()
			sig.refresh(w.path)

		case <-poll.C:
			if sig.refresh(w.path) {
				w.logger.Debug("config file change detected via polling", "path", w.path)
				w.reload()
			}

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", watchErr)
		}
	}
}

// reload loads, validates, and publishes the new config. On failure the old
// config stays in effect.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}

	w.logger.Info("config reloaded successfully", "path", w.path)
	w.callback(newCfg)
}

// Stop terminates the watcher goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// CertCallback is called when the TLS certificate files change on disk.
type CertCallback func(certFile, keyFile string)

// CertWatcher monitors a TLS certificate pair for rotation. It polls content
// signatures only: cert files usually live in a Kubernetes Secret volume,
// where inotify does not reliably see the projected-volume symlink swap.
type CertWatcher struct {
	certFile     string
	keyFile      string
	callback     CertCallback
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a TLS certificate file watcher. Polling does not
// start until Start is called.
func NewCertWatcher(certFile, keyFile string, callback CertCallback, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		callback:     callback,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start begins polling the certificate files. Blocks until the context is
// canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	ctx, cw.cancel = context.WithCancel(ctx)

	certSig := newFileSignature(filepath.Dir(cw.certFile))
	certSig.refresh(cw.certFile)
	keySig := newFileSignature(filepath.Dir(cw.keyFile))
	keySig.refresh(cw.keyFile)

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			certChanged := certSig.refresh(cw.certFile)
			keyChanged := keySig.refresh(cw.keyFile)
			if certChanged || keyChanged {
				cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
				cw.callback(cw.certFile, cw.keyFile)
			}
		}
	}
}

// Stop terminates the cert watcher goroutine.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}

// hashFile returns the SHA-256 digest of the file at path, or "" when the
// file cannot be read. Reading follows symlinks, so a Kubernetes volume
// swap changes the result.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" when path is not a
// readable symlink.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
