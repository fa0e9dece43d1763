package source

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// WatchedStat 在 FileFetcher 之上缓存 Stat 结果，并通过 fsnotify 在文件变化时失效。
type WatchedStat struct {
	inner   Fetcher
	resolve func(url string) string
	watcher *fsnotify.Watcher
	logger  *logrus.Logger

	mu      sync.RWMutex
	infos   map[string]Info
	watched map[string]struct{}
	// epoch 在每次失效时递增；Stat 读取期间发生过失效时不写入缓存。
	epoch uint64

	done chan struct{}
	wg   sync.WaitGroup
}

var _ Fetcher = (*WatchedStat)(nil)

// NewWatchedStat 启动后台 goroutine 处理文件事件，调用方需在退出前 Close。
func NewWatchedStat(inner *FileFetcher, logger *logrus.Logger) (*WatchedStat, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	w := &WatchedStat{
		inner:   inner,
		resolve: inner.FilePath,
		watcher: watcher,
		logger:  logger,
		infos:   make(map[string]Info),
		watched: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *WatchedStat) Fetch(ctx context.Context, url string, header http.Header) (*Response, error) {
	return w.inner.Fetch(ctx, url, header)
}

func (w *WatchedStat) Stat(ctx context.Context, url string) (*Info, error) {
	filePath := w.resolve(url)

	w.mu.RLock()
	info, ok := w.infos[filePath]
	w.mu.RUnlock()
	if ok {
		return &info, nil
	}

	// 先注册监听再读取，避免两者之间的修改被漏掉
	w.watchDir(filepath.Dir(filePath))

	w.mu.RLock()
	epoch := w.epoch
	w.mu.RUnlock()

	fresh, err := w.inner.Stat(ctx, url)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	if w.epoch == epoch {
		w.infos[filePath] = *fresh
	}
	w.mu.Unlock()
	return fresh, nil
}

// Cached 返回当前缓存的条目数。
func (w *WatchedStat) Cached() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.infos)
}

// Close 停止监听并等待后台 goroutine 退出。
func (w *WatchedStat) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *WatchedStat) watchDir(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[dir]; ok {
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		w.logger.WithFields(logrus.Fields{
			"action": "source_watch",
			"dir":    dir,
		}).Warnf("watch failed: %v", err)
		return
	}
	w.watched[dir] = struct{}{}
}

func (w *WatchedStat) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.invalidate(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithField("action", "source_watch").Warnf("watcher error: %v", err)
			// 事件可能已丢失，整体清空
			w.mu.Lock()
			w.infos = make(map[string]Info)
			w.epoch++
			w.mu.Unlock()
		}
	}
}

func (w *WatchedStat) invalidate(name string) {
	name = filepath.Clean(name)
	prefix := name + string(filepath.Separator)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.epoch++
	delete(w.infos, name)
	for key := range w.infos {
		if strings.HasPrefix(key, prefix) {
			delete(w.infos, key)
		}
	}
}
