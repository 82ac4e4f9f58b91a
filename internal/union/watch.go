// Copyright 2024 StackFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package union

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"

	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/whiteout"
)

// watcher turns change notifications from host-directory branches into
// entry invalidations. Only directories the union has looked up are
// watched.
type watcher struct {
	m      *Mount
	w      *fsnotify.Watcher
	ignore *ignore.GitIgnore

	mu      sync.Mutex
	roots   map[branch.ID]string
	watched map[string]branch.ID

	done chan struct{}
	wg   sync.WaitGroup
}

func newWatcher(m *Mount) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		m:       m,
		w:       fw,
		roots:   map[branch.ID]string{},
		watched: map[string]branch.ID{},
		done:    make(chan struct{}),
	}
	if len(m.opts.WatchIgnore) > 0 {
		w.ignore = ignore.CompileIgnoreLines(m.opts.WatchIgnore...)
	}
	for _, br := range m.tbl.All() {
		w.addBranch(br)
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func watchable(br *branch.Branch) bool {
	// rr branches never change
	return br.FS().Kind() == "os" && !br.Perm().RealReadOnly()
}

func (w *watcher) addBranch(br *branch.Branch) {
	if !watchable(br) {
		return
	}
	w.mu.Lock()
	w.roots[br.ID()] = br.FS().Root()
	w.mu.Unlock()
	w.watchDir(br, "")
}

func (w *watcher) removeBranch(br *branch.Branch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.roots, br.ID())
	for host, id := range w.watched {
		if id != br.ID() {
			continue
		}
		delete(w.watched, host)
		if err := w.w.Remove(host); err != nil {
			log.Debugf("[watch] unwatch %s: %v", host, err)
		}
	}
}

// watchDir starts watching directory path of br.
func (w *watcher) watchDir(br *branch.Branch, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	root, ok := w.roots[br.ID()]
	if !ok {
		return
	}
	host := filepath.Join(root, filepath.FromSlash(path))
	if _, ok := w.watched[host]; ok {
		return
	}
	if err := w.w.Add(host); err != nil {
		log.Warnf("[watch] watch %s: %v", host, err)
		return
	}
	w.watched[host] = br.ID()
}

func (w *watcher) close() error {
	close(w.done)
	err := w.w.Close()
	w.wg.Wait()
	return err
}

func (w *watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			log.Warnf("[watch] %v", err)
		}
	}
}

// rel maps a host path to a union path.
func (w *watcher) rel(host string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	best := ""
	for _, root := range w.roots {
		if len(root) > len(best) && (host == root || strings.HasPrefix(host, root+string(filepath.Separator))) {
			best = root
		}
	}
	if best == "" {
		return "", false
	}
	r, err := filepath.Rel(best, host)
	if err != nil {
		return "", false
	}
	if r == "." {
		r = ""
	}
	return filepath.ToSlash(r), true
}

func (w *watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	path, ok := w.rel(ev.Name)
	if !ok || path == "" {
		return
	}
	name := common.BaseName(path)
	if whiteout.IsMeta(name) {
		return
	}
	if hidden, ok := whiteout.Strip(name); ok {
		// a whiteout changes the name it hides
		path = common.JoinPath(common.ParentPath(path), hidden)
	}
	if w.ignore != nil && w.ignore.MatchesPath(path) {
		return
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.mu.Lock()
		delete(w.watched, ev.Name)
		w.mu.Unlock()
	}
	log.Tracef("[watch] %s %s", ev.Op, path)
	w.m.invalidate(path)
}

// invalidate marks the cached entry of path stale and its directory
// changed.
func (m *Mount) invalidate(path string) {
	names := common.SplitPath(path)
	m.tree.RLock()
	var p *Dentry
	d := m.root
	for i, name := range names {
		if i == len(names)-1 {
			p = d
		}
		if d = d.children[name]; d == nil {
			break
		}
	}
	m.tree.RUnlock()

	if d != nil {
		d.stale.Store(true)
	}
	if p == nil {
		return
	}
	p.mu.RLock()
	ino := p.ino
	p.mu.RUnlock()
	if n := m.node(ino); n != nil {
		n.touch()
	}
}
