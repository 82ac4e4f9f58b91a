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


package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"stackfs/internal/common"
	"stackfs/internal/fusefs"
	"stackfs/internal/storage"
	"stackfs/internal/union"
	"stackfs/internal/util"
)

func init() {
	// Logging stays off until a level is configured
	log.SetOutput(io.Discard)
}

// maxLogSize is the log file size at which the older half is dropped.
const maxLogSize = 50 * 1024 * 1024

// ErrAlreadyRunning is returned when another instance holds the lock.
var ErrAlreadyRunning = errors.New("another stackfs instance is already running")

// Daemon owns one union mount and the front ends exporting it.
type Daemon struct {
	Config *MountConfig

	// MountPoint, when set, mounts the union there over FUSE.
	MountPoint string
	// ServeNFS exports the union over NFSv3 on localhost.
	ServeNFS bool
	// Foreground sends logs to stderr instead of the log file.
	Foreground bool

	lock    *flock.Flock
	logFile *os.File
	closers []io.Closer
	mount   *union.Mount
	nfs     *NFSServer
	nfsAddr net.Addr
	fuse    *fuse.Server
	wg      sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a daemon for cfg.
func New(cfg *MountConfig) *Daemon {
	return &Daemon{Config: cfg, stopCh: make(chan struct{})}
}

// Mount returns the union mount, nil before Start.
func (d *Daemon) Mount() *union.Mount { return d.mount }

// NFSAddr returns the address the NFS server listens on, nil when not serving.
func (d *Daemon) NFSAddr() net.Addr { return d.nfsAddr }

// Start acquires the instance lock, opens the branches, builds the union
// and starts the configured front ends. On error everything started so
// far is released.
func (d *Daemon) Start(ctx context.Context) (err error) {
	if d.Config == nil {
		return fmt.Errorf("%w: no mount configuration", common.ErrInvalidConfig)
	}
	if err := d.Config.Validate(); err != nil {
		return err
	}
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if err := d.setupLogging(); err != nil {
		return err
	}
	storage.SetConfigBusyTimeout(d.Config.BusyTimeout)

	if err := d.openMount(ctx); err != nil {
		return err
	}
	if d.ServeNFS {
		if err := d.startNFS(); err != nil {
			return err
		}
	}
	if d.MountPoint != "" {
		if err := d.startFUSE(); err != nil {
			return err
		}
	}
	if err := d.writePidFile(); err != nil {
		return err
	}
	log.Infof("[daemon] started (PID %d, mount %s)", os.Getpid(), d.mount.ID())
	return nil
}

func (d *Daemon) setupLogging() error {
	level := strings.ToLower(d.Config.LogLevel)
	if level == "" || level == "off" || level == "none" {
		log.SetOutput(io.Discard)
		return nil
	}
	if d.Foreground {
		return ConfigureLogging(level, os.Stderr)
	}
	if err := truncateLogFile(LogPath(), maxLogSize); err != nil {
		// Non-fatal, just report to stderr
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}
	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile
	return ConfigureLogging(level, logFile)
}

func (d *Daemon) openMount(ctx context.Context) error {
	m, closers, err := OpenMount(ctx, d.Config, d.MountPoint)
	if err != nil {
		return err
	}
	d.mount, d.closers = m, closers
	return nil
}

// OpenMount opens every configured branch and builds the union over them.
// The closers release the branch backends and must run after the mount is
// closed. On error nothing stays open.
func OpenMount(ctx context.Context, cfg *MountConfig, mountPoint string) (*union.Mount, []io.Closer, error) {
	branches, err := cfg.ParseBranches()
	if err != nil {
		return nil, nil, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	opts.MountPoint = mountPoint

	var closers []io.Closer
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}
	specs := make([]union.BranchSpec, 0, len(branches))
	for _, b := range branches {
		fs, closer, err := OpenBranch(b.Location)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("branch %s: %w", b.Location, err)
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		specs = append(specs, union.BranchSpec{Path: b.Location, Perm: b.Perm, FS: fs})
	}
	m, err := union.New(ctx, specs, opts)
	if err != nil {
		release()
		return nil, nil, err
	}
	return m, closers, nil
}

func (d *Daemon) startNFS() error {
	d.nfs = NewNFSServer(d.mount)
	addr, err := d.nfs.Listen(net.JoinHostPort("127.0.0.1", strconv.Itoa(d.Config.NFS.Port)))
	if err != nil {
		d.nfs = nil
		return err
	}
	d.nfsAddr = addr

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.nfs.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Errorf("[nfs] server stopped: %v", err)
		}
	}()
	if err := waitForAddr(addr.String(), 5*time.Second); err != nil {
		return err
	}
	log.Infof("[nfs] serving %q on %s", d.Config.NFS.Share, addr)
	return nil
}

func (d *Daemon) startFUSE() error {
	server, err := fusefs.Mount(d.MountPoint, d.mount, fusefs.Options{
		Debug:        d.Config.FUSE.Debug,
		AllowOther:   d.Config.FUSE.AllowOther,
		EntryTimeout: seconds(d.Config.FUSE.EntryTimeout),
		AttrTimeout:  seconds(d.Config.FUSE.AttrTimeout),
		Name:         d.Config.NFS.Share,
	})
	if err != nil {
		return err
	}
	d.fuse = server

	// an external umount ends the daemon
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		server.Wait()
		d.Stop()
	}()
	log.Infof("[fuse] mounted at %s", d.MountPoint)
	return nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// Run starts the daemon and blocks until a signal, Stop or an external
// unmount, then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	return d.Wait(ctx)
}

// Wait blocks until a signal, Stop, an external unmount or ctx ends, then
// closes the daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Infof("[daemon] received signal %v, shutting down", sig)
	case <-d.stopCh:
		log.Infof("[daemon] stop requested, shutting down")
	case <-ctx.Done():
		log.Infof("[daemon] context done, shutting down")
	}
	return d.Close()
}

// Stop asks Wait to return.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Close stops the front ends, closes the union and the branch backends,
// and releases the instance lock.
func (d *Daemon) Close() error {
	var errs []error
	if d.fuse != nil {
		if err := d.fuse.Unmount(); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", d.MountPoint, err))
		}
	}
	if d.nfs != nil {
		d.nfs.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Warnf("[daemon] timeout waiting for front ends")
	}

	if d.mount != nil {
		if err := d.mount.Close(); err != nil {
			errs = append(errs, err)
		}
		d.mount = nil
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil

	if d.lock != nil && d.lock.Locked() {
		d.removePidFile()
		d.lock.Unlock()
	}
	log.Infof("[daemon] stopped")
	if d.logFile != nil {
		log.SetOutput(io.Discard)
		d.logFile.Close()
		d.logFile = nil
	}
	return errors.Join(errs...)
}

func (d *Daemon) writePidFile() error {
	return os.WriteFile(PidPath(), []byte(strconv.Itoa(os.Getpid())), 0600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

// GetPID reads the daemon PID from file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// IsRunning reports whether a daemon holds the pid file and is alive.
func IsRunning() (int, bool) {
	pid, err := GetPID()
	if err != nil {
		return 0, false
	}
	return pid, util.IsProcessRunning(pid)
}

// waitForAddr waits until addr is accepting connections
func waitForAddr(addr string, timeout time.Duration) error {
	if util.WaitWithDeadline(time.Now().Add(timeout), 50*time.Millisecond, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		return false
	}) {
		return nil
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

// ParseLogLevel maps a configured level name to a logrus level. "off"
// (and "none") report ok=false.
func ParseLogLevel(s string) (level log.Level, ok bool, err error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return log.PanicLevel, false, nil
	case "trace":
		return log.TraceLevel, true, nil
	case "debug":
		return log.DebugLevel, true, nil
	case "info":
		return log.InfoLevel, true, nil
	case "warn", "warning":
		return log.WarnLevel, true, nil
	case "error":
		return log.ErrorLevel, true, nil
	}
	return log.PanicLevel, false, fmt.Errorf("%w: log level %q", common.ErrInvalidConfig, s)
}

// ConfigureLogging points logrus at w with the given level; "off"
// discards everything.
func ConfigureLogging(level string, w io.Writer) error {
	lvl, ok, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	if !ok {
		log.SetOutput(io.Discard)
		return nil
	}
	log.SetOutput(w)
	log.SetLevel(lvl)
	return nil
}

// truncateLogFile truncates the log file if it exceeds maxSize bytes.
// It keeps the last half of the file content to preserve recent logs.
func truncateLogFile(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return err
	}
	startIdx := len(data) - len(data)/2
	// Find the next newline to avoid cutting a line in the middle
	for i := startIdx; i < len(data); i++ {
		if data[i] == '\n' {
			startIdx = i + 1
			break
		}
	}
	kept := data[startIdx:]
	header := []byte(fmt.Sprintf("--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(kept)))
	return os.WriteFile(logPath, append(header, kept...), 0600)
}
