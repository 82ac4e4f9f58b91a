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


// Package daemon runs a union mount as a long-lived process: it loads the
// mount configuration, opens the branches, guards against a second
// instance and exports the union over NFS.
package daemon

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stackfs/internal/artifacts"
	"stackfs/internal/branch"
	"stackfs/internal/common"
	"stackfs/internal/lowerfs"
	"stackfs/internal/storage"
	"stackfs/internal/union"
)

// getConfigDir returns the configuration directory.
// Uses STACKFS_CONFIG_DIR env var if set, otherwise defaults to ~/.stackfs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("STACKFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stackfs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// ConfigPath returns the default mount configuration file path
func ConfigPath() string {
	return filepath.Join(getConfigDir(), "mount.yaml")
}

// PidPath returns the PID file path
func PidPath() string {
	return filepath.Join(getConfigDir(), "stackfs.pid")
}

// LogPath returns the log file path.
// Uses STACKFS_LOG env var if set, otherwise defaults to config_dir/stackfs.log.
func LogPath() string {
	if envPath := os.Getenv("STACKFS_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "stackfs.log")
}

// LockPath returns the lock file path
func LockPath() string {
	return filepath.Join(getConfigDir(), "stackfs.lock")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and writes the default
// mount.yaml unless one exists. Reports whether the file was written.
func InitConfigDir() (bool, error) {
	if err := EnsureConfigDir(); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}
	p := ConfigPath()
	if _, err := os.Stat(p); err == nil {
		return false, nil
	}
	if err := os.WriteFile(p, artifacts.MountConfig, 0600); err != nil {
		return false, fmt.Errorf("failed to create default config: %w", err)
	}
	return true, nil
}

// NFSConfig configures the NFS front end.
type NFSConfig struct {
	Port  int    `yaml:"port"`  // 0 picks a free port
	Share string `yaml:"share"` // default: "stackfs"
}

// FUSEConfig configures the FUSE front end.
type FUSEConfig struct {
	Debug        bool    `yaml:"debug"`
	AllowOther   bool    `yaml:"allow_other"`
	EntryTimeout float64 `yaml:"entry_timeout"` // seconds, default: 1
	AttrTimeout  float64 `yaml:"attr_timeout"`  // seconds, default: 1
}

// MountConfig is the mount configuration read from mount.yaml.
type MountConfig struct {
	Branches    []string   `yaml:"branches"`     // "<location>=<perm>", priority order
	Xino        string     `yaml:"xino"`         // directory or "off" (default)
	Plink       *bool      `yaml:"plink"`        // default: true (pointer to detect missing)
	Udba        string     `yaml:"udba"`         // none, reval (default), watch
	Diropq      string     `yaml:"diropq"`       // always, whiteout-only (default)
	DirWh       int        `yaml:"dirwh"`        // default: 3
	RdCache     int        `yaml:"rdcache"`      // seconds, default: 10
	RdBlk       int        `yaml:"rdblk"`        // default: 256
	Workers     int        `yaml:"workers"`      // default: 4
	CopyBuffer  int        `yaml:"copy_buffer"`  // bytes, default: 65536
	WatchIgnore []string   `yaml:"watch_ignore"` // gitignore patterns
	AllowRemote bool       `yaml:"allow_remote"`
	LogLevel    string     `yaml:"log_level"`    // trace, debug, info, warn, error, off (default)
	BusyTimeout int        `yaml:"busy_timeout"` // SQLite busy_timeout (ms), 0 = use default
	NFS         NFSConfig  `yaml:"nfs"`
	FUSE        FUSEConfig `yaml:"fuse"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *MountConfig) ApplyDefaults() {
	if cfg.Xino == "" {
		cfg.Xino = "off"
	}
	if cfg.Plink == nil {
		t := true
		cfg.Plink = &t
	}
	if cfg.Udba == "" {
		cfg.Udba = "reval"
	}
	if cfg.Diropq == "" {
		cfg.Diropq = "whiteout-only"
	}
	if cfg.DirWh <= 0 {
		cfg.DirWh = union.DefaultDirWh
	}
	if cfg.RdCache <= 0 {
		cfg.RdCache = int(union.DefaultRdCache / time.Second)
	}
	if cfg.CopyBuffer <= 0 {
		cfg.CopyBuffer = union.DefaultCopyBuffer
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "off"
	}
	if cfg.NFS.Share == "" {
		cfg.NFS.Share = "stackfs"
	}
	if cfg.FUSE.EntryTimeout <= 0 {
		cfg.FUSE.EntryTimeout = 1
	}
	if cfg.FUSE.AttrTimeout <= 0 {
		cfg.FUSE.AttrTimeout = 1
	}
}

// PlinkEnabled returns whether pseudo-links are enabled (defaults to true).
func (cfg *MountConfig) PlinkEnabled() bool {
	if cfg.Plink == nil {
		return true
	}
	return *cfg.Plink
}

// LoadMountConfigFromPath loads the configuration from a specific file.
// Returns nil if the config file does not exist.
func LoadMountConfigFromPath(configPath string) (*MountConfig, error) {
	if configPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfg MountConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", common.ErrInvalidConfig, configPath, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadMountConfig loads configPath, or the default mount.yaml when it is
// empty. A missing file yields the defaults.
func LoadMountConfig(configPath string) (*MountConfig, error) {
	if configPath == "" {
		configPath = ConfigPath()
	}
	cfg, err := LoadMountConfigFromPath(configPath)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &MountConfig{}
		cfg.ApplyDefaults()
	}
	return cfg, nil
}

// BranchConfig is one parsed "<location>=<perm>" entry.
type BranchConfig struct {
	Location string
	Perm     branch.Perm
}

// ParseBranch parses a branch entry. Without "=perm" the branch at index
// 0 is rw and every other ro.
func ParseBranch(s string, index int) (BranchConfig, error) {
	s = strings.TrimSpace(s)
	loc, permStr := s, ""
	if i := strings.LastIndex(s, "="); i >= 0 {
		loc, permStr = s[:i], s[i+1:]
	}
	if loc == "" {
		return BranchConfig{}, fmt.Errorf("%w: empty branch location in %q", common.ErrInvalidConfig, s)
	}
	perm := branch.ReadOnly
	if index == 0 {
		perm = branch.ReadWrite
	}
	if permStr != "" {
		p, err := branch.ParsePerm(permStr)
		if err != nil {
			return BranchConfig{}, err
		}
		perm = p
	}
	return BranchConfig{Location: loc, Perm: perm}, nil
}

// ParseBranches parses every branch entry of the configuration.
func (cfg *MountConfig) ParseBranches() ([]BranchConfig, error) {
	if len(cfg.Branches) == 0 {
		return nil, fmt.Errorf("%w: no branches configured", common.ErrInvalidConfig)
	}
	out := make([]BranchConfig, 0, len(cfg.Branches))
	for i, s := range cfg.Branches {
		b, err := ParseBranch(s, i)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Options converts the configuration into union mount options.
func (cfg *MountConfig) Options() (union.Options, error) {
	udba, err := union.ParseUdba(cfg.Udba)
	if err != nil {
		return union.Options{}, err
	}
	var always bool
	switch strings.ToLower(cfg.Diropq) {
	case "", "whiteout-only", "w":
	case "always", "a":
		always = true
	default:
		return union.Options{}, fmt.Errorf("%w: diropq %q", common.ErrInvalidConfig, cfg.Diropq)
	}
	xino := cfg.Xino
	if xino != "" && !strings.EqualFold(xino, "off") {
		if xino, err = filepath.Abs(expandHome(xino)); err != nil {
			return union.Options{}, err
		}
	}
	return union.Options{
		Xino:         xino,
		Plink:        cfg.PlinkEnabled(),
		Udba:         udba,
		AlwaysDiropq: always,
		DirWh:        cfg.DirWh,
		RdCache:      time.Duration(cfg.RdCache) * time.Second,
		RdBlk:        cfg.RdBlk,
		Workers:      cfg.Workers,
		CopyBuffer:   cfg.CopyBuffer,
		WatchIgnore:  cfg.WatchIgnore,
		AllowRemote:  cfg.AllowRemote,
	}, nil
}

// Validate checks the whole configuration without opening anything.
func (cfg *MountConfig) Validate() error {
	if _, err := cfg.ParseBranches(); err != nil {
		return err
	}
	if _, err := cfg.Options(); err != nil {
		return err
	}
	if _, _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// OpenBranch opens the filesystem behind a branch location. The returned
// closer is nil for backends holding no resources.
func OpenBranch(location string) (lowerfs.FS, io.Closer, error) {
	switch {
	case strings.HasPrefix(location, "mem:"):
		return lowerfs.NewMemFS(strings.TrimPrefix(location, "mem:")), nil, nil
	case strings.HasPrefix(location, "sqlite:"):
		df, err := storage.OpenOrCreate(expandHome(strings.TrimPrefix(location, "sqlite:")))
		if err != nil {
			return nil, nil, err
		}
		return df, df, nil
	}
	fs, err := lowerfs.NewOSFS(expandHome(location))
	if err != nil {
		return nil, nil, err
	}
	return fs, nil, nil
}
