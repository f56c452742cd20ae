package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
)

// RemotesConfig is the remotes.toml file: named gateways and the active one.
type RemotesConfig struct {
	Active  string            `toml:"active"`
	Remotes map[string]Remote `toml:"remotes"`
}

// Remote is a named gateway profile.
type Remote struct {
	URL   string `toml:"url"`
	Token string `toml:"token,omitempty"`
}

// Set adds or replaces a remote. The first remote added becomes active.
func (c *RemotesConfig) Set(name string, r Remote) {
	r.URL = strings.TrimRight(r.URL, "/")
	c.Remotes[name] = r
	if c.Active == "" {
		c.Active = name
	}
}

// Remove deletes a remote, clearing Active if it pointed there.
func (c *RemotesConfig) Remove(name string) error {
	if _, ok := c.Remotes[name]; !ok {
		return fmt.Errorf("remote %q not found", name)
	}
	delete(c.Remotes, name)
	if c.Active == name {
		c.Active = ""
	}
	return nil
}

// Use makes name the active remote.
func (c *RemotesConfig) Use(name string) error {
	if _, ok := c.Remotes[name]; !ok {
		return fmt.Errorf("remote %q not found", name)
	}
	c.Active = name
	return nil
}

// Names returns the remote names in sorted order.
func (c *RemotesConfig) Names() []string {
	names := lo.Keys(c.Remotes)
	slices.Sort(names)
	return names
}

// remoteConfigPath is <user config dir>/trafficmind/remotes.toml.
func remoteConfigPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "trafficmind")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "remotes.toml"), nil
}

func loadRemotesConfig() (RemotesConfig, error) {
	cfg := RemotesConfig{Remotes: map[string]Remote{}}
	path, err := remoteConfigPath()
	if err != nil {
		return cfg, err
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}
	if cfg.Remotes == nil {
		cfg.Remotes = map[string]Remote{}
	}
	return cfg, nil
}

// saveRemotesConfig replaces the file through a rename so a failed write
// never leaves it truncated.
func saveRemotesConfig(cfg RemotesConfig) error {
	path, err := remoteConfigPath()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".remotes-*.toml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// activeRemote is read once per process for flag defaults.
var activeRemote = sync.OnceValue(func() Remote {
	cfg, err := loadRemotesConfig()
	if err != nil {
		return Remote{}
	}
	return cfg.Remotes[cfg.Active]
})

func activeRemoteURL() string   { return activeRemote().URL }
func activeRemoteToken() string { return activeRemote().Token }
