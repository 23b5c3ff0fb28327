// Package config implements the Configurator: a two-phase transactional
// swap of the running (interfaces, plugins, uplink endpoint, per-plugin
// options) against a freshly parsed internal/uciconfig.Document, with
// carry-over of unchanged runtime state and atomic all-or-nothing
// visibility to plugin code.
//
// Grounded on bifaci/host.go's reconciliation pass over a desired-state
// list (mark everything "dead unless rescued", then rescue or create)
// generalized from its single plugin-process collection to this
// project's two collections (interfaces, plugins) plus the singleton
// uplink endpoint, and on 99souls-ariadne's engine/internal/runtime
// HotReloadSystem for the fsnotify-driven reload trigger layered
// alongside the signal-driven one.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/cznic-net/ucollect-go/internal/arena"
	"github.com/cznic-net/ucollect-go/internal/logx"
	"github.com/cznic-net/ucollect-go/internal/trie"
	"github.com/cznic-net/ucollect-go/internal/uciconfig"
)

// InterfaceKey identifies an interface runtime slot by its exact-match
// fields: interface name plus promiscuous flag.
type InterfaceKey struct {
	IfName      string
	Promiscuous bool
}

// InterfaceState is the carried-over-or-created runtime object behind
// one InterfaceKey; opaque to this package beyond the key it was
// created from.
type InterfaceState struct {
	Key InterfaceKey
	// Handle is the capture.Opener-produced runtime handle; left as
	// interface{} here so this package has no import-time dependency on
	// a particular capture backend.
	Handle interface{}
}

// PluginState is the carried-over-or-created runtime object behind one
// plugin library path.
type PluginState struct {
	LibName string
	// Instance is a *plugin.Instance; kept as interface{} for the same
	// reason as InterfaceState.Handle.
	Instance interface{}
}

// Callbacks lets the Configurator drive plugin/interface creation and
// teardown without importing internal/plugin or internal/capture
// directly, avoiding an import cycle (both of those packages are
// themselves driven by the reactor that owns the Configurator).
type Callbacks struct {
	CreateInterface func(key InterfaceKey) (interface{}, error)
	DestroyInterface func(handle interface{}) error
	CreatePlugin    func(libName string, options map[string][]string) (interface{}, error)
	ConfigCheck     func(inst interface{}, options map[string][]string) error
	ConfigFinish    func(inst interface{}, success bool)
	DestroyPlugin   func(inst interface{}) error
}

// Configurator owns the committed runtime state and drives one
// transaction at a time.
type Configurator struct {
	cb  Callbacks
	log logx.Logger

	interfaces map[InterfaceKey]*InterfaceState
	plugins    map[string]*PluginState
	uplink     *uciconfig.UplinkConfig
	options    map[string]*trie.Trie  // committed plugin libname -> option trie
	arenas     map[string]*arena.Arena // committed plugin libname -> backing arena

	watcher *fsnotify.Watcher
	confDir string
}

// NewConfigurator returns an empty Configurator; call Start/Commit once
// with an initial uciconfig.Document to populate it.
func NewConfigurator(cb Callbacks, log logx.Logger) *Configurator {
	return &Configurator{
		cb:         cb,
		log:        log,
		interfaces: make(map[InterfaceKey]*InterfaceState),
		plugins:    make(map[string]*PluginState),
		options:    make(map[string]*trie.Trie),
		arenas:     make(map[string]*arena.Arena),
	}
}

// transaction holds the in-flight candidate set between Start and
// Commit/Abort.
type transaction struct {
	doc *uciconfig.Document

	candidateInterfaces map[InterfaceKey]*InterfaceState
	candidatePlugins    map[string]*PluginState

	deadInterfaces map[InterfaceKey]*InterfaceState
	deadPlugins    map[string]*PluginState

	options map[string]*trie.Trie  // plugin libname -> option trie
	arenas  map[string]*arena.Arena // plugin libname -> backing arena for its option trie

	created      []interface{}   // freshly created handles/instances, for abort cleanup
	carriedOver  map[string]bool // plugin libname -> true if rescued from the old committed set
}

// Start begins a reconfiguration transaction against doc: every live
// interface and plugin is marked "dead unless rescued", then each
// declared interface/plugin is matched against the old set by exact key
// or created fresh.
func (c *Configurator) Start(doc *uciconfig.Document) (*transaction, error) {
	tx := &transaction{
		doc:                 doc,
		candidateInterfaces: make(map[InterfaceKey]*InterfaceState),
		candidatePlugins:    make(map[string]*PluginState),
		deadInterfaces:      make(map[InterfaceKey]*InterfaceState),
		deadPlugins:         make(map[string]*PluginState),
		options:             make(map[string]*trie.Trie),
		arenas:              make(map[string]*arena.Arena),
		carriedOver:         make(map[string]bool),
	}
	for k, v := range c.interfaces {
		tx.deadInterfaces[k] = v
	}
	for k, v := range c.plugins {
		tx.deadPlugins[k] = v
	}

	for _, ic := range doc.Interfaces {
		key := InterfaceKey{IfName: ic.IfName, Promiscuous: ic.Promiscuous}
		if existing, ok := tx.deadInterfaces[key]; ok {
			delete(tx.deadInterfaces, key)
			tx.candidateInterfaces[key] = existing
			continue
		}
		handle, err := c.cb.CreateInterface(key)
		if err != nil {
			c.abortPartial(tx)
			return nil, fmt.Errorf("config: create interface %s: %w", ic.IfName, err)
		}
		st := &InterfaceState{Key: key, Handle: handle}
		tx.candidateInterfaces[key] = st
		tx.created = append(tx.created, st)
	}

	for _, pc := range doc.Plugins {
		a := arena.Create("config-options:" + pc.LibName)
		tx.arenas[pc.LibName] = a
		t := trie.New(a)
		for name, values := range pc.Options {
			slot := t.Index([]byte(name))
			cur, _ := (*slot).([]string)
			cur = append(cur, values...)
			*slot = cur
		}
		tx.options[pc.LibName] = t

		if existing, ok := tx.deadPlugins[pc.LibName]; ok {
			delete(tx.deadPlugins, pc.LibName)
			tx.candidatePlugins[pc.LibName] = existing
			tx.carriedOver[pc.LibName] = true
			continue
		}
		inst, err := c.cb.CreatePlugin(pc.LibName, pc.Options)
		if err != nil {
			c.abortPartial(tx)
			return nil, fmt.Errorf("config: create plugin %s: %w", pc.LibName, err)
		}
		st := &PluginState{LibName: pc.LibName, Instance: inst}
		tx.candidatePlugins[pc.LibName] = st
		tx.created = append(tx.created, st)
	}

	if c.cb.ConfigCheck != nil {
		for _, pc := range doc.Plugins {
			st := tx.candidatePlugins[pc.LibName]
			if err := c.cb.ConfigCheck(st.Instance, pc.Options); err != nil {
				c.abortPartial(tx)
				return nil, fmt.Errorf("config: config_check %s: %w", pc.LibName, err)
			}
		}
	}

	return tx, nil
}

// Options returns the per-plugin option trie built during Start, keyed
// by plugin library name: options accumulated between start and commit
// are stored in a radix trie keyed by option name.
func (tx *transaction) Options(libName string) (*trie.Trie, bool) {
	t, ok := tx.options[libName]
	return t, ok
}

// Commit destroys everything still marked dead, calls config_finish(true)
// on every candidate, and swaps the committed configuration in.
func (c *Configurator) Commit(tx *transaction) error {
	for _, st := range tx.deadInterfaces {
		if c.cb.DestroyInterface != nil {
			if err := c.cb.DestroyInterface(st.Handle); err != nil {
				c.log.Warn().Err(err).Str("interface", st.Key.IfName).Msg("config: destroy interface failed")
			}
		}
	}
	for _, st := range tx.deadPlugins {
		if c.cb.DestroyPlugin != nil {
			if err := c.cb.DestroyPlugin(st.Instance); err != nil {
				c.log.Warn().Err(err).Str("plugin", st.LibName).Msg("config: destroy plugin failed")
			}
		}
		if a, ok := c.arenas[st.LibName]; ok {
			a.Destroy()
		}
	}
	if c.cb.ConfigFinish != nil {
		for _, st := range tx.candidatePlugins {
			c.cb.ConfigFinish(st.Instance, true)
		}
	}

	c.interfaces = tx.candidateInterfaces
	c.options = tx.options
	c.arenas = tx.arenas
	c.plugins = tx.candidatePlugins
	c.uplink = tx.doc.Uplink
	return nil
}

// Abort destroys only the newly created candidates and calls
// config_finish(false) on plugins that were carried over but not
// committed.
func (c *Configurator) Abort(tx *transaction) {
	if c.cb.ConfigFinish != nil {
		for _, st := range tx.candidatePlugins {
			if tx.carriedOver[st.LibName] {
				c.cb.ConfigFinish(st.Instance, false)
			}
		}
	}
	c.abortPartial(tx)
}

func (c *Configurator) abortPartial(tx *transaction) {
	for _, created := range tx.created {
		switch v := created.(type) {
		case *InterfaceState:
			if c.cb.DestroyInterface != nil {
				_ = c.cb.DestroyInterface(v.Handle)
			}
		case *PluginState:
			if c.cb.DestroyPlugin != nil {
				_ = c.cb.DestroyPlugin(v.Instance)
			}
		}
	}
	for _, a := range tx.arenas {
		a.Destroy()
	}
}

// Options returns the committed option trie for the named plugin.
func (c *Configurator) Options(libName string) (*trie.Trie, bool) {
	t, ok := c.options[libName]
	return t, ok
}

// Interfaces returns the currently committed interface set.
func (c *Configurator) Interfaces() map[InterfaceKey]*InterfaceState { return c.interfaces }

// Plugins returns the currently committed plugin set.
func (c *Configurator) Plugins() map[string]*PluginState { return c.plugins }

// Uplink returns the currently committed uplink endpoint, or nil if
// uplink use is disabled.
func (c *Configurator) Uplink() *uciconfig.UplinkConfig { return c.uplink }

// WatchDir arms an fsnotify watch on confDir, invoking onChange whenever
// a file write is observed — an additional soft-reconfigure trigger
// alongside SIGHUP, never a replacement for it.
func (c *Configurator) WatchDir(ctx context.Context, confDir string, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := w.Add(confDir); err != nil {
		w.Close()
		return fmt.Errorf("config: watch %s: %w", confDir, err)
	}
	c.watcher = w
	c.confDir = confDir

	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					onChange()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warn().Err(err).Msg("config: watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// ConfigDir returns the directory the Configurator is watching, or ""
// if WatchDir has not been called.
func (c *Configurator) ConfigDir() string { return c.confDir }

// LoadFile parses a single UCI-style file at path into a Document,
// warnings routed through the Configurator's logger.
func LoadFile(path string, log logx.Logger) (*uciconfig.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return uciconfig.Parse(f, func(msg string) {
		log.Warn().Str("file", filepath.Base(path)).Msg(msg)
	})
}
