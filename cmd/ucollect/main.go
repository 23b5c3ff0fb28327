// Command ucollect runs the on-device telemetry agent: it loads a UCI-
// style configuration package, opens capture sources, loads plugins,
// connects to the uplink collector, and drives all of it from a single
// reactor loop. Usage: `ucollect <config_dir>`; the configuration
// directory argument is required and has no default.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cznic-net/ucollect-go/internal/arena"
	"github.com/cznic-net/ucollect-go/internal/capture"
	"github.com/cznic-net/ucollect-go/internal/config"
	"github.com/cznic-net/ucollect-go/internal/diag"
	"github.com/cznic-net/ucollect-go/internal/hwcrypto"
	"github.com/cznic-net/ucollect-go/internal/logx"
	"github.com/cznic-net/ucollect-go/internal/packet"
	"github.com/cznic-net/ucollect-go/internal/plugin"
	"github.com/cznic-net/ucollect-go/internal/reactor"
	"github.com/cznic-net/ucollect-go/internal/telemetry"
	"github.com/cznic-net/ucollect-go/internal/uciconfig"
	"github.com/cznic-net/ucollect-go/internal/uplink"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: ucollect <config_dir>")
		os.Exit(1)
	}
	if err := run(os.Args[1]); err != nil {
		logx.Root.Error().Err(err).Msg("ucollect: fatal")
		os.Exit(1)
	}
}

func run(confDir string) error {
	logx.Initialize(envOr("UCOLLECT_LOG_LEVEL", "info"), isTerminal(os.Stdout))
	log := logx.Root

	agent := newAgent(confDir, log)

	rc, err := reactor.New(agent, logx.Reactor())
	if err != nil {
		return fmt.Errorf("ucollect: create reactor: %w", err)
	}
	defer rc.Close()
	agent.reactor = rc

	doc, err := agent.loadDir(confDir)
	if err != nil {
		return fmt.Errorf("ucollect: initial config load: %w", err)
	}
	if err := agent.reconfigure(doc); err != nil {
		return fmt.Errorf("ucollect: initial configuration: %w", err)
	}

	ctx := context.Background()
	if err := agent.cfg.WatchDir(ctx, confDir, func() { agent.onReactor(func() { agent.requestReconfigure(false) }) }); err != nil {
		log.Warn().Err(err).Msg("ucollect: config directory watch unavailable, relying on SIGHUP only")
	}

	if addr := os.Getenv("UCOLLECT_METRICS_ADDR"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: agent.metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("ucollect: metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	return rc.Run(ctx)
}

// agent is the reactor.Handler tying configuration, capture, the
// plugin host, and (optionally) the uplink session together. It plays
// the role the original's single global loop_t played, expressed as an
// explicit struct instead of process-wide globals.
type agent struct {
	log     logx.Logger
	cfg     *config.Configurator
	host    *plugin.Host
	metrics *telemetry.Metrics
	manifest *diag.ManifestCache

	reactor *reactor.Reactor

	fdOwners map[int]fdOwner

	watchdogs map[config.InterfaceKey]*capture.Watchdog

	session       *uplink.Session
	sessionCancel context.CancelFunc

	confDir string
}

// fdOwner tells OnReadable which live object an epoll-readable fd
// belongs to.
type fdOwner struct {
	kind    string // "capture" or "plugin"
	handle  capture.Handle
	ifKey   config.InterfaceKey
	dir     packet.Direction
	pluginI *plugin.Instance
}

func newAgent(confDir string, log logx.Logger) *agent {
	a := &agent{
		log:       log,
		host:      plugin.NewHost(log.With().Str("component", "plugin-host").Logger()),
		metrics:   telemetry.New(),
		manifest:  diag.NewManifestCache(),
		fdOwners:  make(map[int]fdOwner),
		watchdogs: make(map[config.InterfaceKey]*capture.Watchdog),
		confDir:   confDir,
	}
	a.cfg = config.NewConfigurator(config.Callbacks{
		CreateInterface:  a.createInterface,
		DestroyInterface: a.destroyInterface,
		CreatePlugin:     a.createPlugin,
		ConfigCheck:      a.configCheck,
		ConfigFinish:     a.configFinish,
		DestroyPlugin:    a.destroyPlugin,
	}, log)
	return a
}

// loadDir merges every *.conf file in confDir into one Document, so a
// configuration package can be split across multiple files instead of
// mandating a single physical file.
func (a *agent) loadDir(confDir string) (*uciconfig.Document, error) {
	entries, err := os.ReadDir(confDir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", confDir, err)
	}
	doc := &uciconfig.Document{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".conf" {
			continue
		}
		part, err := config.LoadFile(filepath.Join(confDir, e.Name()), a.log)
		if err != nil {
			return nil, err
		}
		doc.Interfaces = append(doc.Interfaces, part.Interfaces...)
		doc.Plugins = append(doc.Plugins, part.Plugins...)
		if part.Uplink != nil {
			doc.Uplink = part.Uplink
		}
	}
	return doc, nil
}

// reconfigure runs one full Start/Commit transaction against doc. A
// failed Start leaves the previously committed configuration untouched.
func (a *agent) reconfigure(doc *uciconfig.Document) error {
	tx, err := a.cfg.Start(doc)
	if err != nil {
		a.log.Warn().Err(err).Msg("ucollect: configuration rejected, retaining previous configuration")
		return err
	}
	if err := a.cfg.Commit(tx); err != nil {
		return err
	}
	a.syncUplink(doc.Uplink)
	a.publishManifest()
	return nil
}

// builtinPlugins is the static registry standing in for the original's
// dlopen-based plugin loading: a statically linked registry in place of
// dlopen-based plugin/pluglib loading, since the plugin set here is
// fixed at build time. Individual plugin business logic is out of
// scope for this host; production builds populate this map from an
// init() in another file of this package before main runs.
var builtinPlugins = map[string]plugin.Vtable{}

func (a *agent) createPlugin(libName string, options map[string][]string) (interface{}, error) {
	vt, ok := builtinPlugins[libName]
	if !ok {
		return nil, fmt.Errorf("plugin not registered: %s", libName)
	}
	inst := plugin.NewInstance(libName, vt)
	inst.Options = options
	a.host.Add(inst)

	ctx := a.pluginContext(inst)
	if fr, err := a.host.InvokeInit(inst, ctx); err != nil {
		a.host.Remove(inst.Name)
		return nil, fmt.Errorf("plugin %s: init: %w", libName, err)
	} else if fr.Panicked {
		a.host.Remove(inst.Name)
		return nil, fmt.Errorf("plugin %s: init panicked: %v", libName, fr.PanicValue)
	}
	return inst, nil
}

func (a *agent) destroyPlugin(instIface interface{}) error {
	return a.teardownInstance(instIface.(*plugin.Instance), false)
}

// teardownInstance releases inst's fds, timers, arena, and pluglib
// attachments. skipFinish must be true when inst is being torn down
// after a panic: InvokeFinish must never run on an instance whose last
// callback invocation panicked.
func (a *agent) teardownInstance(inst *plugin.Instance, skipFinish bool) error {
	if !skipFinish {
		ctx := a.pluginContext(inst)
		a.host.InvokeFinish(inst, ctx)
	}
	return a.host.Teardown(inst, func(fd int) error {
		delete(a.fdOwners, fd)
		err := a.reactor.UnregisterFD(fd)
		if cerr := syscall.Close(fd); err == nil {
			err = cerr
		}
		return err
	}, func(id int) {
		a.reactor.Timers().Cancel(id)
	})
}

// revivePlugin tears old down without running Finish and reloads the
// same library name fresh, carrying its consecutive failure count
// forward and updating the configurator's committed instance pointer in
// place so future dispatch and a later reconfiguration both see the new
// instance.
func (a *agent) revivePlugin(old *plugin.Instance) error {
	libName := old.Name
	options := old.Options
	failures := old.Failures

	if err := a.teardownInstance(old, true); err != nil {
		a.log.Warn().Err(err).Str("plugin", libName).Msg("ucollect: teardown before reload failed")
	}

	fresh, err := a.createPlugin(libName, options)
	if err != nil {
		a.log.Warn().Err(err).Str("plugin", libName).Msg("ucollect: plugin reload failed")
		return err
	}
	inst := fresh.(*plugin.Instance)
	inst.Failures = failures
	if st, ok := a.cfg.Plugins()[libName]; ok {
		st.Instance = inst
	}
	return nil
}

func (a *agent) configCheck(instIface interface{}, options map[string][]string) error {
	inst := instIface.(*plugin.Instance)
	if inst.Vtable.OptionsSchema != nil {
		if err := plugin.ValidateOptions(inst.Vtable.OptionsSchema(), options); err != nil {
			return err
		}
	}
	if inst.Vtable.ConfigCheck == nil {
		return nil
	}
	ctx := a.pluginContext(inst)
	fr := a.host.Invoke(inst, func() {
		if err := inst.Vtable.ConfigCheck(ctx); err != nil {
			panic(checkFailure{err})
		}
	})
	if cf, ok := fr.PanicValue.(checkFailure); ok {
		return cf.err
	}
	if fr.Panicked {
		return fmt.Errorf("plugin %s: config_check panicked: %v", inst.Name, fr.PanicValue)
	}
	return nil
}

// checkFailure distinguishes a ConfigCheck error return from a genuine
// panic inside Host.Invoke's single recovery path.
type checkFailure struct{ err error }

func (a *agent) configFinish(instIface interface{}, success bool) {
	inst := instIface.(*plugin.Instance)
	if inst.Vtable.ConfigFinish == nil {
		return
	}
	ctx := a.pluginContext(inst)
	a.host.Invoke(inst, func() { inst.Vtable.ConfigFinish(ctx, success) })
}

func (a *agent) pluginContext(inst *plugin.Instance) *plugin.Context {
	return &plugin.Context{
		Name:    inst.Name,
		Arena:   inst.Arena,
		Options: inst.Options,
		Host:    &pluginHostAPI{agent: a, inst: inst},
	}
}

// pluginHostAPI implements plugin.HostAPI by delegating fd/timer
// registration to the reactor while keeping each Instance's own
// bookkeeping current, so Teardown can always find what to release.
type pluginHostAPI struct {
	agent *agent
	inst  *plugin.Instance
}

func (h *pluginHostAPI) RegisterFD(fd int, tag interface{}) {
	h.inst.RegisterFD(fd, tag)
	h.agent.fdOwners[fd] = fdOwner{kind: "plugin", pluginI: h.inst}
	_ = h.agent.reactor.RegisterFD(fd)
}

func (h *pluginHostAPI) UnregisterFD(fd int) {
	h.inst.UnregisterFD(fd)
	delete(h.agent.fdOwners, fd)
	_ = h.agent.reactor.UnregisterFD(fd)
}

func (h *pluginHostAPI) TimeoutAdd(millis int, cb func()) int {
	when := time.Now().Add(time.Duration(millis) * time.Millisecond).UnixMilli()
	id := h.agent.reactor.Timers().Add(when, cb)
	h.inst.TrackTimer(id)
	return id
}

func (h *pluginHostAPI) TimeoutCancel(id int) {
	h.agent.reactor.Timers().Cancel(id)
	h.inst.UntrackTimer(id)
}

func (h *pluginHostAPI) SendMessage(payload []byte) error {
	if !h.inst.Active {
		return fmt.Errorf("plugin %s: not active", h.inst.Name)
	}
	if h.agent.session == nil {
		return fmt.Errorf("plugin %s: uplink not connected", h.inst.Name)
	}
	name := []byte(h.inst.Name)
	framed := make([]byte, 0, 4+len(name)+len(payload))
	framed = append(framed, byte(len(name)>>24), byte(len(name)>>16), byte(len(name)>>8), byte(len(name)))
	framed = append(framed, name...)
	framed = append(framed, payload...)
	return h.agent.sendUplink(uplink.Message{Op: uplink.OpRoutedData, Payload: framed})
}

// RequestReinit unwinds the plugin's current callback immediately via
// plugin.Reinit's panic/recover path and asks the host to reload it
// fresh; handleFault sees the resulting FaultResult.Reinit flag and
// does not count it as a failure.
func (h *pluginHostAPI) RequestReinit() {
	plugin.Reinit()
}

// createInterface/destroyInterface wire up capture sources. The actual
// capture library is an external collaborator; captureOpener is
// whatever Opener implementation the deployment supplies (Linux
// AF_PACKET, libpcap, or a test fake). A deployment with no Opener
// configured fails closed rather than silently dropping traffic.
var captureOpener capture.Opener

func (a *agent) createInterface(key config.InterfaceKey) (interface{}, error) {
	if captureOpener == nil {
		return nil, fmt.Errorf("no capture opener configured for interface %s", key.IfName)
	}
	in, err := captureOpener.Open(key.IfName, key.Promiscuous, packet.DirIn)
	if err != nil {
		return nil, fmt.Errorf("open %s (in): %w", key.IfName, err)
	}
	out, err := captureOpener.Open(key.IfName, key.Promiscuous, packet.DirOut)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("open %s (out): %w", key.IfName, err)
	}

	pair := &interfacePair{key: key, in: in, out: out}
	wd := capture.NewWatchdog(capture.DefaultWindow, capture.DefaultMissedLimit, func(retry bool) {
		a.requestReconfigure(true)
	})
	a.watchdogs[key] = wd

	dirs := []struct {
		h   capture.Handle
		dir packet.Direction
	}{{in, packet.DirIn}, {out, packet.DirOut}}
	for _, d := range dirs {
		a.fdOwners[d.h.Fd()] = fdOwner{kind: "capture", handle: d.h, ifKey: key, dir: d.dir}
		if err := a.reactor.RegisterFD(d.h.Fd()); err != nil {
			return nil, fmt.Errorf("register capture fd for %s: %w", key.IfName, err)
		}
	}
	a.armOneWatchdog(key, wd)
	return pair, nil
}

type interfacePair struct {
	key    config.InterfaceKey
	in, out capture.Handle
}

func (a *agent) destroyInterface(handleIface interface{}) error {
	pair := handleIface.(*interfacePair)
	delete(a.watchdogs, pair.key)
	var firstErr error
	for _, h := range []capture.Handle{pair.in, pair.out} {
		delete(a.fdOwners, h.Fd())
		_ = a.reactor.UnregisterFD(h.Fd())
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *agent) armOneWatchdog(key config.InterfaceKey, wd *capture.Watchdog) {
	when := time.Now().Add(wd.Window()).UnixMilli()
	a.reactor.Timers().Add(when, func() {
		wd.Tick()
		a.armOneWatchdog(key, wd)
	})
}

// OnReadable implements reactor.Handler: dispatch a readable capture fd
// or a plugin-registered fd to its owner.
func (a *agent) OnReadable(fd int) {
	owner, ok := a.fdOwners[fd]
	if !ok {
		return
	}
	switch owner.kind {
	case "capture":
		a.dispatchCapture(owner)
	case "plugin":
		if owner.pluginI == nil {
			return
		}
		ctx := a.pluginContext(owner.pluginI)
		a.handleFault(owner.pluginI, a.host.InvokeFDReady(owner.pluginI, ctx, fd))
	}
}

const maxPacketsPerDispatch = 256

func (a *agent) dispatchCapture(owner fdOwner) {
	n, err := owner.handle.Dispatch(maxPacketsPerDispatch, func(frame capture.Frame) {
		a.onFrame(owner, frame)
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("ucollect: capture dispatch error")
		a.requestReconfigure(true)
		return
	}
	if n > 0 {
		if wd, ok := a.watchdogs[owner.ifKey]; ok {
			wd.NoteFrame()
		}
	}
}

func (a *agent) onFrame(owner fdOwner, frame capture.Frame) {
	a.metrics.PacketsTotal.WithLabelValues(owner.ifKey.IfName, directionLabel(owner.dir)).Inc()

	batch := arena.Create("frame")
	defer batch.Destroy()
	info := packet.Parse(frame.Raw, batch, owner.handle.LinkType(), owner.ifKey.IfName, owner.dir)
	for _, libName := range a.activePluginNames() {
		inst, ok := a.host.Get(libName)
		if !ok {
			continue
		}
		ctx := a.pluginContext(inst)
		a.handleFault(inst, a.host.InvokePacket(inst, ctx, info))
	}
}

// handleFault reacts to one callback invocation's outcome: a voluntary
// reinit request reloads the plugin fresh without touching its failure
// count; a panic bumps the plugin-failure metric and either removes the
// plugin outright once it has crossed the failure threshold or tears it
// down and reloads it fresh so the next dispatch sees a clean instance.
func (a *agent) handleFault(inst *plugin.Instance, fr plugin.FaultResult) {
	if fr.Reinit {
		if err := a.revivePlugin(inst); err != nil {
			a.log.Warn().Err(err).Str("plugin", inst.Name).Msg("ucollect: reinit reload failed")
		}
		return
	}
	if !fr.Panicked {
		return
	}
	a.metrics.PluginFailures.WithLabelValues(inst.Name).Inc()
	if fr.ShouldRemove {
		_ = a.teardownInstance(inst, true)
		return
	}
	if err := a.revivePlugin(inst); err != nil {
		a.log.Warn().Err(err).Str("plugin", inst.Name).Msg("ucollect: plugin reload after fault failed")
	}
}

func (a *agent) activePluginNames() []string { return a.host.Names() }

// onReactor marshals fn onto the reactor's own goroutine via a
// zero-delay timer, so callbacks arriving from the fsnotify watcher
// goroutine or the uplink session goroutine still observe the "single
// goroutine owns all mutable state" discipline the configurator and
// plugin host assume.
func (a *agent) onReactor(fn func()) {
	a.reactor.Timers().Add(time.Now().UnixMilli(), fn)
}

func directionLabel(dir packet.Direction) string {
	switch dir {
	case packet.DirIn:
		return "in"
	case packet.DirOut:
		return "out"
	default:
		return "unknown"
	}
}

// OnReconfigure implements reactor.Handler: SIGHUP triggers a soft
// reload, SIGUSR1 a full reload.
func (a *agent) OnReconfigure(kind reactor.ReconfigureKind) {
	a.requestReconfigure(kind == reactor.ReconfigureFull)
}

func (a *agent) requestReconfigure(fullWipe bool) {
	doc, err := a.loadDir(a.confDir)
	if err != nil {
		a.log.Warn().Err(err).Msg("ucollect: reconfiguration load failed, retrying")
		a.reactor.Timers().Add(time.Now().Add(capture.DefaultRetryBackoff).UnixMilli(), func() { a.requestReconfigure(fullWipe) })
		return
	}
	if fullWipe {
		if err := a.reconfigure(&uciconfig.Document{Uplink: doc.Uplink}); err != nil {
			a.reactor.Timers().Add(time.Now().Add(capture.DefaultRetryBackoff).UnixMilli(), func() { a.requestReconfigure(fullWipe) })
			return
		}
	}
	if err := a.reconfigure(doc); err != nil {
		a.reactor.Timers().Add(time.Now().Add(capture.DefaultRetryBackoff).UnixMilli(), func() { a.requestReconfigure(fullWipe) })
	}
}

// OnShutdown implements reactor.Handler: tear down uplink, then every
// plugin, then capture sources.
func (a *agent) OnShutdown(graceful bool) {
	a.log.Info().Bool("graceful", graceful).Msg("ucollect: shutting down")
	if a.sessionCancel != nil {
		a.sessionCancel()
	}
	for name, st := range a.cfg.Plugins() {
		_ = a.destroyPlugin(st.Instance)
		_ = name
	}
	for _, st := range a.cfg.Interfaces() {
		_ = a.destroyInterface(st.Handle)
	}
}

// publishManifest sends the 'V' plugin-version manifest whenever the
// plugin set or activation state changed.
func (a *agent) publishManifest() {
	var entries []diag.PluginManifestEntry
	for name, st := range a.cfg.Plugins() {
		inst := st.Instance.(*plugin.Instance)
		entries = append(entries, diag.PluginManifestEntry{
			Name:      name,
			Version:   inst.APIVersion,
			ShaPrefix: inst.ShaPrefix,
			BaseName:  filepath.Base(name),
			Active:    inst.Active,
		})
	}
	if !a.manifest.Update(entries) {
		return
	}
	if a.session == nil {
		return
	}
	data, err := a.manifest.Encode()
	if err != nil {
		a.log.Warn().Err(err).Msg("ucollect: encode plugin manifest")
		return
	}
	_ = a.sendUplink(uplink.Message{Op: uplink.Opcode('V'), Payload: data})
}

// syncUplink starts the uplink session the first time a configuration
// names one. A reconfiguration that changes uplink endpoints mid-run is
// out of scope: the uplink identity is set once at startup, so later
// changes take effect on next restart.
func (a *agent) syncUplink(uc *uciconfig.UplinkConfig) {
	if uc == nil || a.session != nil {
		return
	}
	a.session = uplink.NewSession(uplink.Config{
		RemoteName:  uc.Name,
		StatusFile:  filepath.Join(os.TempDir(), "ucollect.status"),
		ProtocolVer: 1,
	}, uplink.NewProcessTransport("ucollect-transport", []string{uc.Name, uc.Service, uc.Cert}, a.log), noChip{}, &pluginRouter{agent: a}, a.log)

	ctx, cancel := context.WithCancel(context.Background())
	a.sessionCancel = cancel
	go a.runUplink(ctx)
}

// runUplink drives reconnect attempts for the lifetime of ctx: if the
// connection drops or the server rejects login, it reconnects after the
// next backoff delay.
func (a *agent) runUplink(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := a.session.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		a.metrics.UplinkReconnects.Inc()
		delay := a.session.NextDelay(err)
		a.log.Warn().Err(err).Dur("retry_in", delay).Msg("ucollect: uplink connection lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// sendUplink queues msg on the live uplink session for the session's own
// goroutine to frame and transmit, the path every plugin-originated
// outgoing message and the plugin-version manifest take.
func (a *agent) sendUplink(msg uplink.Message) error {
	if a.session == nil {
		return fmt.Errorf("uplink not configured")
	}
	return a.session.Enqueue(msg)
}

// pluginRouter implements uplink.Router over the plugin host.
type pluginRouter struct{ agent *agent }

// Deliver is called from the uplink session's own goroutine; the
// actual dispatch is marshaled onto the reactor goroutine via
// onReactor so the plugin host's maps are never touched from two
// goroutines at once.
func (r *pluginRouter) Deliver(pluginName string, payload []byte) error {
	r.agent.onReactor(func() {
		inst, ok := r.agent.host.Get(pluginName)
		if !ok {
			r.agent.log.Warn().Str("plugin", pluginName).Msg("ucollect: routed message for unknown plugin")
			return
		}
		ctx := r.agent.pluginContext(inst)
		r.agent.handleFault(inst, r.agent.host.InvokeUplinkData(inst, ctx, payload))
	})
	return nil
}

// noChip is the fail-closed default hwcrypto.Chip: the hardware crypto
// chip driver is an external collaborator; a real deployment supplies
// its own Chip implementation.
type noChip struct{}

func (noChip) SerialNumber(ctx context.Context) ([]byte, error) {
	return nil, fmt.Errorf("hwcrypto: no chip driver configured")
}

func (noChip) ChallengeResponse(ctx context.Context, challenge []byte) ([]byte, error) {
	return nil, fmt.Errorf("hwcrypto: no chip driver configured")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}
