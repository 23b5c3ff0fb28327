// Package plugin implements the in-process plugin host: plugin
// instances with a vtable of optional callbacks, a per-plugin permanent
// arena, registered fds and timers, and fault isolation around every
// callback invocation.
//
// The original host ran each plugin as a dlopen'd shared object inside
// the same process, isolating crashes with setjmp/longjmp around a
// signal handler. Go has neither dlopen nor non-local jumps across a
// signal boundary; the host here keeps the original's boundary — "a
// plugin callback never takes the whole process down with it" — by
// recovering from a panic raised inside Invoke instead, the idiomatic
// Go analogue of that fault-isolation behavior. The overall
// registration/routing shape (plugin instance holding a cap/name table,
// a host-side event loop dispatching by instance, a managed collection
// reacting to an instance going away) is grounded on bifaci/host.go's
// PluginHost: ManagedPlugin <-> Instance, handlePluginDeath <->
// Host.Teardown.
package plugin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/cznic-net/ucollect-go/internal/arena"
	"github.com/cznic-net/ucollect-go/internal/capture"
	"github.com/cznic-net/ucollect-go/internal/logx"
	"github.com/cznic-net/ucollect-go/internal/packet"
	"github.com/cznic-net/ucollect-go/internal/pluglib"
)

// DefaultFailureThreshold is the consecutive-crash count at which the
// host stops retrying a plugin and reports it dropped instead of
// reloading it fresh.
const DefaultFailureThreshold = 5

// Vtable is the set of callbacks a plugin may implement; any may be nil.
type Vtable struct {
	Init               func(ctx *Context) error
	Finish             func(ctx *Context)
	Packet             func(ctx *Context, info *packet.PacketInfo)
	UplinkConnected    func(ctx *Context)
	UplinkDisconnected func(ctx *Context)
	UplinkData         func(ctx *Context, payload []byte)
	FDReady            func(ctx *Context, fd int)
	ConfigCheck        func(ctx *Context) error
	ConfigFinish       func(ctx *Context, success bool)

	// OptionsSchema, if present, returns a JSON Schema the configurator
	// validates a plugin's configured options against before ConfigCheck
	// runs, rejecting the candidate configuration on a schema violation
	// the same way a ConfigCheck error does.
	OptionsSchema func() []byte
}

// HostAPI is the set of services a plugin's Context exposes back into
// the host: fd and timer registration, sending an uplink message, and
// requesting its own reinitialization.
type HostAPI interface {
	RegisterFD(fd int, tag interface{})
	UnregisterFD(fd int)
	TimeoutAdd(millis int, cb func()) (id int)
	TimeoutCancel(id int)
	SendMessage(payload []byte) error
	RequestReinit()
}

// Context is the per-call handle a plugin's callbacks receive: its own
// name, permanent arena, configured options, and the host API.
// CallArena is nil unless the host fills it in; the host in cmd/ucollect
// does not, so no transient per-call arena is provided.
type Context struct {
	Name        string
	Arena       *arena.Arena
	CallArena   *arena.Arena
	Options     map[string][]string
	Host        HostAPI
	Attachments []*pluglib.Library
}

// Instance is one loaded plugin: its vtable, permanent arena, fd/timer
// registrations, attached pluglibs, activation state, and consecutive
// failure count.
type Instance struct {
	Name       string
	Vtable     Vtable
	Arena      *arena.Arena
	Options    map[string][]string
	Attached   []*pluglib.Library
	Active     bool
	Failures   int
	APIVersion int
	ShaPrefix  string

	fds     map[int]interface{}
	timers  map[int]struct{}
	watch   *capture.Watchdog
	nextFd  int
}

// NewInstance allocates a fresh Instance backed by its own arena.
func NewInstance(name string, vt Vtable) *Instance {
	return &Instance{
		Name:    name,
		Vtable:  vt,
		Arena:   arena.Create(name),
		Options: make(map[string][]string),
		fds:     make(map[int]interface{}),
		timers:  make(map[int]struct{}),
	}
}

// RegisterFD records fd as owned by this instance under tag, so
// Teardown knows to close it. The caller is responsible for arming the
// fd with the actual reactor.
func (inst *Instance) RegisterFD(fd int, tag interface{}) { inst.fds[fd] = tag }

// UnregisterFD drops fd from this instance's bookkeeping without
// closing it; the caller is responsible for the matching reactor
// unregistration.
func (inst *Instance) UnregisterFD(fd int) { delete(inst.fds, fd) }

// FDTag returns the opaque tag RegisterFD recorded for fd.
func (inst *Instance) FDTag(fd int) (interface{}, bool) {
	tag, ok := inst.fds[fd]
	return tag, ok
}

// TrackTimer records a reactor timer id as owned by this instance so
// Teardown cancels it.
func (inst *Instance) TrackTimer(id int) { inst.timers[id] = struct{}{} }

// UntrackTimer drops a timer id from this instance's bookkeeping,
// called once the timer has fired or been explicitly cancelled.
func (inst *Instance) UntrackTimer(id int) { delete(inst.timers, id) }

// ValidateOptions checks options against a plugin-supplied JSON Schema
// (schema and document both loaded from marshaled JSON bytes, errors
// joined one per line). A nil schema always passes.
func ValidateOptions(schema []byte, options map[string][]string) error {
	if len(schema) == 0 {
		return nil
	}
	docBytes, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("plugin: marshal options for schema validation: %w", err)
	}
	schemaLoader := gojsonschema.NewBytesLoader(schema)
	docLoader := gojsonschema.NewBytesLoader(docBytes)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("plugin: compile options schema: %w", err)
	}
	if result.Valid() {
		return nil
	}
	lines := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		lines = append(lines, desc.String())
	}
	return fmt.Errorf("plugin: options failed schema validation:\n%s", strings.Join(lines, "\n"))
}

// Host manages a set of plugin instances, dispatching callbacks with
// fault isolation and tracking per-plugin failure counts across
// reconfiguration cycles.
type Host struct {
	instances map[string]*Instance
	log       logx.Logger
}

// NewHost constructs an empty Host.
func NewHost(log logx.Logger) *Host {
	return &Host{instances: make(map[string]*Instance), log: log}
}

// Add registers inst under its name, replacing any existing instance
// of the same name (the caller is responsible for having torn the old
// one down first via Remove).
func (h *Host) Add(inst *Instance) { h.instances[inst.Name] = inst }

// Remove releases an instance's arena and drops it from the host.
func (h *Host) Remove(name string) {
	if inst, ok := h.instances[name]; ok {
		inst.Arena.Destroy()
		delete(h.instances, name)
	}
}

// Get returns the named instance, if registered.
func (h *Host) Get(name string) (*Instance, bool) {
	inst, ok := h.instances[name]
	return inst, ok
}

// Names returns every currently registered plugin name.
func (h *Host) Names() []string {
	names := make([]string, 0, len(h.instances))
	for n := range h.instances {
		names = append(names, n)
	}
	return names
}

// FaultResult reports what InvokePacket/InvokeUplinkData/etc. observed:
// whether the callback panicked, and if so whether the plugin should
// be torn down (failures reached DefaultFailureThreshold) or retried;
// Reinit reports a voluntary reload request instead of a fault.
type FaultResult struct {
	Panicked     bool
	PanicValue   interface{}
	ShouldRemove bool
	Reinit       bool
}

// reinitSentinel is the panic value Reinit raises. Invoke recognizes it
// and reports FaultResult.Reinit without touching the failure count,
// distinguishing a plugin's voluntary reload request from a crash.
type reinitSentinel struct{}

// Reinit unwinds the currently running plugin callback immediately,
// mirroring the original host's non-local jump out of plugin code on a
// reinitialization request. Call only from within a callback running
// under Invoke.
func Reinit() { panic(reinitSentinel{}) }

// Invoke calls fn for inst with panic recovery, incrementing the
// failure count on a panic and reporting whether the instance has now
// reached DefaultFailureThreshold. The host is expected to tear the
// instance down and, if FaultResult.ShouldRemove is false, reload it
// fresh.
func (h *Host) Invoke(inst *Instance, fn func()) (result FaultResult) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(reinitSentinel); ok {
			result.Reinit = true
			return
		}
		inst.Failures++
		result.Panicked = true
		result.PanicValue = r
		result.ShouldRemove = inst.Failures >= DefaultFailureThreshold
		h.log.Error().
			Str("plugin", inst.Name).
			Int("failures", inst.Failures).
			Interface("panic", r).
			Bool("removed", result.ShouldRemove).
			Msg("plugin callback panicked")
	}()
	fn()
	return result
}

// InvokePacket dispatches a decoded packet to inst's Packet callback,
// if present, with fault isolation.
func (h *Host) InvokePacket(inst *Instance, ctx *Context, info *packet.PacketInfo) FaultResult {
	if inst.Vtable.Packet == nil {
		return FaultResult{}
	}
	return h.Invoke(inst, func() { inst.Vtable.Packet(ctx, info) })
}

// InvokeInit dispatches inst's Init callback with fault isolation,
// returning both the FaultResult and any error the callback itself
// returned (distinct from a panic).
func (h *Host) InvokeInit(inst *Instance, ctx *Context) (FaultResult, error) {
	var callErr error
	fr := h.Invoke(inst, func() {
		if inst.Vtable.Init != nil {
			callErr = inst.Vtable.Init(ctx)
		}
	})
	return fr, callErr
}

// InvokeFinish dispatches inst's Finish callback. A plugin being torn
// down after a fault skips Finish entirely — callers must not call
// InvokeFinish on a FaultResult with Panicked set.
func (h *Host) InvokeFinish(inst *Instance, ctx *Context) FaultResult {
	if inst.Vtable.Finish == nil {
		return FaultResult{}
	}
	return h.Invoke(inst, func() { inst.Vtable.Finish(ctx) })
}

// InvokeUplinkData dispatches a routed uplink payload to inst.
func (h *Host) InvokeUplinkData(inst *Instance, ctx *Context, payload []byte) FaultResult {
	if inst.Vtable.UplinkData == nil {
		return FaultResult{}
	}
	return h.Invoke(inst, func() { inst.Vtable.UplinkData(ctx, payload) })
}

// InvokeFDReady dispatches a readable registered fd to inst.
func (h *Host) InvokeFDReady(inst *Instance, ctx *Context, fd int) FaultResult {
	if inst.Vtable.FDReady == nil {
		return FaultResult{}
	}
	return h.Invoke(inst, func() { inst.Vtable.FDReady(ctx, fd) })
}

// Teardown releases an instance's registered fds/timers/arena/pluglib
// attachments after a fault or planned removal: fds unregistered and
// closed, timers cancelled, arenas released, pluglib refcounts
// decremented.
func (h *Host) Teardown(inst *Instance, closeFD func(int) error, cancelTimer func(int)) error {
	var firstErr error
	for fd := range inst.fds {
		if closeFD != nil {
			if err := closeFD(fd); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("plugin %s: close fd %d: %w", inst.Name, fd, err)
			}
		}
	}
	inst.fds = make(map[int]interface{})

	for id := range inst.timers {
		if cancelTimer != nil {
			cancelTimer(id)
		}
	}
	inst.timers = make(map[int]struct{})

	for _, lib := range inst.Attached {
		lib.Release()
	}
	inst.Attached = nil

	inst.Arena.Destroy()
	delete(h.instances, inst.Name)
	return firstErr
}
