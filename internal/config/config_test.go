package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cznic-net/ucollect-go/internal/uciconfig"
)

func testLog() zerolog.Logger { return zerolog.Nop() }

func docWith(ifaces []uciconfig.InterfaceConfig, plugins []uciconfig.PluginConfig) *uciconfig.Document {
	return &uciconfig.Document{Interfaces: ifaces, Plugins: plugins}
}

func TestStartCommitCarriesOverUnchangedPlugin(t *testing.T) {
	var destroyed []string
	cb := Callbacks{
		CreateInterface: func(key InterfaceKey) (interface{}, error) { return "iface:" + key.IfName, nil },
		CreatePlugin: func(lib string, opts map[string][]string) (interface{}, error) {
			inst := "inst:" + lib
			return &inst, nil
		},
		DestroyPlugin: func(inst interface{}) error {
			destroyed = append(destroyed, *inst.(*string))
			return nil
		},
	}
	c := NewConfigurator(cb, testLog())

	doc1 := docWith(
		[]uciconfig.InterfaceConfig{{IfName: "eth0"}},
		[]uciconfig.PluginConfig{{LibName: "count.so", Options: map[string][]string{"x": {"1"}}}},
	)
	tx1, err := c.Start(doc1)
	require.NoError(t, err)
	require.NoError(t, c.Commit(tx1))

	firstInstance := c.Plugins()["count.so"].Instance

	doc2 := docWith(
		[]uciconfig.InterfaceConfig{{IfName: "eth0"}},
		[]uciconfig.PluginConfig{{LibName: "count.so", Options: map[string][]string{"x": {"1"}}}},
	)
	tx2, err := c.Start(doc2)
	require.NoError(t, err)
	require.NoError(t, c.Commit(tx2))

	assert.Same(t, firstInstance, c.Plugins()["count.so"].Instance)
	assert.Empty(t, destroyed)
}

func TestCommitDestroysDroppedPlugin(t *testing.T) {
	var destroyed []string
	cb := Callbacks{
		CreateInterface: func(key InterfaceKey) (interface{}, error) { return "iface", nil },
		CreatePlugin:    func(lib string, opts map[string][]string) (interface{}, error) { return "inst:" + lib, nil },
		DestroyPlugin: func(inst interface{}) error {
			destroyed = append(destroyed, inst.(string))
			return nil
		},
	}
	c := NewConfigurator(cb, testLog())

	tx1, err := c.Start(docWith(nil, []uciconfig.PluginConfig{{LibName: "a.so"}, {LibName: "b.so"}}))
	require.NoError(t, err)
	require.NoError(t, c.Commit(tx1))

	tx2, err := c.Start(docWith(nil, []uciconfig.PluginConfig{{LibName: "a.so"}}))
	require.NoError(t, err)
	require.NoError(t, c.Commit(tx2))

	assert.Equal(t, []string{"inst:b.so"}, destroyed)
	_, ok := c.Plugins()["b.so"]
	assert.False(t, ok)
}

func TestAbortDestroysOnlyNewlyCreated(t *testing.T) {
	var destroyedPlugins, finishedFalse []string
	cb := Callbacks{
		CreateInterface: func(key InterfaceKey) (interface{}, error) { return "iface", nil },
		CreatePlugin:    func(lib string, opts map[string][]string) (interface{}, error) { return "inst:" + lib, nil },
		DestroyPlugin: func(inst interface{}) error {
			destroyedPlugins = append(destroyedPlugins, inst.(string))
			return nil
		},
		ConfigFinish: func(inst interface{}, success bool) {
			if !success {
				finishedFalse = append(finishedFalse, inst.(string))
			}
		},
	}
	c := NewConfigurator(cb, testLog())

	tx1, err := c.Start(docWith(nil, []uciconfig.PluginConfig{{LibName: "old.so"}}))
	require.NoError(t, err)
	require.NoError(t, c.Commit(tx1))

	tx2, err := c.Start(docWith(nil, []uciconfig.PluginConfig{{LibName: "old.so"}, {LibName: "new.so"}}))
	require.NoError(t, err)
	c.Abort(tx2)

	assert.Equal(t, []string{"inst:new.so"}, destroyedPlugins)
	assert.Equal(t, []string{"inst:old.so"}, finishedFalse)

	_, ok := c.Plugins()["old.so"]
	assert.True(t, ok, "abort must not disturb the previously committed set")
}

func TestStartFailsWhenConfigCheckRejects(t *testing.T) {
	cb := Callbacks{
		CreatePlugin: func(lib string, opts map[string][]string) (interface{}, error) { return "inst", nil },
		ConfigCheck: func(inst interface{}, opts map[string][]string) error {
			return assert.AnError
		},
	}
	c := NewConfigurator(cb, testLog())
	_, err := c.Start(docWith(nil, []uciconfig.PluginConfig{{LibName: "p.so"}}))
	assert.Error(t, err)
}

func TestOptionsTrieAccumulatesMultiValue(t *testing.T) {
	cb := Callbacks{
		CreatePlugin: func(lib string, opts map[string][]string) (interface{}, error) { return "inst", nil },
	}
	c := NewConfigurator(cb, testLog())
	tx, err := c.Start(docWith(nil, []uciconfig.PluginConfig{
		{LibName: "p.so", Options: map[string][]string{"threshold": {"10", "20"}}},
	}))
	require.NoError(t, err)
	tr, ok := tx.Options("p.so")
	require.True(t, ok)
	val, found := tr.Lookup([]byte("threshold"))
	require.True(t, found)
	assert.Equal(t, []string{"10", "20"}, val.([]string))
}
