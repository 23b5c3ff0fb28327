package uciconfig

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
interface {
	ifname = eth0
}

interface {
	ifname = wlan0
	promiscuous = 1
}

plugin {
	libname = count.so
	threshold = 10 20
	label = http
}

uplink {
	name = collector.example.net
	service = 8963
	cert = /etc/ucollect/ca.pem
	login = box1
	password = secret
}

quota {
	max = 5
}
`

func TestParseFullDocument(t *testing.T) {
	var warnings []string
	doc, err := Parse(strings.NewReader(sample), func(w string) { warnings = append(warnings, w) })
	require.NoError(t, err)

	require.Len(t, doc.Interfaces, 2)
	assert.Equal(t, "eth0", doc.Interfaces[0].IfName)
	assert.False(t, doc.Interfaces[0].Promiscuous)
	assert.Equal(t, "wlan0", doc.Interfaces[1].IfName)
	assert.True(t, doc.Interfaces[1].Promiscuous)

	require.Len(t, doc.Plugins, 1)
	assert.Equal(t, "count.so", doc.Plugins[0].LibName)
	assert.Equal(t, []string{"10", "20"}, doc.Plugins[0].Options["threshold"])
	assert.Equal(t, []string{"http"}, doc.Plugins[0].Options["label"])

	require.NotNil(t, doc.Uplink)
	assert.Equal(t, "collector.example.net", doc.Uplink.Name)
	assert.Equal(t, "8963", doc.Uplink.Service)
	assert.Equal(t, "box1", doc.Uplink.Login)

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "quota")
}

func TestParseMissingRequiredKeyFails(t *testing.T) {
	bad := "interface {\n promiscuous = 1\n}\n"
	_, err := Parse(strings.NewReader(bad), nil)
	assert.Error(t, err)
}

func TestParseSecondUplinkSectionFails(t *testing.T) {
	bad := `
uplink {
	name = a
	service = 1
	cert = c
}
uplink {
	name = b
	service = 2
	cert = c
}
`
	_, err := Parse(strings.NewReader(bad), nil)
	assert.Error(t, err)
}

func TestParseUnterminatedSectionFails(t *testing.T) {
	_, err := Parse(strings.NewReader("interface {\nifname = eth0\n"), nil)
	assert.Error(t, err)
}
