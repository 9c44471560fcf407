package collector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const arednSysinfo = `{
	"node": "KD0AAA-hilltop",
	"lat": "39.75",
	"lon": "-105.22",
	"model": "Ubiquiti Rocket M5",
	"firmware_version": "3.24.4.0",
	"api_version": "1.13",
	"grid_square": "DM79",
	"sysinfo": {"uptime": "12 days", "loads": [0.15, 0.12, 0.09]},
	"meshrf": {"status": "on"},
	"lqm": {"info": {"trackers": {
		"a:b:c": {"hostname": "KD0BBB-valley", "type": "RF", "snr": 24.0, "quality": 100, "lat": 39.70, "lon": -105.10},
		"d:e:f": {"hostname": "KD0CCC-nocoords", "type": "DTD", "snr": 9.5}
	}}}
}`

func arednTestServer(t *testing.T, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/a/sysinfo" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	return net.JoinHostPort(host, port)
}

func TestAREDNFetch(t *testing.T) {
	target := arednTestServer(t, arednSysinfo)
	src := NewAREDNSource([]string{target}, nil)

	fc, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)

	f := fc.Features[0]
	assert.Equal(t, "KD0AAA-hilltop", f.Properties["name"])
	assert.Equal(t, "aredn", f.Network())
	assert.Equal(t, "Ubiquiti Rocket M5", f.Properties["hardware"])
	assert.Equal(t, "3.24.4.0", f.Properties["firmware"])
	assert.Equal(t, 0.15, f.Properties["load_avg"])

	lat, lon, ok := f.LatLon()
	require.True(t, ok)
	assert.Equal(t, 39.75, lat)
	assert.Equal(t, -105.22, lon)

	// Only the geolocated LQM edge survives
	links := src.TopologyLinks()
	require.Len(t, links, 1)
	assert.Equal(t, "KD0AAA-hilltop", links[0].Source)
	assert.Equal(t, "KD0BBB-valley", links[0].Target)
	assert.Equal(t, "RF", links[0].LinkType)
	assert.Equal(t, "excellent", string(links[0].Quality))
	assert.Equal(t, "aredn", links[0].Network)
}

func TestAREDNRejectsNonARednService(t *testing.T) {
	target := arednTestServer(t, `{"unrelated": "service"}`)
	src := NewAREDNSource([]string{target}, nil)

	fc, err := src.Fetch(context.Background())
	// A lone target returning a parse-class error surfaces the failure
	require.Error(t, err)
	assert.Nil(t, fc)
}

func TestAREDNNoTargets(t *testing.T) {
	src := NewAREDNSource(nil, nil)
	fc, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fc.Features)
}

func TestParseFlexibleFloat(t *testing.T) {
	f, ok := parseFlexibleFloat([]byte("39.7"))
	require.True(t, ok)
	assert.Equal(t, 39.7, f)

	f, ok = parseFlexibleFloat([]byte(`"-105.2"`))
	require.True(t, ok)
	assert.Equal(t, -105.2, f)

	_, ok = parseFlexibleFloat([]byte(`"not a number"`))
	assert.False(t, ok)

	_, ok = parseFlexibleFloat(nil)
	assert.False(t, ok)
}
