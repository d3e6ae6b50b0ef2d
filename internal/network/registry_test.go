package network

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/csi-sense/internal/csi"
)

func mustLink(t *testing.T, hw, addr string) *StationLink {
	t.Helper()
	l, err := NewStationLink(newTestStation(hw, addr, csi.DataTypeAtheros), NewMockUDPSocket(), LinkConfig{})
	require.NoError(t, err)
	return l
}

func TestRegistry_AddLookupRemove(t *testing.T) {
	r := NewRegistry()
	a := mustLink(t, "aa:bb:cc:dd:ee:01", "10.0.0.5")
	// Two stations behind one address both see its datagrams.
	b := mustLink(t, "aa:bb:cc:dd:ee:02", "10.0.0.5:9999")
	c := mustLink(t, "aa:bb:cc:dd:ee:03", "10.0.0.6")
	for _, l := range []*StationLink{a, b, c} {
		require.NoError(t, r.Add(l))
	}
	assert.Error(t, r.Add(mustLink(t, "AA:BB:CC:DD:EE:01", "10.0.0.9")), "duplicate hw address")
	assert.Equal(t, 3, r.Len())

	assert.ElementsMatch(t, []*StationLink{a, b}, r.Lookup(net.ParseIP("10.0.0.5")))
	assert.Equal(t, []*StationLink{c}, r.Lookup(net.ParseIP("10.0.0.6")))
	assert.Empty(t, r.Lookup(net.ParseIP("10.0.0.7")))

	got, ok := r.Get("AA:BB:CC:DD:EE:03")
	require.True(t, ok)
	assert.Same(t, c, got)

	assert.Same(t, a, r.Remove("aa:bb:cc:dd:ee:01"))
	assert.Nil(t, r.Remove("aa:bb:cc:dd:ee:01"))
	assert.Equal(t, []*StationLink{b}, r.Lookup(net.ParseIP("10.0.0.5")))

	var hws []string
	r.Range(func(l Link) bool {
		hws = append(hws, l.Station().HWAddress)
		return true
	})
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:02", "aa:bb:cc:dd:ee:03"}, hws)
}

func TestRegistry_Consumers(t *testing.T) {
	r := NewRegistry()
	var calls []string
	removeA := r.AddConsumer("aa:bb:cc:dd:ee:01", csi.KindCSI, func(csi.Frame) { calls = append(calls, "a") })
	r.AddConsumer("aa:bb:cc:dd:ee:01", csi.KindCSI, func(csi.Frame) { calls = append(calls, "b") })
	r.AddConsumer("aa:bb:cc:dd:ee:01", csi.KindAcceleration, func(csi.Frame) { calls = append(calls, "accel") })

	for _, c := range r.Consumers("AA:BB:CC:DD:EE:01", csi.KindCSI) {
		c(nil)
	}
	assert.Equal(t, []string{"a", "b"}, calls)

	removeA()
	removeA()
	calls = nil
	for _, c := range r.Consumers("aa:bb:cc:dd:ee:01", csi.KindCSI) {
		c(nil)
	}
	assert.Equal(t, []string{"b"}, calls)
	assert.Nil(t, r.Consumers("aa:bb:cc:dd:ee:09", csi.KindCSI))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hw := "aa:bb:cc:dd:ee:" + strconv.FormatInt(int64(16+i), 16)
			l, err := NewStationLink(newTestStation(hw, "10.0.1."+strconv.Itoa(i), csi.DataTypeAtheros), NewMockUDPSocket(), LinkConfig{})
			if err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < 100; j++ {
				if err := r.Add(l); err != nil {
					t.Error(err)
					return
				}
				remove := r.AddConsumer(hw, csi.KindCSI, func(csi.Frame) {})
				_ = r.Lookup(l.Addr().IP)
				_ = r.Consumers(hw, csi.KindCSI)
				r.Range(func(Link) bool { return true })
				remove()
				r.Remove(hw)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
