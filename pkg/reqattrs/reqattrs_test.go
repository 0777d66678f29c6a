package reqattrs

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseApplyRoundTrip(t *testing.T) {
	a := Attributes{
		Origin:            "gw-origin.example",
		Hops:              3,
		OriginNodeRelease: "1.2.3",
		ArNSName:          "my-name",
		ArNSBasename:      "my",
		ArNSRecord:        "rec",
		Via:               []string{"gw-a", "gw-b"},
	}

	h := make(http.Header)
	a.Apply(h)

	parsed, err := Parse(h)
	require.NoError(t, err)
	assert.Equal(t, a.Origin, parsed.Origin)
	assert.Equal(t, a.Hops, parsed.Hops)
	assert.Equal(t, a.Via, parsed.Via)
}

func TestParseViaLowercasesModuloCase(t *testing.T) {
	h := make(http.Header)
	h.Set(HeaderVia, "GW-A, gw-B , GW-c")

	a, err := Parse(h)
	require.NoError(t, err)
	assert.Equal(t, []string{"gw-a", "gw-b", "gw-c"}, a.Via)
}

func TestParseRejectsInvalidHops(t *testing.T) {
	h := make(http.Header)
	h.Set(HeaderHops, "not-a-number")
	_, err := Parse(h)
	assert.Error(t, err)
}

func TestForOutboundIncrementsHopsAndAppendsVia(t *testing.T) {
	a := Attributes{Hops: 2, Via: []string{"gw-a"}}
	out := a.ForOutbound("GW-Self", "root.example")

	assert.Equal(t, uint32(3), out.Hops)
	assert.Equal(t, "root.example", out.Origin)
	assert.Equal(t, []string{"gw-a", "gw-self"}, out.Via)
	// original must not be mutated
	assert.Equal(t, []string{"gw-a"}, a.Via)
}

func TestForOutboundPreservesExplicitOrigin(t *testing.T) {
	a := Attributes{Origin: "client-set-origin"}
	out := a.ForOutbound("gw-self", "root.example")
	assert.Equal(t, "client-set-origin", out.Origin)
}

func TestExceedsMaxHops(t *testing.T) {
	a := Attributes{Hops: 10}
	assert.True(t, a.ExceedsMaxHops(10))
	assert.False(t, a.ExceedsMaxHops(11))
}

func TestViaContainsIsCaseInsensitive(t *testing.T) {
	a := Attributes{Via: []string{"gw-a", "gw-b"}}
	assert.True(t, a.ViaContains("GW-A"))
	assert.False(t, a.ViaContains("gw-c"))
}

func TestHopMonotonicityInvariant(t *testing.T) {
	inbound := Attributes{Hops: 5}
	outbound := inbound.ForOutbound("self", "root")
	assert.Greater(t, outbound.Hops, inbound.Hops)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "my-name", NormalizeName("  My-Name  "))
}
