package accelerator

import (
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/uctcore/pkg/network"
	"github.com/orneryd/uctcore/pkg/position"
	"github.com/orneryd/uctcore/pkg/weights"
)

func zeros(n int) string {
	toks := make([]string, n)
	for i := range toks {
		toks[i] = "0"
	}
	return strings.Join(toks, " ")
}

func buildZeroWeights(channels, blocks int) string {
	const inputChannels, pi, po, vi, vc = 112, 8, 1858, 32, 128
	var b strings.Builder
	line := func(n int) { b.WriteString(zeros(n)); b.WriteByte('\n') }
	b.WriteString("2\n")
	line(channels * inputChannels * 9)
	line(channels)
	line(channels)
	line(channels)
	for i := 0; i < 2*blocks; i++ {
		line(channels * channels * 9)
		line(channels)
		line(channels)
		line(channels)
	}
	line(pi * channels)
	line(pi)
	line(pi)
	line(pi)
	line(pi * 64 * po)
	line(po)
	line(vi * channels)
	line(vi)
	line(vi)
	line(vi)
	line(vi * 64 * vc)
	line(vc)
	line(vc)
	line(1)
	return b.String()
}

func testNet(t *testing.T, channels, blocks int) *network.Network {
	t.Helper()
	w, err := weights.Load(strings.NewReader(buildZeroWeights(channels, blocks)), logr.Discard())
	require.NoError(t, err)
	return network.New(w)
}

func testPlanes(n *network.Network) []position.Plane {
	out := make([]position.Plane, n.InputPlanes())
	for i := range out {
		out[i] = position.Plane{Mask: 1, Value: 0.5}
	}
	return out
}

type fakeBackend struct {
	bias float32
}

func (f fakeBackend) Evaluate(planes []position.Plane) (policyLogits, valueActivations []float32, err error) {
	return []float32{f.bias, f.bias}, []float32{f.bias}, nil
}

func TestCPUBackendMatchesNetworkRaw(t *testing.T) {
	n := testNet(t, 4, 1)
	cpu := NewCPU(n)
	planes := testPlanes(n)

	policy, value, err := cpu.Evaluate(planes)
	require.NoError(t, err)

	scratch := network.NewScratch(n)
	wantPolicy, wantValue, err := n.EvaluateRaw(planes, scratch)
	require.NoError(t, err)

	assert.Equal(t, wantPolicy, policy)
	assert.Equal(t, wantValue, value)
}

func TestSelfCheckedTriggersEveryCallWhenSampleRateOne(t *testing.T) {
	fast := fakeBackend{bias: 0}
	ref := fakeBackend{bias: 0}
	cfg := SelfCheckedConfig{SampleRate: 1, MinGames: 2000}
	sc := NewSelfChecked(fast, ref, cfg, logr.Discard(), 1)

	for i := 0; i < 3; i++ {
		_, _, err := sc.Evaluate(nil)
		require.NoError(t, err)
	}
	// Each clean check earns one credit, so three calls that all ran the
	// reference comparison leave the credit three above its start.
	assert.Equal(t, cfg.creditUnit()+3, sc.credit)
}

func TestSelfCheckedFatalBelowCreditThreshold(t *testing.T) {
	fast := fakeBackend{bias: 10} // wildly different from ref -> always mismatches
	ref := fakeBackend{bias: 0}
	cfg := SelfCheckedConfig{SampleRate: 1, MinGames: 2}
	sc := NewSelfChecked(fast, ref, cfg, logr.Discard(), 1)

	unit := cfg.creditUnit()
	var lastErr error
	for i := int64(0); i < unit+2; i++ {
		_, _, err := sc.Evaluate(nil)
		if err != nil {
			lastErr = err
			break
		}
	}
	require.Error(t, lastErr)
	var scErr *SelfCheckError
	require.ErrorAs(t, lastErr, &scErr)
}

func TestSelfCheckedTolerateWithinThreshold(t *testing.T) {
	fast := fakeBackend{bias: 1}
	ref := fakeBackend{bias: 1.05} // within 10% relative error
	cfg := SelfCheckedConfig{SampleRate: 1, MinGames: 2000}
	sc := NewSelfChecked(fast, ref, cfg, logr.Discard(), 1)

	_, _, err := sc.Evaluate(nil)
	require.NoError(t, err)
}

func TestMaxRelErrorSignFlip(t *testing.T) {
	got := maxRelError([]float32{1}, []float32{-1})
	assert.Equal(t, float32(1), got)
}

func TestMaxRelErrorClampsSmallValues(t *testing.T) {
	// b is below the 1e-3 clamp floor; relative error is computed
	// against the clamped denominator, not the tiny raw value.
	got := maxRelError([]float32{0.002}, []float32{0.0001})
	assert.InDelta(t, float64((0.002-0.0001)/1e-3), float64(got), 1e-4)
}
