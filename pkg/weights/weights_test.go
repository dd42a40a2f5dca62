package weights

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildMinimalV2 constructs a well-formed, all-zero V2 weight file with
// the given tower width and block count, matching the line layout the
// loader expects: version, then (input conv) + 8*blocks (residual) +
// 6 (policy) + 8 (value) lines.
func buildMinimalV2(channels, blocks int) string {
	spec := versionSpecs[FormatV2]
	var b strings.Builder
	fmt.Fprintln(&b, int(FormatV2))

	writeConv := func(cin, cout int) {
		fmt.Fprintln(&b, zeros(cout*cin*9))
		fmt.Fprintln(&b, zeros(cout))
		fmt.Fprintln(&b, zeros(cout))
		fmt.Fprintln(&b, zeros(cout)) // variance
	}

	writeConv(spec.InputChannels, channels)
	for i := 0; i < 2*blocks; i++ {
		writeConv(channels, channels)
	}

	pi, po := spec.PolicyInputChannels, spec.PolicyOutputWidth
	fmt.Fprintln(&b, zeros(pi*channels))
	fmt.Fprintln(&b, zeros(pi))
	fmt.Fprintln(&b, zeros(pi))
	fmt.Fprintln(&b, zeros(pi))
	fmt.Fprintln(&b, zeros(pi*64*po))
	fmt.Fprintln(&b, zeros(po))

	vi, vc := valueInputChannels, valueChannels
	fmt.Fprintln(&b, zeros(vi*channels))
	fmt.Fprintln(&b, zeros(vi))
	fmt.Fprintln(&b, zeros(vi))
	fmt.Fprintln(&b, zeros(vi))
	fmt.Fprintln(&b, zeros(vi*64*vc))
	fmt.Fprintln(&b, zeros(vc))
	fmt.Fprintln(&b, zeros(vc))
	fmt.Fprintln(&b, zeros(1))

	return b.String()
}

func zeros(n int) string {
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = "0"
	}
	return strings.Join(tokens, " ")
}

func TestLoadMinimalV2AllZero(t *testing.T) {
	text := buildMinimalV2(8, 1)
	w, err := Load(strings.NewReader(text), logr.Discard())
	require.NoError(t, err)

	assert.Equal(t, FormatV2, w.Version)
	assert.Equal(t, 8, w.Channels)
	assert.Equal(t, 1, w.Blocks)
	assert.Len(t, w.ResidualConvs, 2)
	assert.Equal(t, 1858, w.Policy.Po)
}

func TestLoadGzippedWeights(t *testing.T) {
	text := buildMinimalV2(4, 0)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(text))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	w, err := Load(&buf, logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, 4, w.Channels)
	assert.Equal(t, 0, w.Blocks)
}

func TestLoadBiasFoldedIntoMean(t *testing.T) {
	spec := versionSpecs[FormatV2]
	var b strings.Builder
	fmt.Fprintln(&b, int(FormatV2))
	fmt.Fprintln(&b, zeros(1*spec.InputChannels*9))
	fmt.Fprintln(&b, "2") // bias
	fmt.Fprintln(&b, "5") // mean
	fmt.Fprintln(&b, "3") // variance

	pi, po := spec.PolicyInputChannels, spec.PolicyOutputWidth
	fmt.Fprintln(&b, zeros(pi*1))
	fmt.Fprintln(&b, zeros(pi))
	fmt.Fprintln(&b, zeros(pi))
	fmt.Fprintln(&b, zeros(pi))
	fmt.Fprintln(&b, zeros(pi*64*po))
	fmt.Fprintln(&b, zeros(po))

	vi, vc := valueInputChannels, valueChannels
	fmt.Fprintln(&b, zeros(vi*1))
	fmt.Fprintln(&b, zeros(vi))
	fmt.Fprintln(&b, zeros(vi))
	fmt.Fprintln(&b, zeros(vi))
	fmt.Fprintln(&b, zeros(vi*64*vc))
	fmt.Fprintln(&b, zeros(vc))
	fmt.Fprintln(&b, zeros(vc))
	fmt.Fprintln(&b, zeros(1))

	w, err := Load(strings.NewReader(b.String()), logr.Discard())
	require.NoError(t, err)
	assert.InDelta(t, 3, w.InputConv.BNMean[0], 1e-6) // 5 - 2
}

func TestLoadRejectsBadVersion(t *testing.T) {
	_, err := Load(strings.NewReader("7\n1 2 3\n"), logr.Discard())
	require.Error(t, err)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	_, err := Load(strings.NewReader("2\n0 0 0\n"), logr.Discard())
	require.Error(t, err)
}

func TestLoadRejectsBadBlockDivisibility(t *testing.T) {
	spec := versionSpecs[FormatV2]
	var b strings.Builder
	fmt.Fprintln(&b, int(FormatV2))
	fmt.Fprintln(&b, zeros(1*spec.InputChannels*9))
	fmt.Fprintln(&b, zeros(1))
	fmt.Fprintln(&b, zeros(1))
	fmt.Fprintln(&b, zeros(1))
	fmt.Fprintln(&b, "extra line that should not exist")

	_, err := Load(strings.NewReader(b.String()), logr.Discard())
	require.Error(t, err)
}

func TestProbeMatchesLoad(t *testing.T) {
	text := buildMinimalV2(16, 2)
	probe, err := Probe(strings.NewReader(text))
	require.NoError(t, err)
	assert.Equal(t, FormatV2, probe.Version)
	assert.Equal(t, 16, probe.Channels)
	assert.Equal(t, 2, probe.Blocks)
}
