package main

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/orneryd/uctcore/pkg/weights"
)

// V2 format-version constants per spec §3/§6, duplicated here (rather
// than exported from pkg/weights) since this is the one non-test place
// that needs to mint a file from scratch.
const (
	synthInputChannels       = 112
	synthPolicyInputChannels = 8
	synthPolicyOutputWidth   = 1858
	synthValueInputChannels  = 32
	synthValueChannels       = 128
)

// syntheticWeights builds a tiny, all-zero V2 weight file in memory and
// loads it, so "bench" has something to run against when the caller
// doesn't supply a real weight file.
func syntheticWeights() (*weights.Weights, error) {
	const channels, blocks = 8, 1
	text := buildZeroWeights(channels, blocks)
	w, err := weights.Load(strings.NewReader(text), logr.Discard())
	if err != nil {
		return nil, fmt.Errorf("synthetic weights: %w", err)
	}
	return w, nil
}

func buildZeroWeights(channels, blocks int) string {
	var b strings.Builder
	fmt.Fprintln(&b, int(weights.FormatV2))

	writeConv := func(cin, cout int) {
		fmt.Fprintln(&b, zeros(cout*cin*9))
		fmt.Fprintln(&b, zeros(cout))
		fmt.Fprintln(&b, zeros(cout))
		fmt.Fprintln(&b, zeros(cout))
	}

	writeConv(synthInputChannels, channels)
	for i := 0; i < 2*blocks; i++ {
		writeConv(channels, channels)
	}

	pi, po := synthPolicyInputChannels, synthPolicyOutputWidth
	fmt.Fprintln(&b, zeros(pi*channels))
	fmt.Fprintln(&b, zeros(pi))
	fmt.Fprintln(&b, zeros(pi))
	fmt.Fprintln(&b, zeros(pi))
	fmt.Fprintln(&b, zeros(pi*64*po))
	fmt.Fprintln(&b, zeros(po))

	vi, vc := synthValueInputChannels, synthValueChannels
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
