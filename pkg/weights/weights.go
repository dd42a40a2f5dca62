// Package weights loads the text (optionally gzip-compressed) weight
// file into the immutable arrays the network forward pass consumes.
// Loading is a two-pass process: pass one sizes the tower (channel
// count, residual-block count) from the line structure alone, pass two
// parses every line into its destination array, folds convolution
// biases into the adjacent batch-norm means, and pre-runs the Winograd
// filter transform on every 3x3 convolution so inference never pays for
// it again.
package weights

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"

	"github.com/orneryd/uctcore/pkg/winograd"
)

// bnEpsilon is the epsilon added before taking the reciprocal square
// root of batch-norm variance. Not exposed by the weight file format;
// spec leaves this an implementation choice and recommends the typical
// training-time default (see DESIGN.md).
const bnEpsilon = 1e-5

// FormatVersion selects between the two recognized policy-head shapes.
type FormatVersion int

const (
	FormatV1 FormatVersion = 1
	FormatV2 FormatVersion = 2
	// MaxFormatVersion is the highest version this loader recognizes.
	MaxFormatVersion = 2

	valueInputChannels = 32
	valueChannels      = 128
)

type versionSpec struct {
	InputChannels       int
	HistoryPlanes       int
	PolicyInputChannels int
	PolicyOutputWidth   int
}

var versionSpecs = map[FormatVersion]versionSpec{
	FormatV1: {InputChannels: 18, HistoryPlanes: 8, PolicyInputChannels: 32, PolicyOutputWidth: 1858},
	FormatV2: {InputChannels: 112, HistoryPlanes: 8, PolicyInputChannels: 8, PolicyOutputWidth: 1858},
}

// LoadError reports a fatal problem with a weight stream: a read or
// gzip failure, bad version, a parse failure at a specific line, or a
// structural count mismatch. Opening the file is the caller's job, so a
// missing file never reaches Load.
type LoadError struct {
	Line int // 0 if not line-specific
	Msg  string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("weights: line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("weights: %s", e.Msg)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ConvLayer is one Winograd-transformed 3x3 convolution plus its folded
// batch-norm parameters.
type ConvLayer struct {
	Filter   *winograd.FilterTransform
	BNMean   []float32
	BNStddev []float32
}

// Head1x1 is a 1x1-conv + batch-norm + fully-connected stack shared by
// the shape of the policy and value heads (they differ only in what
// follows the first FC layer).
type Head1x1 struct {
	ConvW    []float32 // [outCh][Kch]
	BNMean   []float32 // [outCh]
	BNStddev []float32 // [outCh]
	InCh     int       // Kch (tower width feeding the head)
	OutCh    int
}

// PolicyHead is the 1x1 conv/bn stack plus the fully-connected layer to
// policy logits.
type PolicyHead struct {
	Head1x1
	FCW []float32 // [OutCh*64][Po]
	FCB []float32 // [Po]
	Po  int
}

// ValueHead is the 1x1 conv/bn stack plus the two fully-connected
// layers down to a scalar.
type ValueHead struct {
	Head1x1
	FC1W []float32 // [OutCh*64][Vc]
	FC1B []float32 // [Vc]
	FC2W []float32 // [Vc]
	FC2B float32
	Vc   int
}

// Weights is the immutable, frozen result of loading a weight file.
// Every array here is safe to share across goroutines without
// synchronization: nothing touches it again after Load returns.
type Weights struct {
	Version       FormatVersion
	Channels      int // residual tower width, Kch
	Blocks        int
	InputChannels int // C, planes fed into the input conv
	HistoryPlanes int

	InputConv     ConvLayer
	ResidualConvs []ConvLayer // length 2*Blocks

	Policy PolicyHead
	Value  ValueHead
}

// ProbeResult is the minimal structural summary Probe reports without
// parsing the full convolution payload.
type ProbeResult struct {
	Version  FormatVersion
	Channels int
	Blocks   int
}

// Probe reports a weight file's version/channel/block structure
// without materializing the convolution arrays, for quick
// compatibility checks (e.g. the `think probe` subcommand).
func Probe(r io.Reader) (ProbeResult, error) {
	lines, err := readLines(r)
	if err != nil {
		return ProbeResult{}, err
	}
	version, err := parseVersion(lines)
	if err != nil {
		return ProbeResult{}, err
	}
	spec := versionSpecs[version]
	channels, err := deriveChannels(lines, spec.InputChannels)
	if err != nil {
		return ProbeResult{}, err
	}
	blocks, err := deriveBlocks(lines)
	if err != nil {
		return ProbeResult{}, err
	}
	return ProbeResult{Version: version, Channels: channels, Blocks: blocks}, nil
}

// Load parses a weight file from r, transparently gunzipping when the
// gzip magic bytes are present, and returns the frozen weight arrays
// ready for inference.
func Load(r io.Reader, log logr.Logger) (*Weights, error) {
	buffered := bufio.NewReader(r)
	magic, err := buffered.Peek(2)
	if err == nil && len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, gerr := gzip.NewReader(buffered)
		if gerr != nil {
			return nil, &LoadError{Msg: "invalid gzip stream", Err: gerr}
		}
		defer gz.Close()
		return load(gz, log)
	}
	return load(buffered, log)
}

func load(r io.Reader, log logr.Logger) (*Weights, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}

	version, err := parseVersion(lines)
	if err != nil {
		return nil, err
	}
	spec := versionSpecs[version]

	channels, err := deriveChannels(lines, spec.InputChannels)
	if err != nil {
		return nil, err
	}
	blocks, err := deriveBlocks(lines)
	if err != nil {
		return nil, err
	}

	log.Info("parsed weight file header", "version", int(version), "channels", channels, "blocks", blocks)

	p := &parser{lines: lines, cursor: 1}

	w := &Weights{
		Version:       version,
		Channels:      channels,
		Blocks:        blocks,
		InputChannels: spec.InputChannels,
		HistoryPlanes: spec.HistoryPlanes,
	}

	w.InputConv, err = p.parseConv(spec.InputChannels, channels)
	if err != nil {
		return nil, err
	}

	w.ResidualConvs = make([]ConvLayer, 2*blocks)
	for i := 0; i < 2*blocks; i++ {
		w.ResidualConvs[i], err = p.parseConv(channels, channels)
		if err != nil {
			return nil, err
		}
	}

	w.Policy, err = p.parsePolicyHead(channels, spec.PolicyInputChannels, spec.PolicyOutputWidth)
	if err != nil {
		return nil, err
	}

	w.Value, err = p.parseValueHead(channels, valueInputChannels, valueChannels)
	if err != nil {
		return nil, err
	}

	log.Info("loaded weights", "policyOutputWidth", w.Policy.Po, "valueChannels", w.Value.Vc)
	return w, nil
}

func readLines(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, &LoadError{Msg: "read error", Err: err}
	}
	return lines, nil
}

func firstNonEmpty(lines []string) (int, string, bool) {
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			return i, l, true
		}
	}
	return 0, "", false
}

func parseVersion(lines []string) (FormatVersion, error) {
	idx, line, ok := firstNonEmpty(lines)
	if !ok {
		return 0, &LoadError{Msg: "empty weight file"}
	}
	v, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || v <= 0 || v > MaxFormatVersion {
		return 0, &LoadError{Line: idx + 1, Msg: fmt.Sprintf("invalid format version %q", line)}
	}
	return FormatVersion(v), nil
}

func deriveChannels(lines []string, inputChannels int) (int, error) {
	if len(lines) < 2 {
		return 0, &LoadError{Msg: "missing weight lines"}
	}
	tokens := strings.Fields(lines[1])
	if inputChannels == 0 || len(tokens)%(inputChannels*9) != 0 {
		return 0, &LoadError{Line: 2, Msg: "cannot determine channel count from input conv line"}
	}
	channels := len(tokens) / (inputChannels * 9)
	if channels <= 0 {
		return 0, &LoadError{Line: 2, Msg: "non-positive channel count"}
	}
	return channels, nil
}

func deriveBlocks(lines []string) (int, error) {
	numerator := len(lines) - 1 - 4 - 14
	if numerator < 0 || numerator%8 != 0 {
		return 0, &LoadError{Msg: fmt.Sprintf("line count %d does not satisfy residual-block divisibility rule", len(lines))}
	}
	return numerator / 8, nil
}

type parser struct {
	lines  []string
	cursor int // index into lines of the next line to consume
}

func (p *parser) next() (string, int, error) {
	for p.cursor < len(p.lines) {
		line := p.lines[p.cursor]
		lineNo := p.cursor + 1
		p.cursor++
		return line, lineNo, nil
	}
	return "", 0, &LoadError{Msg: "unexpected end of weight file"}
}

func (p *parser) floats(n int) ([]float32, error) {
	line, lineNo, err := p.next()
	if err != nil {
		return nil, err
	}
	tokens := strings.Fields(line)
	if len(tokens) != n {
		return nil, &LoadError{Line: lineNo, Msg: fmt.Sprintf("expected %d tokens, got %d", n, len(tokens))}
	}
	out := make([]float32, n)
	for i, tok := range tokens {
		f, err := strconv.ParseFloat(tok, 32)
		if err != nil {
			return nil, &LoadError{Line: lineNo, Msg: fmt.Sprintf("malformed float %q", tok), Err: err}
		}
		out[i] = float32(f)
	}
	return out, nil
}

// parseConv reads the 4-line (weights, biases, bn-mean, bn-variance)
// group for one 3x3 convolution from Cin to Cout channels, folds the
// bias into the mean, converts variance to reciprocal stddev, and runs
// the Winograd filter transform.
func (p *parser) parseConv(cin, cout int) (ConvLayer, error) {
	g, err := p.floats(cout * cin * 9)
	if err != nil {
		return ConvLayer{}, err
	}
	bias, err := p.floats(cout)
	if err != nil {
		return ConvLayer{}, err
	}
	mean, err := p.floats(cout)
	if err != nil {
		return ConvLayer{}, err
	}
	variance, err := p.floats(cout)
	if err != nil {
		return ConvLayer{}, err
	}

	stddev := varianceToRecipStddev(variance)
	foldBias(mean, bias)

	return ConvLayer{
		Filter:   winograd.TransformFilter(g, cin, cout),
		BNMean:   mean,
		BNStddev: stddev,
	}, nil
}

func varianceToRecipStddev(variance []float32) []float32 {
	out := make([]float32, len(variance))
	for i, v := range variance {
		out[i] = recipSqrt(v + bnEpsilon)
	}
	return out
}

func recipSqrt(v float32) float32 {
	// Load-time only; float64 round-trip costs nothing here.
	return float32(1 / math.Sqrt(float64(v)))
}

func foldBias(mean, bias []float32) {
	for i := range mean {
		mean[i] -= bias[i]
		bias[i] = 0
	}
}

func (p *parser) parsePolicyHead(channels, pi, po int) (PolicyHead, error) {
	convW, err := p.floats(pi * channels)
	if err != nil {
		return PolicyHead{}, err
	}
	convB, err := p.floats(pi)
	if err != nil {
		return PolicyHead{}, err
	}
	mean, err := p.floats(pi)
	if err != nil {
		return PolicyHead{}, err
	}
	variance, err := p.floats(pi)
	if err != nil {
		return PolicyHead{}, err
	}
	if len(mean) != len(convB) {
		return PolicyHead{}, &LoadError{Msg: "malformed weights: policy bn/bias length mismatch"}
	}
	fcW, err := p.floats(pi * 64 * po)
	if err != nil {
		return PolicyHead{}, err
	}
	fcB, err := p.floats(po)
	if err != nil {
		return PolicyHead{}, err
	}

	stddev := varianceToRecipStddev(variance)
	foldBias(mean, convB)

	return PolicyHead{
		Head1x1: Head1x1{ConvW: convW, BNMean: mean, BNStddev: stddev, InCh: channels, OutCh: pi},
		FCW:     fcW,
		FCB:     fcB,
		Po:      po,
	}, nil
}

func (p *parser) parseValueHead(channels, vi, vc int) (ValueHead, error) {
	convW, err := p.floats(vi * channels)
	if err != nil {
		return ValueHead{}, err
	}
	convB, err := p.floats(vi)
	if err != nil {
		return ValueHead{}, err
	}
	mean, err := p.floats(vi)
	if err != nil {
		return ValueHead{}, err
	}
	variance, err := p.floats(vi)
	if err != nil {
		return ValueHead{}, err
	}
	if len(mean) != len(convB) {
		return ValueHead{}, &LoadError{Msg: "malformed weights: value bn/bias length mismatch"}
	}
	fc1W, err := p.floats(vi * 64 * vc)
	if err != nil {
		return ValueHead{}, err
	}
	fc1B, err := p.floats(vc)
	if err != nil {
		return ValueHead{}, err
	}
	fc2W, err := p.floats(vc)
	if err != nil {
		return ValueHead{}, err
	}
	fc2B, err := p.floats(1)
	if err != nil {
		return ValueHead{}, err
	}

	stddev := varianceToRecipStddev(variance)
	foldBias(mean, convB)

	return ValueHead{
		Head1x1: Head1x1{ConvW: convW, BNMean: mean, BNStddev: stddev, InCh: channels, OutCh: vi},
		FC1W:    fc1W,
		FC1B:    fc1B,
		FC2W:    fc2W,
		FC2B:    fc2B[0],
		Vc:      vc,
	}, nil
}
