package planner

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// ---------------------------------------------------------------------------
// Filter graph
//
// Plans are built on ffmpeg-go streams: the library owns pad labels, input
// numbering and serialization to -filter_complex. Graph is a thin layer on
// top that tags every stream as video or audio and lets each stream feed
// exactly one consumer. A source read more than once is split explicitly.
// ---------------------------------------------------------------------------

// StreamKind is the media type carried by a pad.
type StreamKind int

const (
	KindVideo StreamKind = iota
	KindAudio
)

func (k StreamKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Pad is a stream in the graph tagged with its media kind.
type Pad struct {
	Stream *ffmpeg.Stream
	Kind   StreamKind
}

// IsZero reports whether the pad is unset.
func (p Pad) IsZero() bool {
	return p.Stream == nil
}

// Option is one named filter argument.
type Option struct {
	Key   string
	Value string
}

// Filter is a single filter node, e.g. fade=t=in:st=0:d=1. Args are
// positional; Options are named.
type Filter struct {
	Name    string
	Args    []string
	Options []Option
}

// NewFilter builds a filter from alternating key/value strings. An empty key
// makes the value positional.
func NewFilter(name string, kv ...string) Filter {
	f := Filter{Name: name}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == "" {
			f.Args = append(f.Args, kv[i+1])
			continue
		}
		f.Options = append(f.Options, Option{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

func (f Filter) kwargs() ffmpeg.KwArgs {
	kw := ffmpeg.KwArgs{}
	for _, opt := range f.Options {
		kw[opt.Key] = opt.Value
	}
	return kw
}

// String renders the filter as it appears in -filter_complex: positional
// arguments first, then options in key order.
func (f Filter) String() string {
	params := append([]string(nil), f.Args...)
	opts := append([]Option(nil), f.Options...)
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Key < opts[j].Key })
	for _, opt := range opts {
		params = append(params, opt.Key+"="+opt.Value)
	}
	if len(params) == 0 {
		return f.Name
	}
	return f.Name + "=" + strings.Join(params, ":")
}

// Graph is one ffmpeg filter graph under construction.
type Graph struct {
	inputs   map[string]*ffmpeg.Stream
	files    []string
	read     map[string]bool
	kinds    map[*ffmpeg.Stream]StreamKind
	consumed map[*ffmpeg.Stream]bool
	filters  int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		inputs:   make(map[string]*ffmpeg.Stream),
		read:     make(map[string]bool),
		kinds:    make(map[*ffmpeg.Stream]StreamKind),
		consumed: make(map[*ffmpeg.Stream]bool),
	}
}

// Input returns n independent pads reading the video or audio stream of the
// file at path. Ask for every branch at once: a second call for the same
// stream is an error. With n > 1 the stream is split (split/asplit) so each
// consumer gets its own copy.
func (g *Graph) Input(path string, kind StreamKind, n int) ([]Pad, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty input path", ErrGraph)
	}
	in, err := g.source(path, kind, ffmpeg.KwArgs{}, true)
	if err != nil {
		return nil, err
	}
	s := in.Video()
	if kind == KindAudio {
		s = in.Audio()
	}
	return g.branches(s, kind, n)
}

// Silence returns n pads of endless silence in the canvas audio format,
// read from a single lavfi anullsrc input. Consumers bound each branch
// with atrim.
func (g *Graph) Silence(cfg RenderConfig, n int) ([]Pad, error) {
	src := NewFilter("anullsrc",
		"channel_layout", cfg.ChannelLayout,
		"sample_rate", strconv.Itoa(cfg.SampleRate),
	)
	in, err := g.source(src.String(), KindAudio, ffmpeg.KwArgs{"f": "lavfi"}, false)
	if err != nil {
		return nil, err
	}
	return g.branches(in, KindAudio, n)
}

func (g *Graph) source(name string, kind StreamKind, kwargs ffmpeg.KwArgs, file bool) (*ffmpeg.Stream, error) {
	key := name + "|" + kind.String()
	if g.read[key] {
		return nil, fmt.Errorf("%w: %s stream of %s is already read", ErrGraph, kind, name)
	}
	g.read[key] = true

	in, ok := g.inputs[name]
	if !ok {
		in = ffmpeg.Input(name, kwargs)
		g.inputs[name] = in
		if file {
			g.files = append(g.files, name)
		}
	}
	return in, nil
}

func (g *Graph) branches(s *ffmpeg.Stream, kind StreamKind, n int) ([]Pad, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: %d branches requested", ErrGraph, n)
	}
	if n == 1 {
		return []Pad{g.track(s, kind)}, nil
	}

	name := "split"
	if kind == KindAudio {
		name = "asplit"
	}
	node := ffmpeg.FilterMultiOutput([]*ffmpeg.Stream{s}, name, ffmpeg.Args{strconv.Itoa(n)})
	g.filters++

	pads := make([]Pad, n)
	for i := range pads {
		pads[i] = g.track(node.Get(strconv.Itoa(i)), kind)
	}
	return pads, nil
}

func (g *Graph) track(s *ffmpeg.Stream, kind StreamKind) Pad {
	g.kinds[s] = kind
	return Pad{Stream: s, Kind: kind}
}

// check verifies that p belongs to this graph, has the kind it claims and
// has not been consumed yet.
func (g *Graph) check(p Pad) error {
	if p.IsZero() {
		return fmt.Errorf("%w: unset pad", ErrGraph)
	}
	kind, ok := g.kinds[p.Stream]
	if !ok {
		return fmt.Errorf("%w: %s pad is not part of this graph", ErrGraph, p.Kind)
	}
	if kind != p.Kind {
		return fmt.Errorf("%w: %s pad used as %s", ErrGraph, kind, p.Kind)
	}
	if g.consumed[p.Stream] {
		return fmt.Errorf("%w: %s pad consumed twice", ErrGraph, kind)
	}
	return nil
}

// Apply runs filters over in and returns the output pad, which has the same
// kind as the input.
func (g *Graph) Apply(in Pad, filters ...Filter) (Pad, error) {
	if len(filters) == 0 {
		return Pad{}, fmt.Errorf("%w: chain has no filters", ErrGraph)
	}
	if err := g.check(in); err != nil {
		return Pad{}, err
	}
	g.consumed[in.Stream] = true

	s := in.Stream
	for _, f := range filters {
		s = s.Filter(f.Name, ffmpeg.Args(f.Args), f.kwargs())
	}
	g.filters += len(filters)
	return g.track(s, in.Kind), nil
}

// Concat joins (video, audio) pairs in order into one video and one audio
// stream.
func (g *Graph) Concat(pairs [][2]Pad) (video, audio Pad, err error) {
	if len(pairs) == 0 {
		return Pad{}, Pad{}, fmt.Errorf("%w: concat needs at least one segment", ErrGraph)
	}
	streams := make([]*ffmpeg.Stream, 0, len(pairs)*2)
	for i, pair := range pairs {
		if pair[0].Kind != KindVideo || pair[1].Kind != KindAudio {
			return Pad{}, Pad{}, fmt.Errorf("%w: concat segment %d must be (video, audio)", ErrGraph, i)
		}
		for _, p := range pair {
			if err := g.check(p); err != nil {
				return Pad{}, Pad{}, fmt.Errorf("concat segment %d: %w", i, err)
			}
		}
		streams = append(streams, pair[0].Stream, pair[1].Stream)
	}
	for _, s := range streams {
		g.consumed[s] = true
	}

	node := ffmpeg.FilterMultiOutput(streams, "concat", nil, ffmpeg.KwArgs{
		"n": len(pairs),
		"v": 1,
		"a": 1,
	})
	g.filters++
	return g.track(node.Get("0"), KindVideo), g.track(node.Get("1"), KindAudio), nil
}

// Len returns the number of filter nodes.
func (g *Graph) Len() int {
	return g.filters
}

// Inputs returns the files the graph reads, in first-use order.
func (g *Graph) Inputs() []string {
	return append([]string(nil), g.files...)
}

// Compile returns the ffmpeg arguments, without the binary, that write outs
// to path with the given output options. Every out must be an unconsumed
// pad of this graph.
func (g *Graph) Compile(path string, kwargs ffmpeg.KwArgs, outs ...Pad) (args []string, err error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no output path", ErrGraph)
	}
	if len(outs) == 0 {
		return nil, fmt.Errorf("%w: nothing to output", ErrGraph)
	}
	streams := make([]*ffmpeg.Stream, len(outs))
	for i, p := range outs {
		if err := g.check(p); err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		streams[i] = p.Stream
	}
	if kwargs == nil {
		kwargs = ffmpeg.KwArgs{}
	}

	// ffmpeg-go reports malformed graphs by panicking.
	defer func() {
		if r := recover(); r != nil {
			args, err = nil, fmt.Errorf("%w: %v", ErrGraph, r)
		}
	}()
	return ffmpeg.Output(streams, path, kwargs).OverWriteOutput().GetArgs(), nil
}

// FilterComplex returns the -filter_complex value from an argument list, or
// "" when there is none.
func FilterComplex(args []string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-filter_complex" {
			return args[i+1]
		}
	}
	return ""
}

// Streams is the pair of streams a plan writes to its output file.
type Streams struct {
	Graph    *Graph
	VideoOut Pad
	AudioOut Pad
}

// Inputs returns the files the plan reads.
func (s *Streams) Inputs() []string {
	return s.Graph.Inputs()
}

// Args compiles the plan into ffmpeg arguments writing to output.
func (s *Streams) Args(output string, kwargs ffmpeg.KwArgs) ([]string, error) {
	return s.Graph.Compile(output, kwargs, s.VideoOut, s.AudioOut)
}

// FilterGraph returns the compiled -filter_complex text, or "" when the
// graph does not compile.
func (s *Streams) FilterGraph() string {
	args, err := s.Args("out.mp4", nil)
	if err != nil {
		return ""
	}
	return FilterComplex(args)
}

// formatFloat renders seconds and factors deterministically with at most six
// decimals and no trailing zeros.
func formatFloat(v float64) string {
	v = math.Round(v*1e6) / 1e6
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
