package router

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cbegin/stemhost-go/internal/tags"
)

// MasterBus always exists and receives every unit.
const MasterBus = "Master"

// Bus is a named planar accumulation buffer.
type Bus struct {
	Name     string
	Channels [][]float32
}

func newBus(name string, channels, frames int) *Bus {
	b := &Bus{Name: name}
	b.reshape(channels, frames)
	return b
}

func (b *Bus) reshape(channels, frames int) {
	if channels < 0 {
		channels = 0
	}
	if len(b.Channels) == channels {
		ok := true
		for _, ch := range b.Channels {
			if cap(ch) < frames {
				ok = false
				break
			}
		}
		if ok {
			for i := range b.Channels {
				b.Channels[i] = b.Channels[i][:frames]
			}
			return
		}
	}
	b.Channels = make([][]float32, channels)
	for i := range b.Channels {
		b.Channels[i] = make([]float32, frames)
	}
}

func (b *Bus) clear(n int) {
	for _, ch := range b.Channels {
		m := n
		if m > len(ch) {
			m = len(ch)
		}
		clear(ch[:m])
	}
}

// busTable is published atomically; it is never mutated after Store.
type busTable struct {
	byName map[string]*Bus
	names  []string // Master first, then stems in definition order
	stems  []StemDefinition
}

// Router mixes unit output into Master and at most one stem bus chosen by
// tag rules. Configuration methods run off the audio goroutine and publish
// copies; BeginBlock, RouteAudio and Bus read without locking.
type Router struct {
	mu         sync.Mutex // serializes writers
	table      atomic.Pointer[busTable]
	index      tags.Index
	sampleRate float64
	maxBlock   int
	channels   int
}

func New() *Router {
	r := &Router{channels: 2}
	r.table.Store(&busTable{
		byName: map[string]*Bus{MasterBus: newBus(MasterBus, 2, 0)},
		names:  []string{MasterBus},
	})
	return r
}

// Prepare reallocates every bus to channels × maxBlockSize and recreates
// Master plus one bus per configured stem.
func (r *Router) Prepare(sampleRate float64, maxBlockSize, channels int) {
	if maxBlockSize <= 0 || channels <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sampleRate = sampleRate
	r.maxBlock = maxBlockSize
	r.channels = channels
	old := r.table.Load()
	r.table.Store(r.buildTableLocked(old.stems, nil, old.names))
}

// buildTableLocked creates a table for Master, stems and any extra bus
// names. Buses present in reuse with a matching shape are carried over.
func (r *Router) buildTableLocked(stems []StemDefinition, reuse map[string]*Bus, extra []string) *busTable {
	t := &busTable{
		byName: make(map[string]*Bus, len(stems)+1),
		names:  make([]string, 0, len(stems)+1),
		stems:  stems,
	}
	add := func(name string) {
		if _, exists := t.byName[name]; exists {
			return
		}
		b, ok := reuse[name]
		if !ok || len(b.Channels) != r.channels || (len(b.Channels) > 0 && cap(b.Channels[0]) < r.maxBlock) {
			b = newBus(name, r.channels, r.maxBlock)
		}
		t.byName[name] = b
		t.names = append(t.names, name)
	}
	add(MasterBus)
	for _, s := range stems {
		add(s.Name)
	}
	for _, name := range extra {
		add(name)
	}
	return t
}

// EnsureBus returns the named bus, creating it when missing. Empty names are
// rejected.
func (r *Router) EnsureBus(name string) *Bus {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if b := r.Bus(name); b != nil {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.table.Load()
	if b, ok := old.byName[name]; ok {
		return b
	}
	t := &busTable{
		byName: make(map[string]*Bus, len(old.byName)+1),
		names:  append(append([]string(nil), old.names...), name),
		stems:  old.stems,
	}
	for k, v := range old.byName {
		t.byName[k] = v
	}
	b := newBus(name, r.channels, r.maxBlock)
	t.byName[name] = b
	r.table.Store(t)
	return b
}

// BeginBlock makes sure every bus can hold numSamples frames and clears only
// that prefix.
func (r *Router) BeginBlock(numSamples int) {
	if numSamples <= 0 {
		return
	}
	t := r.table.Load()
	for _, name := range t.names {
		b := t.byName[name]
		if len(b.Channels) == 0 || len(b.Channels[0]) < numSamples {
			b.reshape(max(len(b.Channels), 1), numSamples)
		}
		b.clear(numSamples)
	}
}

// RouteAudio adds src into Master and into the stem bus selected by the
// unit's tags, if any.
func (r *Router) RouteAudio(unitID string, src [][]float32, numSamples int) {
	if unitID == "" || numSamples <= 0 || len(src) == 0 {
		return
	}
	t := r.table.Load()
	if master := t.byName[MasterBus]; master != nil {
		mix(master, src, numSamples)
	}
	stem, ok := matchStem(t.stems, r.index.Lookup(unitID))
	if !ok || stem == MasterBus {
		return
	}
	if b := t.byName[stem]; b != nil {
		mix(b, src, numSamples)
	}
}

func mix(dst *Bus, src [][]float32, n int) {
	if len(src) == 1 && len(dst.Channels) >= 2 {
		s := src[0]
		for c := 0; c < 2; c++ {
			addInto(dst.Channels[c], s, n)
		}
		return
	}
	channels := min(len(src), len(dst.Channels))
	for c := 0; c < channels; c++ {
		addInto(dst.Channels[c], src[c], n)
	}
}

func addInto(dst, src []float32, n int) {
	n = min(n, len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] += src[i]
	}
}

// matchStem returns the first stem, in definition order, owning a rule the
// unit's tags fully satisfy.
func matchStem(stems []StemDefinition, unitTags tags.Set) (string, bool) {
	if len(unitTags) == 0 {
		return "", false
	}
	for _, s := range stems {
		for _, rule := range s.Rules {
			if unitTags.ContainsAll(rule.Tags) {
				return s.Name, true
			}
		}
	}
	return "", false
}

// MatchStem reports which stem bus unitID routes to under the current rules.
func (r *Router) MatchStem(unitID string) (string, bool) {
	stem, ok := matchStem(r.table.Load().stems, r.index.Lookup(unitID))
	if !ok || stem == MasterBus {
		return "", false
	}
	return stem, true
}

// RebuildTagIndex rebuilds the unit tag index from the roster and swaps it in.
func (r *Router) RebuildTagIndex(roster []tags.RosterEntry) {
	r.index.Rebuild(roster)
}

// Tags returns the normalized tag set currently indexed for unitID.
func (r *Router) Tags(unitID string) tags.Set {
	return r.index.Lookup(unitID)
}

// SetStemRules installs normalized stem definitions. Buses for stems that
// disappeared are removed (Master is kept) and buses for new stems are
// created.
func (r *Router) SetStemRules(defs []StemDefinition) {
	stems := NormalizeStems(defs)
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.table.Load()
	r.table.Store(r.buildTableLocked(stems, old.byName, nil))
}

// StemDefinitions returns a copy of the installed, normalized definitions.
func (r *Router) StemDefinitions() []StemDefinition {
	return cloneStems(r.table.Load().stems)
}

// Bus returns the named bus or nil.
func (r *Router) Bus(name string) *Bus {
	return r.table.Load().byName[name]
}

// BusNames lists buses with Master first, then stems in definition order.
func (r *Router) BusNames() []string {
	return append([]string(nil), r.table.Load().names...)
}

// RenderBuses lists Master plus every stem flagged for rendering.
func (r *Router) RenderBuses() []string {
	t := r.table.Load()
	out := []string{MasterBus}
	for _, s := range t.stems {
		if s.RenderEnabled && s.Name != MasterBus {
			out = append(out, s.Name)
		}
	}
	return out
}

// CalculateRMSPerBus computes the RMS over all channels and the first
// numSamples frames of each bus.
func (r *Router) CalculateRMSPerBus(numSamples int) map[string]float64 {
	t := r.table.Load()
	out := make(map[string]float64, len(t.names))
	for _, name := range t.names {
		out[name] = rms(t.byName[name], numSamples)
	}
	return out
}

func rms(b *Bus, n int) float64 {
	if len(b.Channels) == 0 || n <= 0 {
		return 0
	}
	var sum float64
	var count int
	for _, ch := range b.Channels {
		m := min(n, len(ch))
		for _, s := range ch[:m] {
			sum += float64(s) * float64(s)
		}
		count += m
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(count))
}

// Channels returns the configured channel count shared by every bus.
func (r *Router) Channels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels
}
