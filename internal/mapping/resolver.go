package mapping

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"formsync/internal/config"
	"formsync/internal/structcache"
)

// Resolver maps record keys onto a field inventory through four layers:
// exact reuse, structural components, fuzzy similarity with an optional
// LLM suggestion, and finally a skip.
type Resolver struct {
	cfg       config.MappingConfig
	exact     ExactSource
	suggester Suggester
	logger    *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithExactSource enables layer one.
func WithExactSource(s ExactSource) Option {
	return func(r *Resolver) { r.exact = s }
}

// WithSuggester enables the LLM step of layer three.
func WithSuggester(s Suggester) Option {
	return func(r *Resolver) { r.suggester = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(cfg config.MappingConfig, opts ...Option) *Resolver {
	r := &Resolver{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InventoryChecksum identifies an inventory for exact-mapping reuse.
func InventoryChecksum(inventory []structcache.FormFieldDescriptor) string {
	return structcache.FingerprintOf(inventory).Hash
}

type source struct {
	key   string
	value string
	sk    SemanticFieldKey
	text  string
}

type target struct {
	field structcache.FormFieldDescriptor
	sk    SemanticFieldKey
	text  string
	deflt bool
}

type candidate struct {
	source     string
	target     *target
	confidence float64
	factors    []string
	layer      Layer
}

// resolution tracks which sources and targets are taken in one run.
type resolution struct {
	bySource map[string]candidate
	claimed  map[string]string
}

// assign hands out targets greedily by confidence so that a contested target
// goes to the strongest claim and the loser moves on to its next candidate.
func (res *resolution) assign(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		if a.source != b.source {
			return a.source < b.source
		}
		return a.target.field.FieldKey < b.target.field.FieldKey
	})
	for _, c := range cands {
		if _, done := res.bySource[c.source]; done {
			continue
		}
		if _, taken := res.claimed[c.target.field.FieldKey]; taken {
			continue
		}
		res.bySource[c.source] = c
		res.claimed[c.target.field.FieldKey] = c.source
	}
}

// Resolve maps every record key. It never fails: keys no layer can place
// come back unresolved. The result is sorted by source key and is the same
// for the same record, inventory and collaborators.
func (r *Resolver) Resolve(ctx context.Context, record map[string]string, inventory []structcache.FormFieldDescriptor) []FieldMapping {
	sources := make([]source, 0, len(record))
	for k, v := range record {
		sources = append(sources, source{key: k, value: v, sk: DecomposeSource(k), text: CanonicalText(k)})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].key < sources[j].key })

	targets := make([]*target, 0, len(inventory))
	byKey := map[string]*target{}
	for _, f := range inventory {
		if _, dup := byKey[f.FieldKey]; dup {
			continue
		}
		t := &target{field: f, sk: DecomposeLabel(f.Label), text: Normalize(f.Label), deflt: isDefaultDetail(f.Label)}
		targets = append(targets, t)
		byKey[f.FieldKey] = t
	}
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].field.FieldKey < targets[j].field.FieldKey })

	res := &resolution{bySource: map[string]candidate{}, claimed: map[string]string{}}
	pending := func() []source {
		var out []source
		for _, s := range sources {
			if _, ok := res.bySource[s.key]; !ok {
				out = append(out, s)
			}
		}
		return out
	}

	if r.exact != nil {
		res.assign(r.exactCandidates(ctx, sources, byKey, InventoryChecksum(inventory)))
	}

	var structural []candidate
	for _, s := range pending() {
		for _, t := range targets {
			score, factors, ok := structuralScore(s.sk, t.sk, s.text, t.text, t.deflt, r.cfg)
			if ok && score >= r.cfg.AcceptThreshold {
				structural = append(structural, candidate{source: s.key, target: t, confidence: score, factors: factors, layer: LayerStructural})
			}
		}
	}
	res.assign(structural)

	var fuzzy []candidate
	for _, s := range pending() {
		for _, t := range targets {
			score, factors := fuzzyScore(s.sk, t.sk, s.text, t.text)
			if score >= r.cfg.FuzzyThreshold {
				fuzzy = append(fuzzy, candidate{source: s.key, target: t, confidence: score, factors: factors, layer: LayerFuzzy})
			}
		}
	}
	for i := range fuzzy {
		if fuzzy[i].confidence > MaxFuzzyConfidence {
			fuzzy[i].confidence = MaxFuzzyConfidence
		}
	}
	res.assign(fuzzy)

	if r.suggester != nil {
		r.suggest(ctx, pending(), targets, res)
	}

	out := make([]FieldMapping, 0, len(sources))
	for _, s := range sources {
		c, ok := res.bySource[s.key]
		if !ok {
			out = append(out, FieldMapping{SourceKey: s.key, Value: s.value, MatchingFactors: []string{}, Layer: LayerSkip})
			continue
		}
		out = append(out, FieldMapping{
			SourceKey:       s.key,
			TargetFieldKey:  c.target.field.FieldKey,
			TargetLabel:     c.target.field.Label,
			TabID:           c.target.field.TabID,
			Value:           s.value,
			Confidence:      clampConfidence(c.confidence),
			MatchingFactors: c.factors,
			Resolved:        true,
			Layer:           c.layer,
		})
	}

	sum := Summarize(out)
	r.logger.Info("Mapping resolved",
		zap.Int("total", sum.Total),
		zap.Int("resolved", sum.Resolved),
		zap.Int("unresolved", sum.Unresolved),
		zap.Int("exact", sum.ByLayer[LayerExact]),
		zap.Int("structural", sum.ByLayer[LayerStructural]),
		zap.Int("fuzzy", sum.ByLayer[LayerFuzzy]),
		zap.Int("llm", sum.ByLayer[LayerLLM]))
	return out
}

func (r *Resolver) exactCandidates(ctx context.Context, sources []source, byKey map[string]*target, checksum string) []candidate {
	var cands []candidate
	for _, s := range sources {
		key, ok, err := r.exact.Lookup(ctx, checksum, s.key)
		if err != nil {
			r.logger.Warn("Exact mapping lookup failed", zap.String("source", s.key), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		t, exists := byKey[key]
		if !exists || gendersConflict(s.sk.Gender, t.sk.Gender) {
			r.logger.Debug("Ignoring stale exact mapping", zap.String("source", s.key), zap.String("target", key))
			continue
		}
		cands = append(cands, candidate{source: s.key, target: t, confidence: MaxConfidence, factors: []string{"exact"}, layer: LayerExact})
	}
	return cands
}

// suggest asks the LLM about each still-pending key, offering only unclaimed
// targets of a compatible gender, most similar first.
func (r *Resolver) suggest(ctx context.Context, pending []source, targets []*target, res *resolution) {
	limit := r.cfg.MaxLLMCandidateCount
	if limit <= 0 {
		limit = 200
	}
	for _, s := range pending {
		if ctx.Err() != nil {
			return
		}

		type ranked struct {
			t   *target
			sim float64
		}
		var pool []ranked
		for _, t := range targets {
			if _, taken := res.claimed[t.field.FieldKey]; taken || gendersConflict(s.sk.Gender, t.sk.Gender) {
				continue
			}
			pool = append(pool, ranked{t: t, sim: similarity(s.text, t.text)})
		}
		if len(pool) == 0 {
			return
		}
		sort.SliceStable(pool, func(i, j int) bool { return pool[i].sim > pool[j].sim })
		if len(pool) > limit {
			pool = pool[:limit]
		}

		labels := make([]string, 0, len(pool))
		seen := map[string]bool{}
		for _, p := range pool {
			if !seen[p.t.field.Label] {
				seen[p.t.field.Label] = true
				labels = append(labels, p.t.field.Label)
			}
		}

		label, ok, err := r.suggester.Suggest(ctx, s.key, s.value, labels)
		if err != nil {
			r.logger.Warn("Suggester failed", zap.String("source", s.key), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		var pick *target
		for _, p := range pool {
			if p.t.field.Label == label || Normalize(p.t.field.Label) == Normalize(label) {
				pick = p.t
				break
			}
		}
		if pick == nil {
			r.logger.Debug("Suggestion names no known field", zap.String("source", s.key), zap.String("label", label))
			continue
		}
		res.assign([]candidate{{source: s.key, target: pick, confidence: r.cfg.LLMConfidence, factors: []string{"llm"}, layer: LayerLLM}})
	}
}
