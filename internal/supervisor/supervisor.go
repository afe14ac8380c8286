// Package supervisor keeps the structure caches fresh and runs records end
// to end: cache validation, mapping, filling, and recording of the result.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"formsync/internal/discovery"
	"formsync/internal/fault"
	"formsync/internal/fill"
	"formsync/internal/mangle"
	"formsync/internal/mapping"
	"formsync/internal/record"
	"formsync/internal/store"
	"formsync/internal/structcache"
)

// Source says where an entry handed out by EnsureFresh came from.
type Source string

const (
	SourceCached      Source = "cached"
	SourceRegenerated Source = "regenerated"
	SourceSnapshot    Source = "snapshot"
)

// Freshness describes how an entry was obtained.
type Freshness struct {
	Source   Source `json:"source"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

// Discovery reads structure from the live session.
type Discovery interface {
	DiscoverFields(ctx context.Context, program string, only ...string) (structcache.FieldInventory, error)
	DiscoverLocations(ctx context.Context) (structcache.Hierarchy, error)
	Fingerprint(ctx context.Context) (structcache.FormFingerprint, error)
}

// Filler drives the session.
type Filler interface {
	EnsureLoggedIn(ctx context.Context) error
	Prepare(ctx context.Context, h structcache.Hierarchy, path []string, period string) error
	Fill(ctx context.Context, req fill.Request) (fill.SubmissionOutcome, error)
}

// Resolver builds the mapping table for a record.
type Resolver interface {
	Resolve(ctx context.Context, record map[string]string, inventory []structcache.FormFieldDescriptor) []mapping.FieldMapping
}

// MappingSaver persists exact pairs of successful runs.
type MappingSaver interface {
	Save(ctx context.Context, checksum string, pairs map[string]string) error
}

// Auditor stores one row per run.
type Auditor interface {
	RecordRun(ctx context.Context, r store.Run) error
}

// FactSink receives run facts.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Tracer writes the per-run trace.
type Tracer interface {
	Start(runID string) error
	Log(eventType string, data interface{})
	Path() string
}

// Scope names the form a record goes into. Empty fields fall back to the
// record metadata, then to the configured defaults.
type Scope struct {
	Program      string   `json:"program,omitempty"`
	LocationPath []string `json:"locationPath,omitempty"`
	Period       string   `json:"period,omitempty"`
}

// Defaults are the configured fallbacks for a Scope.
type Defaults struct {
	Program  string
	Location string
	Period   string
}

// Result is the report of one Run.
type Result struct {
	RunID     string                         `json:"runId"`
	Program   string                         `json:"program"`
	Location  []string                       `json:"location"`
	Outcome   fill.SubmissionOutcome         `json:"outcome"`
	Mappings  []mapping.FieldMapping         `json:"mappings,omitempty"`
	Freshness map[structcache.Kind]Freshness `json:"freshness"`
	TracePath string                         `json:"tracePath,omitempty"`
}

// Supervisor serializes runs over one session.
type Supervisor struct {
	mu sync.Mutex

	cache     *structcache.Cache
	discovery Discovery
	filler    Filler
	resolver  Resolver
	defaults  Defaults
	verify    bool

	mappings MappingSaver
	audit    Auditor
	facts    FactSink
	tracer   Tracer
	logger   *zap.Logger
	newID    func() string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithFingerprintCheck re-counts the live form before trusting a valid
// field inventory.
func WithFingerprintCheck(on bool) Option {
	return func(s *Supervisor) { s.verify = on }
}

func WithMappingSaver(m MappingSaver) Option {
	return func(s *Supervisor) { s.mappings = m }
}

func WithAuditor(a Auditor) Option {
	return func(s *Supervisor) { s.audit = a }
}

func WithFacts(f FactSink) Option {
	return func(s *Supervisor) { s.facts = f }
}

func WithTracer(t Tracer) Option {
	return func(s *Supervisor) { s.tracer = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIDs overrides run id generation.
func WithIDs(next func() string) Option {
	return func(s *Supervisor) { s.newID = next }
}

func New(cache *structcache.Cache, disc Discovery, filler Filler, resolver Resolver, defaults Defaults, opts ...Option) *Supervisor {
	s := &Supervisor{
		cache:     cache,
		discovery: disc,
		filler:    filler,
		resolver:  resolver,
		defaults:  defaults,
		logger:    zap.NewNop(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureFresh returns a usable entry of kind from the default program's
// cache, regenerating it when missing, expired or drifted. Fields can only
// be regenerated while a form is open on the session.
func (s *Supervisor) EnsureFresh(ctx context.Context, kind structcache.Kind) (structcache.Entry, Freshness, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureFresh(ctx, s.cache, kind)
}

func (s *Supervisor) ensureFresh(ctx context.Context, cache *structcache.Cache, kind structcache.Kind) (structcache.Entry, Freshness, error) {
	entry, ok := cache.Get(kind)
	reason := "missing"
	switch {
	case ok && entry.Valid(cache.Now()):
		if kind != structcache.KindFields || !s.verify {
			return entry, Freshness{Source: SourceCached}, nil
		}
		drifted, why, err := s.drifted(ctx, entry)
		if err != nil {
			s.logger.Warn("Fingerprint check failed, trusting cached fields", zap.Error(err))
			return entry, Freshness{Source: SourceCached}, nil
		}
		if !drifted {
			return entry, Freshness{Source: SourceCached}, nil
		}
		s.logger.Info("Form structure drifted", zap.String("program", cache.Program()), zap.String("why", why))
		reason = "drift"
	case ok:
		reason = "expired"
	}
	return s.regenerate(ctx, cache, kind, reason)
}

func (s *Supervisor) drifted(ctx context.Context, entry structcache.Entry) (bool, string, error) {
	inv, err := entry.Fields()
	if err != nil {
		return false, "", err
	}
	live, err := s.discovery.Fingerprint(ctx)
	if err != nil {
		return false, "", err
	}
	drifted, why := inv.Fingerprint.Drift(live)
	return drifted, why, nil
}

// regenerate rediscovers kind and stores it. Failures fall back to the last
// verified snapshot; partial field discovery is merged with it.
func (s *Supervisor) regenerate(ctx context.Context, cache *structcache.Cache, kind structcache.Kind, reason string) (structcache.Entry, Freshness, error) {
	s.logger.Info("Regenerating cache", zap.String("kind", string(kind)), zap.String("program", cache.Program()), zap.String("reason", reason))

	var (
		payload interface{}
		err     error
	)
	switch kind {
	case structcache.KindLocations:
		var h structcache.Hierarchy
		h, err = s.discovery.DiscoverLocations(ctx)
		payload = h
	case structcache.KindFields:
		var inv structcache.FieldInventory
		inv, err = s.discovery.DiscoverFields(ctx, cache.Program())
		var partial *discovery.PartialError
		if err != nil && fault.TagOf(err) == "" && errors.As(err, &partial) {
			return s.mergePartial(cache, inv, partial, reason)
		}
		payload = inv
	default:
		return structcache.Entry{}, Freshness{}, fmt.Errorf("unknown cache kind %q", kind)
	}
	if err != nil {
		if ctx.Err() != nil {
			return structcache.Entry{}, Freshness{}, ctx.Err()
		}
		return s.fallback(cache, kind, reason, err)
	}

	entry, err := cache.Put(kind, payload)
	if err != nil {
		s.logger.Warn("Cache write failed, using regenerated entry in memory", zap.String("kind", string(kind)), zap.Error(err))
		if entry, err = cache.Build(kind, payload); err != nil {
			return structcache.Entry{}, Freshness{}, err
		}
	}
	return entry, Freshness{Source: SourceRegenerated, Reason: reason}, nil
}

func (s *Supervisor) fallback(cache *structcache.Cache, kind structcache.Kind, reason string, cause error) (structcache.Entry, Freshness, error) {
	snap, ok := cache.Snapshot(kind)
	if !ok {
		if errors.Is(cause, fault.DiscoveryUnavailable) {
			return structcache.Entry{}, Freshness{}, fmt.Errorf("regenerate %s: %w", kind, cause)
		}
		return structcache.Entry{}, Freshness{}, fault.New(fault.TagDiscoveryUnavailable, "regenerate "+string(kind), cause)
	}
	s.logger.Warn("Regeneration failed, using last verified snapshot",
		zap.String("kind", string(kind)),
		zap.Time("generatedAt", snap.GeneratedAt),
		zap.Error(cause))
	return snap, Freshness{Source: SourceSnapshot, Degraded: true, Reason: reason + ": " + cause.Error()}, nil
}

// mergePartial fills the failed tabs from the snapshot. The merged inventory
// is not stored so the next run tries a full discovery again.
func (s *Supervisor) mergePartial(cache *structcache.Cache, fresh structcache.FieldInventory, partial *discovery.PartialError, reason string) (structcache.Entry, Freshness, error) {
	failed := partial.Tabs()
	var prev structcache.FieldInventory
	if snap, ok := cache.Snapshot(structcache.KindFields); ok {
		if inv, err := snap.Fields(); err == nil {
			prev = inv
		}
	}
	merged := mergeTabs(fresh, prev, failed)
	entry, err := cache.Build(structcache.KindFields, merged)
	if err != nil {
		return structcache.Entry{}, Freshness{}, err
	}
	s.logger.Warn("Partial field discovery, failed tabs taken from snapshot",
		zap.Strings("tabs", failed),
		zap.Int("fields", len(merged.Fields)))
	return entry, Freshness{
		Source:   SourceRegenerated,
		Degraded: true,
		Reason:   fmt.Sprintf("%s: partial, tabs %s from snapshot", reason, strings.Join(failed, ",")),
	}, nil
}

func mergeTabs(fresh, prev structcache.FieldInventory, failed []string) structcache.FieldInventory {
	want := map[string]bool{}
	for _, t := range failed {
		want[t] = true
	}
	var order []string
	seen := map[string]bool{}
	for _, t := range append(prev.Tabs(), fresh.Tabs()...) {
		if !seen[t] {
			seen[t] = true
			order = append(order, t)
		}
	}
	byTab := map[string][]structcache.FormFieldDescriptor{}
	for _, f := range fresh.Fields {
		byTab[f.TabID] = append(byTab[f.TabID], f)
	}
	for _, f := range prev.Fields {
		if want[f.TabID] {
			byTab[f.TabID] = append(byTab[f.TabID], f)
		}
	}
	merged := structcache.FieldInventory{Program: fresh.Program}
	for _, t := range order {
		merged.Fields = append(merged.Fields, byTab[t]...)
	}
	merged.Fingerprint = structcache.FingerprintOf(merged.Fields)
	return merged
}

func (s *Supervisor) resolveScope(rec record.Record, scope Scope) Scope {
	out := scope
	if out.Program == "" {
		out.Program = firstNonEmpty(rec.Metadata.Program, s.defaults.Program)
	}
	if len(out.LocationPath) == 0 {
		out.LocationPath = rec.Metadata.LocationPath
	}
	if len(out.LocationPath) == 0 {
		out.LocationPath = record.ParseLocation(s.defaults.Location)
	}
	if out.Period == "" {
		out.Period = firstNonEmpty(rec.Metadata.Period, s.defaults.Period)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Run processes one record end to end. Unresolved and unfilled fields never
// abort it; session-level faults end it Failed and are returned.
func (s *Supervisor) Run(ctx context.Context, rec record.Record, scope Scope) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope = s.resolveScope(rec, scope)
	cache := s.cache.ForProgram(scope.Program)
	started := time.Now()
	res := Result{
		RunID:     s.newID(),
		Program:   cache.Program(),
		Location:  scope.LocationPath,
		Freshness: map[structcache.Kind]Freshness{},
	}
	logger := s.logger.With(zap.String("run", res.RunID))
	if s.tracer != nil {
		if err := s.tracer.Start(res.RunID); err != nil {
			logger.Warn("Trace not started", zap.Error(err))
		} else {
			res.TracePath = s.tracer.Path()
		}
	}
	s.trace("run_start", map[string]interface{}{
		"program":  res.Program,
		"location": strings.Join(scope.LocationPath, "/"),
		"period":   scope.Period,
		"fields":   len(rec.Fields),
	})
	logger.Info("Run started",
		zap.String("program", res.Program),
		zap.Strings("location", scope.LocationPath),
		zap.Int("fields", len(rec.Fields)))

	var err error
	res.Outcome, res.Mappings, err = s.execute(ctx, cache, rec, scope, &res)
	s.finish(ctx, logger, res, started)
	return res, err
}

// execute runs the session part of Run. The outcome is complete even when
// a session-level error is returned with it.
func (s *Supervisor) execute(ctx context.Context, cache *structcache.Cache, rec record.Record, scope Scope, res *Result) (fill.SubmissionOutcome, []mapping.FieldMapping, error) {
	failed := func(err error) (fill.SubmissionOutcome, []mapping.FieldMapping, error) {
		return fill.SubmissionOutcome{
			State:          fill.StateFailed,
			RunID:          res.RunID,
			UnfilledFields: []string{},
			ErrorTag:       fault.TagOf(err),
			Error:          err.Error(),
		}, nil, err
	}

	if err := s.filler.EnsureLoggedIn(ctx); err != nil {
		return failed(err)
	}
	locEntry, locFresh, err := s.ensureFresh(ctx, s.cache, structcache.KindLocations)
	res.Freshness[structcache.KindLocations] = locFresh
	if err != nil {
		return failed(err)
	}
	h, err := locEntry.Locations()
	if err != nil {
		return failed(fault.New(fault.TagDiscoveryUnavailable, "decode locations", err))
	}

	var (
		mappings []mapping.FieldMapping
		checksum string
	)
	req := fill.Request{
		RunID:        res.RunID,
		Program:      cache.Program(),
		LocationPath: scope.LocationPath,
		Period:       scope.Period,
		Hierarchy:    h,
		Degraded:     locFresh.Degraded,
		Invalidator:  cache,
		Planner: func(ctx context.Context) (fill.Plan, error) {
			entry, fresh, err := s.ensureFresh(ctx, cache, structcache.KindFields)
			res.Freshness[structcache.KindFields] = fresh
			if err != nil {
				return fill.Plan{}, err
			}
			inv, err := entry.Fields()
			if err != nil {
				return fill.Plan{}, fault.New(fault.TagDiscoveryUnavailable, "decode fields", err)
			}
			mappings = s.resolver.Resolve(ctx, rec.Fields, inv.Fields)
			checksum = mapping.InventoryChecksum(inv.Fields)
			sum := mapping.Summarize(mappings)
			s.trace("mappings", sum)
			s.logger.Info("Mappings resolved",
				zap.String("run", res.RunID),
				zap.Int("resolved", sum.Resolved),
				zap.Int("unresolved", sum.Unresolved))
			return fill.Plan{Inventory: inv, Mappings: mappings, Degraded: fresh.Degraded}, nil
		},
	}

	out, err := s.filler.Fill(ctx, req)
	if out.Success && checksum != "" && s.mappings != nil {
		if err := s.mappings.Save(ctx, checksum, exactPairs(mappings, out.UnfilledFields)); err != nil {
			s.logger.Warn("Exact mappings not saved", zap.String("run", res.RunID), zap.Error(err))
		}
	}
	return out, mappings, err
}

// exactPairs lists the source->target pairs that were actually entered.
func exactPairs(mappings []mapping.FieldMapping, unfilled []string) map[string]string {
	skip := map[string]bool{}
	for _, k := range unfilled {
		skip[k] = true
	}
	pairs := map[string]string{}
	for _, m := range mappings {
		if m.Resolved && !skip[m.SourceKey] {
			pairs[m.SourceKey] = m.TargetFieldKey
		}
	}
	return pairs
}

func (s *Supervisor) trace(eventType string, data interface{}) {
	if s.tracer != nil {
		s.tracer.Log(eventType, data)
	}
}

// finish records the audit row, facts and the closing trace event. Their
// failures are logged and never change the outcome.
func (s *Supervisor) finish(ctx context.Context, logger *zap.Logger, res Result, started time.Time) {
	out := res.Outcome
	location := strings.Join(res.Location, "/")
	s.trace("outcome", out)

	if s.audit != nil {
		err := s.audit.RecordRun(ctx, store.Run{
			ID:           res.RunID,
			Program:      res.Program,
			Location:     location,
			Status:       out.StatusCode,
			State:        string(out.State),
			Success:      out.Success,
			ErrorTag:     string(out.ErrorTag),
			FieldsFilled: out.FieldsFilled,
			TotalFields:  out.TotalFields,
			Unresolved:   out.UnresolvedFields,
			Degraded:     out.Degraded,
			StartedAt:    started,
			FinishedAt:   time.Now(),
		})
		if err != nil {
			logger.Warn("Audit row not written", zap.Error(err))
		}
	}
	if s.facts != nil {
		if err := s.facts.AddFacts(ctx, RunFacts(res)); err != nil {
			logger.Warn("Run facts not recorded", zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("state", string(out.State)),
		zap.Bool("success", out.Success),
		zap.Int("status", out.StatusCode),
		zap.Int("filled", out.FieldsFilled),
		zap.Int("total", out.TotalFields),
		zap.Int("unresolved", out.UnresolvedFields),
		zap.Bool("degraded", out.Degraded),
	}
	if out.State == fill.StateFailed {
		logger.Error("Run failed", append(fields, zap.String("errorTag", string(out.ErrorTag)), zap.String("error", out.Error))...)
		return
	}
	logger.Info("Run finished", fields...)
}

// RunFacts converts a run result into facts for the fact engine.
func RunFacts(res Result) []mangle.Fact {
	id := res.RunID
	facts := []mangle.Fact{
		{Predicate: "run", Args: []interface{}{id, res.Program, strings.Join(res.Location, "/")}},
	}
	targets := map[string]string{}
	for _, m := range res.Mappings {
		if m.Resolved {
			targets[m.SourceKey] = m.TargetFieldKey
			facts = append(facts, mangle.Fact{Predicate: "field_mapped", Args: []interface{}{id, m.SourceKey, m.TargetFieldKey, string(m.Layer)}})
		} else {
			facts = append(facts, mangle.Fact{Predicate: "field_unresolved", Args: []interface{}{id, m.SourceKey}})
		}
	}
	for _, src := range res.Outcome.UnfilledFields {
		facts = append(facts, mangle.Fact{Predicate: "field_unfilled", Args: []interface{}{id, src, targets[src]}})
	}
	for _, kind := range []structcache.Kind{structcache.KindLocations, structcache.KindFields} {
		if f, ok := res.Freshness[kind]; ok && f.Source == SourceRegenerated {
			facts = append(facts, mangle.Fact{Predicate: "cache_regenerated", Args: []interface{}{id, string(kind), reasonWord(f.Reason)}})
		}
	}
	if res.Outcome.Degraded {
		facts = append(facts, mangle.Fact{Predicate: "run_degraded", Args: []interface{}{id}})
	}
	facts = append(facts, mangle.Fact{Predicate: "submit_status", Args: []interface{}{id, res.Outcome.StatusCode, string(res.Outcome.State)}})
	return facts
}

// reasonWord trims a freshness reason to its leading keyword.
func reasonWord(reason string) string {
	if i := strings.IndexAny(reason, ": "); i > 0 {
		return reason[:i]
	}
	return reason
}

// Discover regenerates kind regardless of its freshness. Fields are read
// from the form of scope, which is opened first.
func (s *Supervisor) Discover(ctx context.Context, kind structcache.Kind, scope Scope) (structcache.Entry, Freshness, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope = s.resolveScope(record.Record{}, scope)
	if err := s.filler.EnsureLoggedIn(ctx); err != nil {
		return structcache.Entry{}, Freshness{}, err
	}
	if kind == structcache.KindLocations {
		return s.regenerate(ctx, s.cache, kind, "requested")
	}

	locEntry, _, err := s.ensureFresh(ctx, s.cache, structcache.KindLocations)
	if err != nil {
		return structcache.Entry{}, Freshness{}, err
	}
	h, err := locEntry.Locations()
	if err != nil {
		return structcache.Entry{}, Freshness{}, err
	}
	if err := s.filler.Prepare(ctx, h, scope.LocationPath, scope.Period); err != nil {
		return structcache.Entry{}, Freshness{}, err
	}
	return s.regenerate(ctx, s.cache.ForProgram(scope.Program), kind, "requested")
}

// Plan resolves rec against the cached field inventory without touching the
// session.
func (s *Supervisor) Plan(ctx context.Context, rec record.Record, scope Scope) ([]mapping.FieldMapping, Freshness, error) {
	scope = s.resolveScope(rec, scope)
	cache := s.cache.ForProgram(scope.Program)
	entry, ok := cache.Get(structcache.KindFields)
	fresh := Freshness{Source: SourceCached}
	if !ok {
		if entry, ok = cache.Snapshot(structcache.KindFields); !ok {
			return nil, Freshness{}, fault.Newf(fault.TagDiscoveryUnavailable, "plan",
				"no field inventory cached for program %q", cache.Program())
		}
		fresh = Freshness{Source: SourceSnapshot, Degraded: true, Reason: "missing"}
	} else if !entry.Valid(cache.Now()) {
		fresh.Degraded, fresh.Reason = true, "expired"
	}
	inv, err := entry.Fields()
	if err != nil {
		return nil, Freshness{}, err
	}
	return s.resolver.Resolve(ctx, rec.Fields, inv.Fields), fresh, nil
}

// Cache returns the cache scoped to program.
func (s *Supervisor) Cache(program string) *structcache.Cache {
	return s.cache.ForProgram(firstNonEmpty(program, s.defaults.Program))
}
