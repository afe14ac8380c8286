// Package fill drives one logged-in session through location selection,
// tab-by-tab field entry and submission, and classifies the result from the
// create/update network response.
package fill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"formsync/internal/browser"
	"formsync/internal/config"
	"formsync/internal/discovery"
	"formsync/internal/fault"
	"formsync/internal/mapping"
	"formsync/internal/structcache"
)

// Invalidator drops a cache kind after drift is observed.
type Invalidator interface {
	Invalidate(kind structcache.Kind) error
}

// Tracer receives state transitions and field events of a run, and stores
// screenshots next to them.
type Tracer interface {
	Log(eventType string, data interface{})
	Attach(name, ext string, data []byte) (string, error)
}

type nopTracer struct{}

func (nopTracer) Log(string, interface{}) {}

func (nopTracer) Attach(name, _ string, _ []byte) (string, error) {
	return "", fmt.Errorf("attach %s: tracing disabled", name)
}

// Plan is the field inventory and mapping table a run fills from.
type Plan struct {
	Inventory structcache.FieldInventory
	Mappings  []mapping.FieldMapping
	// Degraded marks plans built from a fallback snapshot.
	Degraded bool
}

// Planner builds the plan once the form for the selected location and
// period is rendered on the page.
type Planner func(ctx context.Context) (Plan, error)

// Request is everything one fill run needs from the caller. When Planner is
// set it replaces Inventory, Mappings and Degraded after period selection.
type Request struct {
	RunID        string
	// Program selects the submit URL patterns; empty uses the target-wide list.
	Program      string
	LocationPath []string
	Period       string
	Hierarchy    structcache.Hierarchy
	Inventory    structcache.FieldInventory
	Mappings     []mapping.FieldMapping
	Degraded     bool
	Planner      Planner
	// Invalidator overrides the orchestrator's for this run, for callers
	// that scope the field cache per program.
	Invalidator Invalidator
}

// Orchestrator owns the sequential session steps. It is not safe for
// concurrent use; callers serialize runs.
type Orchestrator struct {
	page        browser.Automation
	target      config.TargetConfig
	browserCfg  config.BrowserConfig
	fillCfg     config.FillConfig
	settle      time.Duration
	invalidator Invalidator
	tracer      Tracer
	logger      *zap.Logger
	loggedIn    bool
	form        *openForm
}

// openForm is the location and period last opened on the primary page.
type openForm struct {
	hierarchy structcache.Hierarchy
	node      structcache.LocationNode
	period    string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithInvalidator(inv Invalidator) Option {
	return func(o *Orchestrator) { o.invalidator = inv }
}

func WithTracer(t Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSettle sets the pause after tab switches and tree expansion.
func WithSettle(d time.Duration) Option {
	return func(o *Orchestrator) { o.settle = d }
}

func New(page browser.Automation, target config.TargetConfig, browserCfg config.BrowserConfig, fillCfg config.FillConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		page:       page,
		target:     target,
		browserCfg: browserCfg,
		fillCfg:    fillCfg,
		settle:     time.Second,
		tracer:     nopTracer{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the mutable state of one Fill call.
type run struct {
	id          string
	program     string
	state       State
	touched     bool
	outcome     SubmissionOutcome
	invalidator Invalidator
	invalidated bool
}

func (o *Orchestrator) transition(r *run, to State) {
	o.tracer.Log("state", map[string]string{"from": string(r.state), "to": string(to)})
	o.logger.Debug("Fill state", zap.String("run", r.id), zap.String("from", string(r.state)), zap.String("to", string(to)))
	r.state = to
	r.outcome.State = to
}

// fail ends the run in Failed and returns the tagged error for the caller.
func (o *Orchestrator) fail(r *run, err error) (SubmissionOutcome, error) {
	o.transition(r, StateFailed)
	r.outcome.ErrorTag = fault.TagOf(err)
	r.outcome.Error = err.Error()
	return r.outcome, err
}

// Fill runs the state machine to a terminal state. Session-level faults
// (login, location, cancellation) return an error alongside the Failed
// outcome. Classified submit results, including Conflict and validation
// errors, return a nil error.
func (o *Orchestrator) Fill(ctx context.Context, req Request) (SubmissionOutcome, error) {
	r := &run{id: req.RunID, program: req.Program, state: StateNotStarted, invalidator: o.invalidator}
	if req.Invalidator != nil {
		r.invalidator = req.Invalidator
	}
	r.outcome = SubmissionOutcome{
		State:          StateNotStarted,
		RunID:          req.RunID,
		Degraded:       req.Degraded,
		UnfilledFields: []string{},
	}

	out, err := o.fill(ctx, r, req)
	if out.State == StateFailed && r.touched {
		o.capture(context.WithoutCancel(ctx), r, "failure")
		out.Screenshots = r.outcome.Screenshots
	}
	return out, err
}

func (o *Orchestrator) fill(ctx context.Context, r *run, req Request) (SubmissionOutcome, error) {
	// Location is resolved against the cache before touching the session so
	// an unknown path costs no remote calls.
	node, err := ResolveLocation(req.Hierarchy, req.LocationPath)
	if err != nil {
		return o.fail(r, err)
	}

	r.touched = true
	if err := o.EnsureLoggedIn(ctx); err != nil {
		return o.fail(r, err)
	}
	o.transition(r, StateLoggedIn)

	if err := o.selectLocation(ctx, req.Hierarchy, node); err != nil {
		return o.fail(r, err)
	}
	o.transition(r, StateLocationResolved)

	if err := o.selectPeriod(ctx, req.Period); err != nil {
		return o.fail(r, err)
	}
	o.form = &openForm{hierarchy: req.Hierarchy, node: node, period: req.Period}
	o.transition(r, StatePeriodSelected)

	if req.Planner != nil {
		plan, err := req.Planner(ctx)
		if err != nil {
			return o.fail(r, fmt.Errorf("plan fields: %w", err))
		}
		req.Inventory, req.Mappings = plan.Inventory, plan.Mappings
		req.Degraded = req.Degraded || plan.Degraded
		r.outcome.Degraded = req.Degraded
	}
	for _, m := range req.Mappings {
		if m.Resolved {
			r.outcome.TotalFields++
		} else {
			r.outcome.UnresolvedFields++
		}
	}

	if err := o.fillTabs(ctx, r, req); err != nil {
		return o.fail(r, err)
	}
	o.transition(r, StateTabsFilled)

	if o.fillCfg.ValidateBeforeSubmit {
		if err := o.validate(ctx, r); err != nil {
			return o.fail(r, err)
		}
	}
	return o.submit(ctx, r)
}

// Prepare logs in and opens the form of the location at path for period
// without filling anything, so the rendered form can be discovered.
func (o *Orchestrator) Prepare(ctx context.Context, h structcache.Hierarchy, path []string, period string) error {
	node, err := ResolveLocation(h, path)
	if err != nil {
		return err
	}
	if err := o.EnsureLoggedIn(ctx); err != nil {
		return err
	}
	if err := o.selectLocation(ctx, h, node); err != nil {
		return err
	}
	if err := o.selectPeriod(ctx, period); err != nil {
		return err
	}
	o.form = &openForm{hierarchy: h, node: node, period: period}
	return nil
}

// ReplayForm opens the form last opened on the primary page on another page
// of the same logged-in browser. The selection lives in page state, not in
// the URL, so it is clicked through again.
func (o *Orchestrator) ReplayForm(ctx context.Context, page browser.Automation) error {
	if o.form == nil {
		return errors.New("replay form: no form opened")
	}
	replay := *o
	replay.page = page
	if err := replay.selectLocation(ctx, o.form.hierarchy, o.form.node); err != nil {
		return fmt.Errorf("replay form: %w", err)
	}
	if err := replay.selectPeriod(ctx, o.form.period); err != nil {
		return fmt.Errorf("replay form: %w", err)
	}
	return nil
}

// ResolveLocation matches path against the cached hierarchy segment by
// segment from the root. It never guesses: any missing segment, or a final
// node that cannot be selected, is LocationNotFound.
func ResolveLocation(h structcache.Hierarchy, path []string) (structcache.LocationNode, error) {
	const op = "resolve location"
	if len(path) == 0 {
		return structcache.LocationNode{}, fault.Newf(fault.TagLocationNotFound, op, "empty location path")
	}
	matched, miss := h.Walk(path)
	if miss >= 0 {
		under := "root"
		if len(matched) > 0 {
			under = matched[len(matched)-1].DisplayName
		}
		return structcache.LocationNode{}, fault.Newf(fault.TagLocationNotFound, op,
			"segment %d %q not found under %s", miss+1, path[miss], under)
	}
	node := matched[len(matched)-1]
	if !node.Selectable {
		return node, fault.Newf(fault.TagLocationNotFound, op, "%q is not a selectable unit", strings.Join(path, "/"))
	}
	return node, nil
}

// EnsureLoggedIn logs the session in once. The whole sequence is retried
// on transient faults against the bare page, so browser.max_retries bounds
// the total number of login attempts.
func (o *Orchestrator) EnsureLoggedIn(ctx context.Context) error {
	if o.loggedIn {
		return nil
	}
	user, pass, err := o.target.Credentials()
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	sel := o.target.Selectors
	page := browser.Unwrap(o.page)
	err = browser.Retry(ctx, o.browserCfg.Attempts(), o.browserCfg.Backoff(), o.logger, "login", func(ctx context.Context) error {
		if err := page.Navigate(ctx, o.target.URL(o.target.LoginPath)); err != nil {
			return err
		}
		if err := page.WaitFor(ctx, sel.Username, o.browserCfg.NavigationTimeout()); err != nil {
			return err
		}
		if err := page.SetValue(ctx, sel.Username, user); err != nil {
			return err
		}
		if err := page.SetValue(ctx, sel.Password, pass); err != nil {
			return err
		}
		if err := page.Click(ctx, sel.LoginButton); err != nil {
			return err
		}
		return page.WaitFor(ctx, sel.LoggedInMarker, o.browserCfg.NavigationTimeout())
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	o.loggedIn = true
	o.logger.Info("Logged in", zap.String("user", user))
	return nil
}

// Logout forgets the session so the next run logs in again.
func (o *Orchestrator) Logout() { o.loggedIn = false }

// selectLocation opens data entry, expands every ancestor of node that is
// still collapsed and clicks the node itself.
func (o *Orchestrator) selectLocation(ctx context.Context, h structcache.Hierarchy, node structcache.LocationNode) error {
	const op = "select location"
	if err := o.page.Navigate(ctx, o.target.URL(o.target.DataEntryPath)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := o.page.WaitFor(ctx, o.target.Selectors.OrgTreeRoot, o.browserCfg.NavigationTimeout()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	ids := ancestry(h, node)
	for _, id := range ids[:len(ids)-1] {
		raw, err := o.page.ReadDOM(ctx, discovery.NodeSelector(id))
		if errors.Is(err, browser.ErrSelectorNotFound) {
			return fault.New(fault.TagLocationNotFound, op, err)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if open, _ := discovery.Expanded(raw, id); open {
			continue
		}
		if err := o.page.Click(ctx, discovery.ToggleSelector(id)); err != nil {
			return fmt.Errorf("%s: expand %s: %w", op, id, err)
		}
		if err := sleep(ctx, o.settle); err != nil {
			return err
		}
	}

	if err := o.page.Click(ctx, discovery.LinkSelector(node.ID)); err != nil {
		if errors.Is(err, browser.ErrSelectorNotFound) {
			return fault.New(fault.TagLocationNotFound, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	o.logger.Info("Location selected", zap.Strings("path", node.PathSegments), zap.String("id", node.ID))
	return sleep(ctx, o.settle)
}

// ancestry returns node ids from the root down to node.
func ancestry(h structcache.Hierarchy, node structcache.LocationNode) []string {
	parents := make(map[string]string, len(h.Nodes))
	for _, n := range h.Nodes {
		parents[n.ID] = n.ParentID
	}
	ids := []string{node.ID}
	for p := node.ParentID; p != "" && len(ids) <= len(h.Nodes); p = parents[p] {
		ids = append([]string{p}, ids...)
	}
	return ids
}

// selectPeriod chooses period in the period drop-down. An unknown period
// falls back to the first one offered.
func (o *Orchestrator) selectPeriod(ctx context.Context, period string) error {
	if period == "" {
		period = o.target.DefaultPeriod
	}
	if period == "" {
		return nil
	}
	sel := o.target.Selectors.Period
	raw, err := o.page.ReadDOM(ctx, sel)
	if err != nil {
		return fmt.Errorf("select period: %w", err)
	}
	choices, err := discovery.ParseChoices(raw)
	if err != nil {
		return fmt.Errorf("select period: %w", err)
	}
	if len(choices) == 0 {
		o.logger.Warn("No periods available to select", zap.String("wanted", period))
		return nil
	}

	pick := ""
	for _, c := range choices {
		if c.Value == period || strings.EqualFold(c.Text, period) {
			pick = c.Value
			break
		}
	}
	if pick == "" {
		pick = choices[0].Value
		o.logger.Warn("Period not offered, using first available",
			zap.String("wanted", period), zap.String("selected", choices[0].Text))
	}
	if err := o.page.SetValue(ctx, sel, pick); err != nil {
		return fmt.Errorf("select period: %w", err)
	}
	if err := o.page.WaitFor(ctx, o.target.Selectors.FormRoot, o.browserCfg.NavigationTimeout()); err != nil {
		return fmt.Errorf("select period: wait for form: %w", err)
	}
	return nil
}

// fillTabs enters resolved values tab by tab in inventory order. Field
// failures are absorbed: the field is recorded unfilled and, on a missing
// selector, the field inventory is invalidated once.
func (o *Orchestrator) fillTabs(ctx context.Context, r *run, req Request) error {
	byTab := map[string][]mapping.FieldMapping{}
	for _, m := range req.Mappings {
		if m.Resolved {
			byTab[m.TabID] = append(byTab[m.TabID], m)
		}
	}

	position := map[string]int{}
	for i, f := range req.Inventory.Fields {
		position[f.FieldKey] = i
	}

	for _, tab := range req.Inventory.Tabs() {
		batch := byTab[tab]
		if len(batch) == 0 {
			continue
		}
		sortByPosition(batch, position)

		if sel := discovery.TabSelector(tab); sel != "" {
			if err := o.page.Click(ctx, sel); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				o.logger.Warn("Tab switch failed, skipping its fields", zap.String("tab", tab), zap.Error(err))
				if errors.Is(err, browser.ErrSelectorNotFound) {
					o.invalidateFields(r, "tab "+tab)
				}
				for _, m := range batch {
					o.unfilled(r, m, err)
				}
				continue
			}
			if err := sleep(ctx, o.settle); err != nil {
				return err
			}
		}

		for _, m := range batch {
			field, ok := req.Inventory.Lookup(m.TargetFieldKey)
			if !ok {
				o.unfilled(r, m, fmt.Errorf("field %s not in inventory", m.TargetFieldKey))
				continue
			}
			err := o.page.SetValue(ctx, field.ElementSelector, m.Value)
			switch {
			case err == nil:
				r.outcome.FieldsFilled++
				o.tracer.Log("field", map[string]string{"source": m.SourceKey, "target": m.TargetFieldKey, "result": "filled"})
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, browser.ErrFieldNotEditable):
				o.logger.Warn("Field is not editable",
					zap.String("source", m.SourceKey), zap.String("selector", field.ElementSelector))
				o.unfilled(r, m, err)
			case errors.Is(err, browser.ErrSelectorNotFound):
				o.logger.Warn("Field selector missing, form has drifted",
					zap.String("source", m.SourceKey), zap.String("selector", field.ElementSelector))
				o.invalidateFields(r, field.ElementSelector)
				o.unfilled(r, m, fault.New(fault.TagStructuralDrift, "set value", err))
			default:
				o.unfilled(r, m, err)
			}
		}
	}

	for _, tab := range orphanTabs(byTab, req.Inventory) {
		for _, m := range byTab[tab] {
			o.unfilled(r, m, fmt.Errorf("tab %s not in inventory", tab))
		}
	}

	if total := r.outcome.TotalFields; total > 0 {
		rate := float64(r.outcome.FieldsFilled) / float64(total)
		if rate < o.fillCfg.MinFillRate {
			o.logger.Warn("Low fill rate, form may have changed",
				zap.Float64("rate", rate), zap.Int("filled", r.outcome.FieldsFilled), zap.Int("total", total))
			o.invalidateFields(r, "low fill rate")
		}
	}
	o.logger.Info("Tabs filled",
		zap.Int("filled", r.outcome.FieldsFilled),
		zap.Int("total", r.outcome.TotalFields),
		zap.Int("unfilled", len(r.outcome.UnfilledFields)))
	return nil
}

// validate clicks the form's validation button and keeps a screenshot of
// the result. A missing button is logged and does not stop the run.
func (o *Orchestrator) validate(ctx context.Context, r *run) error {
	sel := o.target.Selectors.Validate
	if sel == "" {
		return nil
	}
	if err := o.page.Click(ctx, sel); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("Validation step skipped", zap.String("selector", sel), zap.Error(err))
		o.tracer.Log("validation", map[string]string{"result": "skipped", "error": err.Error()})
		return nil
	}
	if err := sleep(ctx, o.settle); err != nil {
		return err
	}
	o.tracer.Log("validation", map[string]string{"result": "clicked"})
	o.capture(ctx, r, "validation")
	return nil
}

// capture stores a screenshot with the run trace. Failures only log.
func (o *Orchestrator) capture(ctx context.Context, r *run, name string) {
	ctx, cancel := context.WithTimeout(ctx, o.browserCfg.ElementTimeout())
	defer cancel()
	png, err := o.page.Screenshot(ctx)
	if err != nil {
		o.logger.Warn("Screenshot failed", zap.String("run", r.id), zap.String("name", name), zap.Error(err))
		return
	}
	path, err := o.tracer.Attach(name, ".png", png)
	if err != nil {
		o.logger.Debug("Screenshot not stored", zap.String("run", r.id), zap.String("name", name), zap.Error(err))
		return
	}
	r.outcome.Screenshots = append(r.outcome.Screenshots, path)
	o.logger.Info("Screenshot saved", zap.String("run", r.id), zap.String("path", path))
}

func matchesAny(url string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(url, p) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) unfilled(r *run, m mapping.FieldMapping, err error) {
	r.outcome.UnfilledFields = append(r.outcome.UnfilledFields, m.SourceKey)
	r.outcome.UnresolvedFields++
	o.tracer.Log("field", map[string]string{"source": m.SourceKey, "target": m.TargetFieldKey, "result": "unfilled", "error": err.Error()})
}

func (o *Orchestrator) invalidateFields(r *run, reason string) {
	if r.invalidated || r.invalidator == nil {
		return
	}
	r.invalidated = true
	if err := r.invalidator.Invalidate(structcache.KindFields); err != nil {
		o.logger.Warn("Field cache invalidation failed", zap.Error(err))
		return
	}
	o.tracer.Log("cache_invalidated", map[string]string{"kind": string(structcache.KindFields), "reason": reason})
	o.logger.Info("Field cache invalidated", zap.String("reason", reason))
}

// submit clicks submit with a response listener attached and classifies the
// captured response. The listener never outlives this call.
func (o *Orchestrator) submit(ctx context.Context, r *run) (SubmissionOutcome, error) {
	method := strings.ToUpper(o.target.SubmitMethod)
	patterns := o.target.SubmitPatterns(r.program)
	listener, err := o.page.ListenResponse(ctx, func(info browser.ResponseInfo) bool {
		return (method == "" || strings.EqualFold(info.Method, method)) && matchesAny(info.URL, patterns)
	})
	if err != nil {
		return o.fail(r, fmt.Errorf("attach response listener: %w", err))
	}
	defer listener.Detach()

	if err := o.page.Click(ctx, o.target.Selectors.Submit); err != nil {
		return o.fail(r, fmt.Errorf("submit: %w", err))
	}
	o.transition(r, StateSubmitted)

	resp, err := listener.Await(ctx, o.fillCfg.GetResponseTimeout())
	listener.Detach()
	if err != nil {
		if ctx.Err() != nil {
			return o.fail(r, ctx.Err())
		}
		o.logger.Error("No submit response observed", zap.Duration("timeout", o.fillCfg.GetResponseTimeout()), zap.Error(err))
		o.transition(r, StateFailed)
		r.outcome.ErrorTag = fault.TagTransientRemote
		r.outcome.Error = err.Error()
		return r.outcome, nil
	}
	o.transition(r, StateOutcomeCaptured)

	r.outcome.StatusCode = resp.Status
	api, perr := ParseAPIResponse(resp.Body)
	if perr != nil {
		o.logger.Warn("Unreadable submit response body", zap.Int("status", resp.Status), zap.Error(perr))
	}
	r.outcome.APIResponse = api

	state, success, tag := classify(resp.Status, api)
	r.outcome.Success = success
	r.outcome.ErrorTag = tag
	o.transition(r, state)

	created, updated, ignored, deleted := r.outcome.Counts()
	fields := []zap.Field{
		zap.String("run", r.id),
		zap.Int("status", resp.Status),
		zap.Int("created", created),
		zap.Int("updated", updated),
		zap.Int("ignored", ignored),
		zap.Int("deleted", deleted),
	}
	switch {
	case state == StateConflict:
		o.logger.Warn("Submit conflict, record already exists", fields...)
	case state == StateFailed:
		o.logger.Error("Submit failed", fields...)
	case !success:
		o.logger.Warn("Submit accepted with validation errors", append(fields, zap.Int("errors", len(r.outcome.ErrorReports())))...)
	default:
		o.logger.Info("Submit succeeded", fields...)
	}
	return r.outcome, nil
}

func sortByPosition(ms []mapping.FieldMapping, position map[string]int) {
	sort.SliceStable(ms, func(i, j int) bool {
		return position[ms[i].TargetFieldKey] < position[ms[j].TargetFieldKey]
	})
}

// orphanTabs lists tabs named by mappings but absent from the inventory.
func orphanTabs(byTab map[string][]mapping.FieldMapping, inv structcache.FieldInventory) []string {
	known := map[string]bool{}
	for _, t := range inv.Tabs() {
		known[t] = true
	}
	var out []string
	for t := range byTab {
		if !known[t] {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
