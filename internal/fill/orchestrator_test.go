package fill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"formsync/internal/browser"
	"formsync/internal/browser/browsertest"
	"formsync/internal/config"
	"formsync/internal/fault"
	"formsync/internal/mapping"
	"formsync/internal/structcache"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const baseURL = "https://hmis.test"

func testConfig(t *testing.T) (config.TargetConfig, config.BrowserConfig, config.FillConfig) {
	t.Helper()
	t.Setenv("FORMSYNC_USERNAME", "clerk")
	t.Setenv("FORMSYNC_PASSWORD", "secret")
	cfg := config.DefaultConfig()
	cfg.Target.BaseURL = baseURL
	cfg.Browser.MaxRetries = 2
	cfg.Browser.RetryBackoff = "1ms"
	cfg.Fill.ResponseTimeout = "100ms"
	return cfg.Target, cfg.Browser, cfg.Fill
}

func hierarchy() structcache.Hierarchy {
	return structcache.Hierarchy{Nodes: []structcache.LocationNode{
		{ID: "KE", DisplayName: "Kenya", PathSegments: []string{"Kenya"}, Level: 1},
		{ID: "NBI", DisplayName: "Nairobi", ParentID: "KE", PathSegments: []string{"Kenya", "Nairobi"}, Level: 2},
		{ID: "KIB", DisplayName: "Kibera Clinic", ParentID: "NBI", PathSegments: []string{"Kenya", "Nairobi", "Kibera Clinic"}, Level: 3, Selectable: true},
	}}
}

func inventory() structcache.FieldInventory {
	fields := []structcache.FormFieldDescriptor{
		{FieldKey: "k1", TabID: "Page1", ElementSelector: "#f1", Label: "HA - Outpatients New||<8 Days, M"},
		{FieldKey: "k2", TabID: "Page1", ElementSelector: "#f2", Label: "HA - Outpatients New||<8 Days, F"},
		{FieldKey: "k3", TabID: "Page2", ElementSelector: "#f3", Label: "HA - Admissions Malaria||<5 Years, Total"},
	}
	return structcache.FieldInventory{Program: "opd", Fields: fields, Fingerprint: structcache.FingerprintOf(fields)}
}

func mappings() []mapping.FieldMapping {
	return []mapping.FieldMapping{
		{SourceKey: "admissions_malaria_less_than_5_years_total", TargetFieldKey: "k3", TabID: "Page2", Value: "7", Resolved: true, Layer: mapping.LayerStructural},
		{SourceKey: "outpatients_new_cases_less_than_8_days_female", TargetFieldKey: "k2", TabID: "Page1", Value: "4", Resolved: true, Layer: mapping.LayerStructural},
		{SourceKey: "outpatients_new_cases_less_than_8_days_male", TargetFieldKey: "k1", TabID: "Page1", Value: "3", Resolved: true, Layer: mapping.LayerStructural},
		{SourceKey: "staff_meetings_held", Value: "2", MatchingFactors: []string{}, Layer: mapping.LayerSkip},
	}
}

func request() Request {
	return Request{
		RunID:        "run-1",
		LocationPath: []string{"Kenya", "Nairobi", "Kibera Clinic"},
		Hierarchy:    hierarchy(),
		Inventory:    inventory(),
		Mappings:     mappings(),
	}
}

func page(status int, body string) *browsertest.Fake {
	f := browsertest.New()
	f.DOM["#orgUnitKE"] = `<li id="orgUnitKE"><span class="toggle"></span><a>Kenya</a></li>`
	f.DOM["#orgUnitNBI"] = `<li id="orgUnitNBI"><span class="toggle"></span><a>Nairobi</a>
		<ul><li id="orgUnitKIB"><a>Kibera Clinic</a></li></ul></li>`
	f.DOM["#selectedPeriodId"] = `<select id="selectedPeriodId">
		<option value="">[ Select period ]</option>
		<option value="202603">March 2026</option>
		<option value="202602">February 2026</option></select>`
	if status > 0 {
		f.Responses["#completeButton"] = browser.Response{
			URL:    baseURL + "/api/dataValueSets",
			Method: "POST",
			Status: status,
			Body:   []byte(body),
		}
	}
	return f
}

func newOrchestrator(t *testing.T, f *browsertest.Fake, opts ...Option) *Orchestrator {
	target, bc, fc := testConfig(t)
	return New(f, target, bc, fc, append([]Option{WithSettle(0)}, opts...)...)
}

func TestFillSucceeded(t *testing.T) {
	f := page(200, `{"status":"OK","stats":{"created":3,"updated":0,"ignored":0,"deleted":0},"validationReport":{"errorReports":[]}}`)
	o := newOrchestrator(t, f)

	out, err := o.Fill(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 200, out.StatusCode)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 3, out.FieldsFilled)
	assert.Equal(t, 3, out.TotalFields)
	assert.Equal(t, 1, out.UnresolvedFields)
	assert.Empty(t, out.UnfilledFields)
	created, _, _, _ := out.Counts()
	assert.Equal(t, 3, created)
	assert.Equal(t, 0, f.ActiveListeners())

	v, _ := f.Value("#f1")
	assert.Equal(t, "3", v)
	v, _ = f.Value("#f3")
	assert.Equal(t, "7", v)

	// Collapsed ancestors are expanded, already open ones are left alone.
	var clicks []string
	for _, c := range f.Snapshot() {
		if c.Op == "click" {
			clicks = append(clicks, c.Target)
		}
	}
	assert.Equal(t, []string{
		`button[type="submit"]`,
		"#orgUnitKE > span.toggle",
		"#orgUnitKIB > a",
		`a[href="#Page1"]`,
		`a[href="#Page2"]`,
		"#completeButton",
	}, clicks)
}

func TestFillFieldsInInventoryOrder(t *testing.T) {
	f := page(200, `{"stats":{}}`)
	_, err := newOrchestrator(t, f).Fill(context.Background(), request())
	require.NoError(t, err)

	var sets []string
	for _, c := range f.Snapshot() {
		if c.Op == "set" && c.Target != "#username" && c.Target != "#password" {
			sets = append(sets, c.Target)
		}
	}
	assert.Equal(t, []string{"#f1", "#f2", "#f3"}, sets)
}

func TestFillConflict(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := page(409, `{"status":"ERROR","stats":{"created":0,"updated":0,"ignored":1,"deleted":0}}`)
	o := newOrchestrator(t, f, WithLogger(zap.New(core)))

	out, err := o.Fill(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, StateConflict, out.State)
	assert.False(t, out.Success)
	assert.Equal(t, 409, out.StatusCode)
	assert.Equal(t, fault.TagConflict, out.ErrorTag)
	_, _, ignored, _ := out.Counts()
	assert.Equal(t, 1, ignored)
	assert.Equal(t, 0, f.ActiveListeners())
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestFillValidationErrors(t *testing.T) {
	t.Run("with error reports", func(t *testing.T) {
		f := page(200, `{"status":"WARNING","stats":{"created":2,"ignored":1},
			"validationReport":{"errorReports":[{"message":"Value must be positive","errorCode":"E1018","uid":"k3"}]}}`)
		out, err := newOrchestrator(t, f).Fill(context.Background(), request())
		require.NoError(t, err)
		assert.Equal(t, 200, out.StatusCode)
		assert.Equal(t, StateSucceeded, out.State)
		assert.False(t, out.Success)
		assert.Equal(t, fault.TagValidationRejected, out.ErrorTag)
		require.Len(t, out.ErrorReports(), 1)
		assert.Equal(t, "E1018", out.ErrorReports()[0].ErrorCode)
	})
	t.Run("without error reports", func(t *testing.T) {
		f := page(200, `{"status":"OK","stats":{"created":3},"validationReport":{"errorReports":[]}}`)
		out, err := newOrchestrator(t, f).Fill(context.Background(), request())
		require.NoError(t, err)
		assert.Equal(t, 200, out.StatusCode)
		assert.True(t, out.Success)
		assert.Empty(t, out.ErrorTag)
	})
}

func TestFillOtherStatusFails(t *testing.T) {
	f := page(500, `internal error`)
	out, err := newOrchestrator(t, f).Fill(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 500, out.StatusCode)
	assert.False(t, out.Success)
}

func TestFillNoResponseFails(t *testing.T) {
	f := page(0, "")
	out, err := newOrchestrator(t, f).Fill(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 0, out.StatusCode)
	assert.Equal(t, fault.TagTransientRemote, out.ErrorTag)
	assert.Equal(t, 0, f.ActiveListeners())
}

func TestFillIgnoresAutosaveResponse(t *testing.T) {
	f := page(200, `{"status":"OK","stats":{"created":3}}`)
	f.Before["#completeButton"] = []browser.Response{{
		URL:    baseURL + "/api/33/dataValues?de=abc&pe=202603&ou=KIB",
		Method: "POST",
		Status: 409,
		Body:   []byte(`{"status":"ERROR","message":"locked"}`),
	}}

	out, err := newOrchestrator(t, f).Fill(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 200, out.StatusCode)
}

func TestFillProgramSubmitPatterns(t *testing.T) {
	target, bc, fc := testConfig(t)
	target.ProgramSubmitURLPatterns = map[string][]string{"deaths": {"/api/tracker"}}

	f := page(200, `{"status":"OK"}`)
	f.Before["#completeButton"] = []browser.Response{{
		URL: baseURL + "/api/tracker?async=false", Method: "POST", Status: 409,
		Body: []byte(`{"status":"ERROR"}`),
	}}
	req := request()
	req.Program = "deaths"
	out, err := New(f, target, bc, fc, WithSettle(0)).Fill(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 409, out.StatusCode, "tracker response is the submit outcome for this program")
	assert.Equal(t, StateConflict, out.State)
}

func TestFillMissingSelectorInvalidatesOnce(t *testing.T) {
	dir := t.TempDir()
	cache, err := structcache.New(dir, "opd", time.Hour, time.Hour)
	require.NoError(t, err)
	_, err = cache.Put(structcache.KindFields, inventory())
	require.NoError(t, err)

	f := page(200, `{"stats":{"updated":2}}`)
	f.Missing["#f2"] = true
	f.Missing["#f3"] = true
	out, err := newOrchestrator(t, f, WithInvalidator(cache)).Fill(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, []string{"outpatients_new_cases_less_than_8_days_female", "admissions_malaria_less_than_5_years_total"}, out.UnfilledFields)
	assert.Equal(t, 3, out.UnresolvedFields)
	assert.Equal(t, 1, out.FieldsFilled)
	assert.True(t, out.Success)

	_, ok := cache.Get(structcache.KindFields)
	assert.False(t, ok, "field inventory must be invalidated after drift")
	_, ok = cache.Snapshot(structcache.KindFields)
	assert.True(t, ok, "last verified inventory stays available")
}

func TestFillSingleUnfilledField(t *testing.T) {
	inv := &countingInvalidator{}
	f := page(200, `{}`)
	f.Missing["#f2"] = true
	out, err := newOrchestrator(t, f, WithInvalidator(inv)).Fill(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, []string{"outpatients_new_cases_less_than_8_days_female"}, out.UnfilledFields)
	assert.Equal(t, 2, out.UnresolvedFields)
	assert.Equal(t, 1, inv.calls)
}

type countingInvalidator struct{ calls int }

func (c *countingInvalidator) Invalidate(structcache.Kind) error {
	c.calls++
	return nil
}

func TestFillLocationNotFound(t *testing.T) {
	f := page(200, `{}`)
	req := request()
	req.LocationPath = []string{"Kenya", "Nairobi", "Mathare"}

	out, err := newOrchestrator(t, f).Fill(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.LocationNotFound))
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, fault.TagLocationNotFound, out.ErrorTag)
	assert.Contains(t, err.Error(), `"Mathare"`)
	assert.Empty(t, f.Snapshot(), "no remote call may be made")
}

func TestResolveLocation(t *testing.T) {
	h := hierarchy()

	n, err := ResolveLocation(h, []string{"kenya", " Nairobi ", "KIBERA clinic"})
	require.NoError(t, err)
	assert.Equal(t, "KIB", n.ID)

	_, err = ResolveLocation(h, []string{"Kenya", "Nairobi"})
	assert.ErrorIs(t, err, fault.LocationNotFound, "units with children are not selectable")

	_, err = ResolveLocation(h, nil)
	assert.ErrorIs(t, err, fault.LocationNotFound)

	_, err = ResolveLocation(h, []string{"Uganda"})
	assert.ErrorIs(t, err, fault.LocationNotFound)

	assert.Equal(t, []string{"KE", "NBI", "KIB"}, ancestry(h, h.Nodes[2]))
}

func TestFillPeriodSelection(t *testing.T) {
	t.Run("named period", func(t *testing.T) {
		f := page(200, `{}`)
		req := request()
		req.Period = "February 2026"
		_, err := newOrchestrator(t, f).Fill(context.Background(), req)
		require.NoError(t, err)
		v, _ := f.Value("#selectedPeriodId")
		assert.Equal(t, "202602", v)
	})
	t.Run("unknown period falls back to first offered", func(t *testing.T) {
		f := page(200, `{}`)
		req := request()
		req.Period = "June 1999"
		_, err := newOrchestrator(t, f).Fill(context.Background(), req)
		require.NoError(t, err)
		v, _ := f.Value("#selectedPeriodId")
		assert.Equal(t, "202603", v)
	})
	t.Run("no period leaves the drop-down alone", func(t *testing.T) {
		f := page(200, `{}`)
		_, err := newOrchestrator(t, f).Fill(context.Background(), request())
		require.NoError(t, err)
		_, set := f.Value("#selectedPeriodId")
		assert.False(t, set)
	})
}

func TestLoginRetriesTransientFault(t *testing.T) {
	f := page(200, `{}`)
	loginURL := baseURL + "/dhis-web-commons/security/login.action"
	f.FailNext("navigate", loginURL, fault.Newf(fault.TagTransientRemote, "navigate", "timeout"))
	o := newOrchestrator(t, f)

	require.NoError(t, o.EnsureLoggedIn(context.Background()))
	require.NoError(t, o.EnsureLoggedIn(context.Background()))
	navs := 0
	for _, c := range f.Snapshot() {
		if c.Op == "navigate" && c.Target == loginURL {
			navs++
		}
	}
	assert.Equal(t, 2, navs, "one retry, then the session is reused")
	v, _ := f.Value("#username")
	assert.Equal(t, "clerk", v)
}

func TestLoginRetriesBoundedThroughRetryingPage(t *testing.T) {
	f := page(200, `{}`)
	loginURL := baseURL + "/dhis-web-commons/security/login.action"
	f.OnNavigate = func(_ *browsertest.Fake, url string) error {
		if url == loginURL {
			return fault.Newf(fault.TagTransientRemote, "navigate", "timeout")
		}
		return nil
	}
	target, bc, fc := testConfig(t)
	wrapped := browser.WithRetry(f, bc.Attempts(), time.Millisecond, nil)
	o := New(wrapped, target, bc, fc, WithSettle(0))

	err := o.EnsureLoggedIn(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.TransientRemoteFault)
	assert.Equal(t, bc.Attempts(), f.Count("navigate"))
}

func TestLoginFailure(t *testing.T) {
	f := page(200, `{}`)
	f.Missing[`[data-test="headerbar-apps-icon"]`] = true
	out, err := newOrchestrator(t, f).Fill(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrSelectorNotFound)
	assert.Equal(t, StateFailed, out.State)
	assert.Zero(t, f.Count("listen"))
}

func TestLoginMissingCredentials(t *testing.T) {
	target, bc, fc := testConfig(t)
	t.Setenv("FORMSYNC_PASSWORD", "")
	o := New(browsertest.New(), target, bc, fc)
	err := o.EnsureLoggedIn(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FORMSYNC_PASSWORD")
}

func TestFillTraceEvents(t *testing.T) {
	tr := &memTracer{}
	f := page(200, `{}`)
	_, err := newOrchestrator(t, f, WithTracer(tr)).Fill(context.Background(), request())
	require.NoError(t, err)

	var states []string
	for _, e := range tr.events {
		if e.kind == "state" {
			states = append(states, e.data.(map[string]string)["to"])
		}
	}
	assert.Equal(t, []string{
		"logged_in", "location_resolved", "period_selected", "tabs_filled",
		"submitted", "outcome_captured", "succeeded",
	}, states)
}

type memEvent struct {
	kind string
	data interface{}
}

type memTracer struct {
	events   []memEvent
	attached map[string][]byte
}

func (m *memTracer) Log(kind string, data interface{}) {
	m.events = append(m.events, memEvent{kind, data})
}

func (m *memTracer) Attach(name, ext string, data []byte) (string, error) {
	if m.attached == nil {
		m.attached = map[string][]byte{}
	}
	path := "trace_run-1_" + name + ext
	m.attached[path] = data
	return path, nil
}

func TestFillPlannerRunsAfterPeriodSelection(t *testing.T) {
	f := page(200, `{"stats":{"created":3}}`)
	req := request()
	req.Inventory, req.Mappings = structcache.FieldInventory{}, nil
	req.Planner = func(ctx context.Context) (Plan, error) {
		// The form is only rendered once the period is chosen.
		calls := f.Snapshot()
		assert.Equal(t, browsertest.Call{Op: "wait", Target: "#contentDiv"}, calls[len(calls)-1])
		return Plan{Inventory: inventory(), Mappings: mappings(), Degraded: true}, nil
	}

	out, err := newOrchestrator(t, f).Fill(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.True(t, out.Degraded)
	assert.Equal(t, 3, out.TotalFields)
	assert.Equal(t, 1, out.UnresolvedFields)
	assert.Equal(t, 3, out.FieldsFilled)
}

func TestFillPlannerFailure(t *testing.T) {
	f := page(200, `{}`)
	req := request()
	req.Planner = func(ctx context.Context) (Plan, error) {
		return Plan{}, fault.Newf(fault.TagDiscoveryUnavailable, "discover fields", "form did not render")
	}

	out, err := newOrchestrator(t, f).Fill(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.DiscoveryUnavailable))
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, fault.TagDiscoveryUnavailable, out.ErrorTag)
	_, filled := f.Value("#f1")
	assert.False(t, filled)
	assert.Equal(t, 0, f.Count("listen"))
	assert.Equal(t, 0, f.ActiveListeners())
}

func TestFillRequestInvalidatorOverrides(t *testing.T) {
	shared, scoped := &countingInvalidator{}, &countingInvalidator{}
	f := page(200, `{}`)
	f.Missing["#f3"] = true
	req := request()
	req.Invalidator = scoped

	_, err := newOrchestrator(t, f, WithInvalidator(shared)).Fill(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, shared.calls)
	assert.Equal(t, 1, scoped.calls)
}

func TestPrepareOpensFormWithoutFilling(t *testing.T) {
	f := page(200, `{}`)
	o := newOrchestrator(t, f)
	require.NoError(t, o.Prepare(context.Background(), hierarchy(), []string{"Kenya", "Nairobi", "Kibera Clinic"}, "202602"))

	v, _ := f.Value("#selectedPeriodId")
	assert.Equal(t, "202602", v)
	assert.Equal(t, 0, f.Count("listen"))

	err := o.Prepare(context.Background(), hierarchy(), []string{"Kenya", "Nairobi"}, "")
	assert.True(t, errors.Is(err, fault.LocationNotFound), "non-selectable unit")
}

func TestFillNotEditableFieldIsUnfilled(t *testing.T) {
	f := page(200, `{"status":"OK"}`)
	f.Locked["#f2"] = true
	inv := &countingInvalidator{}

	out, err := newOrchestrator(t, f, WithInvalidator(inv)).Fill(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, 2, out.FieldsFilled)
	assert.Equal(t, []string{"outpatients_new_cases_less_than_8_days_female"}, out.UnfilledFields)
	assert.Zero(t, inv.calls, "a locked field is not drift")
	_, set := f.Value("#f2")
	assert.False(t, set)
}

func TestFillFailureScreenshot(t *testing.T) {
	tr := &memTracer{}
	f := page(0, "")
	out, err := newOrchestrator(t, f, WithTracer(tr)).Fill(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	require.Len(t, out.Screenshots, 1)
	assert.Contains(t, tr.attached, out.Screenshots[0])
	assert.Equal(t, 1, f.Count("screenshot"))

	t.Run("not before the session is touched", func(t *testing.T) {
		f := page(200, `{}`)
		req := request()
		req.LocationPath = []string{"Kenya", "Mombasa"}
		out, err := newOrchestrator(t, f, WithTracer(&memTracer{})).Fill(context.Background(), req)
		require.Error(t, err)
		assert.Empty(t, out.Screenshots)
		assert.Zero(t, f.Count("screenshot"))
	})

	t.Run("screenshot errors do not change the outcome", func(t *testing.T) {
		f := page(0, "")
		f.FailNext("screenshot", "", errors.New("target closed"))
		out, err := newOrchestrator(t, f, WithTracer(&memTracer{})).Fill(context.Background(), request())
		require.NoError(t, err)
		assert.Equal(t, fault.TagTransientRemote, out.ErrorTag)
		assert.Empty(t, out.Screenshots)
	})
}

func TestFillValidateBeforeSubmit(t *testing.T) {
	target, bc, fc := testConfig(t)
	fc.ValidateBeforeSubmit = true
	tr := &memTracer{}

	f := page(200, `{"status":"OK"}`)
	out, err := New(f, target, bc, fc, WithSettle(0), WithTracer(tr)).Fill(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Len(t, out.Screenshots, 1)

	var clicks []string
	for _, c := range f.Snapshot() {
		if c.Op == "click" {
			clicks = append(clicks, c.Target)
		}
	}
	require.GreaterOrEqual(t, len(clicks), 2)
	assert.Equal(t, []string{"#validateButton", "#completeButton"}, clicks[len(clicks)-2:])

	t.Run("missing button is skipped", func(t *testing.T) {
		f := page(200, `{"status":"OK"}`)
		f.Missing["#validateButton"] = true
		out, err := New(f, target, bc, fc, WithSettle(0)).Fill(context.Background(), request())
		require.NoError(t, err)
		assert.Equal(t, StateSucceeded, out.State)
		assert.Empty(t, out.Screenshots)
	})
}

func TestReplayFormOnAnotherPage(t *testing.T) {
	primary := page(200, `{}`)
	o := newOrchestrator(t, primary)

	extra := page(0, "")
	require.Error(t, o.ReplayForm(context.Background(), extra), "nothing opened yet")

	require.NoError(t, o.Prepare(context.Background(), hierarchy(), []string{"Kenya", "Nairobi", "Kibera Clinic"}, "202602"))
	loginNavs := primary.Count("navigate")

	require.NoError(t, o.ReplayForm(context.Background(), extra))
	v, _ := extra.Value("#selectedPeriodId")
	assert.Equal(t, "202602", v)
	assert.Contains(t, extra.Snapshot(), browsertest.Call{Op: "click", Target: "#orgUnitKIB > a"})
	assert.Equal(t, loginNavs, primary.Count("navigate"), "replay leaves the primary page alone")
	_, typed := extra.Value("#username")
	assert.False(t, typed, "the browser session is already logged in")
}
