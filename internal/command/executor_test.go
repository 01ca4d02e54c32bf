package command

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/pitabwire/datagrid/model"
)

// --- test doubles ---

type call struct {
	method string
	args   []any
}

type mockTransport struct {
	mu        sync.Mutex
	calls     []call
	failOn    string
	failAfter int
	result    map[string]any
}

func (m *mockTransport) record(method string, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{method: method, args: args})
	if m.failOn == method {
		if m.failAfter <= 0 {
			return errors.New(method + " failed")
		}
		m.failAfter--
	}
	return nil
}

func (m *mockTransport) InvokeAction(_ context.Context, name string, params map[string]any) (map[string]any, error) {
	if err := m.record("InvokeAction", name, params); err != nil {
		return nil, err
	}
	return m.result, nil
}

func (m *mockTransport) DeleteRecord(_ context.Context, entity, id string) error {
	return m.record("DeleteRecord", entity, id)
}

func (m *mockTransport) ExecuteWorkflow(_ context.Context, workflowID, recordID string) error {
	return m.record("ExecuteWorkflow", workflowID, recordID)
}

func (m *mockTransport) OpenRecord(_ context.Context, entity, id string) error {
	return m.record("OpenRecord", entity, id)
}

func (m *mockTransport) OpenCreateForm(_ context.Context, entity string, opts model.CreateOptions) error {
	return m.record("OpenCreateForm", entity, opts)
}

func (m *mockTransport) methods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.method
	}
	return out
}

type mockFeedback struct {
	answer   bool
	prompts  []string
	notices  []model.Notice
	busy     []bool
	busyKeys []string
}

func (f *mockFeedback) Confirm(_ context.Context, message string) bool {
	f.prompts = append(f.prompts, message)
	return f.answer
}

func (f *mockFeedback) Notify(_ context.Context, n model.Notice) {
	f.notices = append(f.notices, n)
}

func (f *mockFeedback) SetBusy(key string, busy bool) {
	f.busyKeys = append(f.busyKeys, key)
	f.busy = append(f.busy, busy)
}

type mockOutput struct{ keys []string }

func (o *mockOutput) LastAction(_ context.Context, key string) { o.keys = append(o.keys, key) }

type mockObserver struct{ events []CommandEvent }

func (o *mockObserver) OnCommandExecuted(_ context.Context, e CommandEvent) {
	o.events = append(o.events, e)
}

type fixture struct {
	transport *mockTransport
	ui        *mockFeedback
	output    *mockOutput
	refreshes int
	ec        *ExecutionContext
}

func newFixture(selected ...string) *fixture {
	f := &fixture{
		transport: &mockTransport{},
		ui:        &mockFeedback{answer: true},
		output:    &mockOutput{},
	}
	f.ec = &ExecutionContext{
		EntityName: "account",
		Selected:   selected,
		Refresh:    func(context.Context) { f.refreshes++ },
		Transport:  f.transport,
		Output:     f.output,
		UI:         f.ui,
	}
	return f
}

func intPtr(n int) *int { return &n }

// --- tests ---

func TestExecutor_unknownKeyIsNotFound(t *testing.T) {
	e := NewExecutor(NewRegistry())
	_, err := e.Execute(context.Background(), "nope", newFixture().ec)
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestExecutor_deleteConfirmsThenDeletesSequentially(t *testing.T) {
	f := newFixture("a", "b", "c")
	obs := &mockObserver{}
	e := NewExecutor(NewRegistry(), WithObserver(obs))

	out, err := e.Execute(context.Background(), KeyDelete, f.ec)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != StatusExecuted {
		t.Errorf("Status = %q, want executed", out.Status)
	}
	if want := []string{"Delete 3 selected items?"}; !reflect.DeepEqual(f.ui.prompts, want) {
		t.Errorf("prompts = %v, want %v", f.ui.prompts, want)
	}
	want := []call{
		{"DeleteRecord", []any{"account", "a"}},
		{"DeleteRecord", []any{"account", "b"}},
		{"DeleteRecord", []any{"account", "c"}},
	}
	if !reflect.DeepEqual(f.transport.calls, want) {
		t.Errorf("calls = %v, want %v", f.transport.calls, want)
	}
	if f.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", f.refreshes)
	}
	if !reflect.DeepEqual(f.output.keys, []string{KeyDelete}) {
		t.Errorf("last action = %v", f.output.keys)
	}
	if len(obs.events) != 1 || obs.events[0].Status != StatusExecuted || obs.events[0].Selected != 3 {
		t.Errorf("events = %+v", obs.events)
	}
}

func TestExecutor_declinedConfirmationHasNoSideEffects(t *testing.T) {
	f := newFixture("a")
	f.ui.answer = false
	out, err := NewExecutor(NewRegistry()).Execute(context.Background(), KeyDelete, f.ec)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", out.Status)
	}
	if len(f.transport.calls) != 0 || f.refreshes != 0 || len(f.output.keys) != 0 || len(f.ui.busy) != 0 {
		t.Errorf("side effects after decline: calls=%v refreshes=%d output=%v busy=%v",
			f.transport.calls, f.refreshes, f.output.keys, f.ui.busy)
	}
}

func TestExecutor_emptySelectionRaisesInfoNotice(t *testing.T) {
	for _, key := range []string{KeyOpen, KeyDelete} {
		t.Run(key, func(t *testing.T) {
			f := newFixture()
			out, err := NewExecutor(NewRegistry()).Execute(context.Background(), key, f.ec)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if out.Status != StatusSelectionRequired {
				t.Errorf("Status = %q", out.Status)
			}
			if len(f.ui.notices) != 1 || f.ui.notices[0].Level != model.NoticeInfo {
				t.Errorf("notices = %+v, want one info notice", f.ui.notices)
			}
			if len(f.transport.calls) != 0 || len(f.ui.prompts) != 0 {
				t.Error("no prompt or transport call expected")
			}
		})
	}
}

func TestExecutor_openUsesFirstSelected(t *testing.T) {
	f := newFixture("x", "y")
	if _, err := NewExecutor(NewRegistry()).Execute(context.Background(), KeyOpen, f.ec); err != nil {
		t.Fatal(err)
	}
	want := []call{{"OpenRecord", []any{"account", "x"}}}
	if !reflect.DeepEqual(f.transport.calls, want) {
		t.Errorf("calls = %v, want %v", f.transport.calls, want)
	}
}

func TestExecutor_createScopedToParent(t *testing.T) {
	f := newFixture()
	f.ec.ParentEntity, f.ec.ParentID = "account", "acc-1"
	if _, err := NewExecutor(NewRegistry()).Execute(context.Background(), KeyCreate, f.ec); err != nil {
		t.Fatal(err)
	}
	want := []call{{"OpenCreateForm", []any{"account", model.CreateOptions{ParentEntity: "account", ParentID: "acc-1"}}}}
	if !reflect.DeepEqual(f.transport.calls, want) {
		t.Errorf("calls = %v, want %v", f.transport.calls, want)
	}
}

func TestExecutor_refreshBuiltin(t *testing.T) {
	f := newFixture()
	if _, err := NewExecutor(NewRegistry()).Execute(context.Background(), KeyRefresh, f.ec); err != nil {
		t.Fatal(err)
	}
	if f.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", f.refreshes)
	}
}

func TestExecutor_failureIsReportedNotReturned(t *testing.T) {
	f := newFixture("a", "b", "c")
	f.transport.failOn = "DeleteRecord"
	f.transport.failAfter = 1
	out, err := NewExecutor(NewRegistry()).Execute(context.Background(), KeyDelete, f.ec)
	if err != nil {
		t.Fatalf("Execute() returned %v, failures must not escape", err)
	}
	if out.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", out.Status)
	}
	if got := f.transport.methods(); len(got) != 2 {
		t.Errorf("deletion should stop at the failing record, calls = %v", got)
	}
	last := f.ui.notices[len(f.ui.notices)-1]
	if last.Level != model.NoticeError || last.Message != "deleting record b: DeleteRecord failed" {
		t.Errorf("error notice = %+v", last)
	}
	if len(f.output.keys) != 0 {
		t.Error("failed command must not emit last action")
	}
	if f.refreshes != 1 {
		t.Errorf("partial delete should refresh once, got %d", f.refreshes)
	}
}

func TestExecutor_busyClearedOnEveryPath(t *testing.T) {
	tests := []struct {
		name   string
		failOn string
	}{
		{"success", ""},
		{"failure", "InvokeAction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			d, _ := BuildCustom("approve", model.CommandDefinition{ActionType: model.ActionAction, ActionName: "new_Approve"})
			_ = reg.Register(d)
			f := newFixture("a")
			f.transport.failOn = tt.failOn

			if _, err := NewExecutor(reg).Execute(context.Background(), "approve", f.ec); err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(f.ui.busy, []bool{true, false}) {
				t.Errorf("busy transitions = %v, want [true false]", f.ui.busy)
			}
		})
	}
}

func TestExecutor_customActionResolvesParameters(t *testing.T) {
	reg := NewRegistry()
	d, err := BuildCustom("recalc", model.CommandDefinition{
		ActionType: model.ActionCustomAPI,
		ActionName: "new_Recalculate",
		Parameters: map[string]any{
			"Target":   "{parentRecordId}",
			"Records":  "{selectedIds}",
			"Label":    "{entityName} ({count})",
			"Region":   "{context.claims.region}",
			"Mode":     "'full'",
			"Priority": 2.0,
		},
		SuccessMessage: "Recalculated {selectedCount} records",
		Refresh:        true,
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = reg.Register(d)

	f := newFixture("a", "b")
	f.ec.ParentID = "p-1"
	f.ec.Values = map[string]any{"claims": map[string]any{"region": "eu"}}
	f.transport.result = map[string]any{"Updated": 2.0}

	out, err := NewExecutor(reg).Execute(context.Background(), "recalc", f.ec)
	if err != nil {
		t.Fatal(err)
	}
	if out.Message != "Recalculated 2 records" {
		t.Errorf("Message = %q", out.Message)
	}
	if out.Result["Updated"] != 2.0 {
		t.Errorf("Result = %v", out.Result)
	}
	if f.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", f.refreshes)
	}

	got := f.transport.calls[0]
	if got.args[0] != "new_Recalculate" {
		t.Errorf("action = %v", got.args[0])
	}
	params := got.args[1].(map[string]any)
	want := map[string]any{
		"Target":   "p-1",
		"Records":  []string{"a", "b"},
		"Label":    "account (2)",
		"Region":   "eu",
		"Mode":     "full",
		"Priority": 2.0,
	}
	if !reflect.DeepEqual(params, want) {
		t.Errorf("params = %#v, want %#v", params, want)
	}
}

type fakeFunctions struct {
	called string
	params map[string]any
}

func (f *fakeFunctions) Call(_ context.Context, name string, params map[string]any) (map[string]any, error) {
	f.called, f.params = name, params
	return map[string]any{"rows": 2}, nil
}

func TestExecutor_functionCommand(t *testing.T) {
	reg := NewRegistry()
	d, _ := BuildCustom("export", model.CommandDefinition{
		ActionType:   model.ActionFunction,
		FunctionName: "exportCsv",
		Parameters:   map[string]any{"ids": "{selectedIds}"},
	})
	_ = reg.Register(d)
	fns := &fakeFunctions{}

	f := newFixture("a", "b")
	out, _ := NewExecutor(reg, WithFunctions(fns)).Execute(context.Background(), "export", f.ec)
	if out.Status != StatusExecuted || fns.called != "exportCsv" {
		t.Fatalf("out = %+v, called = %q", out, fns.called)
	}

	out, _ = NewExecutor(reg).Execute(context.Background(), "export", newFixture("a").ec)
	if out.Status != StatusFailed {
		t.Errorf("missing function registry should fail, got %q", out.Status)
	}
}

func TestExecutor_workflowRunsPerRecord(t *testing.T) {
	reg := NewRegistry()
	d, _ := BuildCustom("onboard", model.CommandDefinition{ActionType: model.ActionWorkflow, WorkflowID: "wf-9"})
	_ = reg.Register(d)

	f := newFixture("a", "b")
	_, _ = NewExecutor(reg).Execute(context.Background(), "onboard", f.ec)
	want := []call{
		{"ExecuteWorkflow", []any{"wf-9", "a"}},
		{"ExecuteWorkflow", []any{"wf-9", "b"}},
	}
	if !reflect.DeepEqual(f.transport.calls, want) {
		t.Errorf("calls = %v", f.transport.calls)
	}

	f = newFixture()
	f.ec.ParentID = "p-1"
	_, _ = NewExecutor(reg).Execute(context.Background(), "onboard", f.ec)
	if len(f.transport.calls) != 1 || f.transport.calls[0].args[1] != "p-1" {
		t.Errorf("parent fallback calls = %v", f.transport.calls)
	}
}

func TestExecutor_selectionBoundsAbortSilently(t *testing.T) {
	reg := NewRegistry()
	d, _ := BuildCustom("merge", model.CommandDefinition{
		ActionType:        model.ActionAction,
		ActionName:        "Merge",
		RequiresSelection: true,
		MinSelection:      intPtr(2),
		MaxSelection:      intPtr(2),
	})
	_ = reg.Register(d)
	e := NewExecutor(reg)

	tests := []struct {
		selected []string
		want     Status
	}{
		{[]string{"a"}, StatusDisabled},
		{[]string{"a", "b"}, StatusExecuted},
		{[]string{"a", "b", "c"}, StatusDisabled},
		{nil, StatusSelectionRequired},
	}
	for _, tt := range tests {
		f := newFixture(tt.selected...)
		out, err := e.Execute(context.Background(), "merge", f.ec)
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != tt.want {
			t.Errorf("selected=%v: Status = %q, want %q", tt.selected, out.Status, tt.want)
		}
		if tt.want == StatusDisabled && (len(f.ui.notices) != 0 || len(f.transport.calls) != 0) {
			t.Errorf("disabled command must be silent, notices=%v calls=%v", f.ui.notices, f.transport.calls)
		}
	}
}

func TestExecutor_zeroMaxSelectionAllowsOnlyEmptySelection(t *testing.T) {
	reg := NewRegistry()
	d, err := BuildCustom("import", model.CommandDefinition{
		ActionType:   model.ActionAction,
		ActionName:   "Import",
		MaxSelection: intPtr(0),
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = reg.Register(d)
	e := NewExecutor(reg)

	tests := []struct {
		selected []string
		want     Status
	}{
		{nil, StatusExecuted},
		{[]string{"a"}, StatusDisabled},
		{[]string{"a", "b"}, StatusDisabled},
	}
	for _, tt := range tests {
		f := newFixture(tt.selected...)
		out, err := e.Execute(context.Background(), "import", f.ec)
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != tt.want {
			t.Errorf("selected=%v: Status = %q, want %q", tt.selected, out.Status, tt.want)
		}
	}

	// Without a maximum any selection size passes.
	d, _ = BuildCustom("tag", model.CommandDefinition{ActionType: model.ActionAction, ActionName: "Tag"})
	if d.Gate.MaxSelection != nil {
		t.Fatalf("MaxSelection = %v, want nil", *d.Gate.MaxSelection)
	}
	if !d.Gate.Allows(newFixture("a", "b", "c").ec) {
		t.Error("unbounded gate rejected a selection")
	}
}

func TestExecutor_privilegesGate(t *testing.T) {
	f := newFixture("a")
	f.ec.Privileges = model.PrivilegeSet{"account:read": true}
	e := NewExecutor(NewRegistry())

	out, _ := e.Execute(context.Background(), KeyDelete, f.ec)
	if out.Status != StatusDisabled {
		t.Errorf("delete without privilege: Status = %q, want disabled", out.Status)
	}
	out, _ = e.Execute(context.Background(), KeyOpen, f.ec)
	if out.Status != StatusExecuted {
		t.Errorf("open with read privilege: Status = %q", out.Status)
	}
}

func TestExecutor_enablePredicate(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(Descriptor{
		Key:    "custom-refresh",
		Action: model.ActionRefresh,
		Gate:   Gate{Enabled: func(ec *ExecutionContext) bool { return ec.ParentID != "" }},
	})
	f := newFixture()
	out, _ := NewExecutor(reg).Execute(context.Background(), "custom-refresh", f.ec)
	if out.Status != StatusDisabled || f.refreshes != 0 {
		t.Errorf("predicate false: Status = %q refreshes = %d", out.Status, f.refreshes)
	}
}
