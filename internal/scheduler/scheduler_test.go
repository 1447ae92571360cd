package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factoryedge/eventgen/internal/model"
	"github.com/factoryedge/eventgen/internal/rules"
)

// scriptedAdapter feeds one pre-recorded reading map per Read call.
type scriptedAdapter struct {
	script map[string][]map[string]interface{} // equipment -> per-tick readings
	calls  map[string]int
}

func newScriptedAdapter() *scriptedAdapter {
	return &scriptedAdapter{
		script: make(map[string][]map[string]interface{}),
		calls:  make(map[string]int),
	}
}

func (a *scriptedAdapter) feed(eq string, readings ...map[string]interface{}) {
	a.script[eq] = append(a.script[eq], readings...)
}

func (a *scriptedAdapter) Connect(_ []*model.Equipment) error { return nil }
func (a *scriptedAdapter) Close()                             {}

func (a *scriptedAdapter) Read(eq *model.Equipment) map[string]interface{} {
	i := a.calls[eq.Name]
	a.calls[eq.Name]++
	if i >= len(a.script[eq.Name]) {
		return nil
	}
	return a.script[eq.Name][i]
}

// memorySink records stored events in memory.
type memorySink struct {
	events []EventPayload
	failed bool
}

func (s *memorySink) Store(eventName string, payload []byte, createdAt int64) (int64, error) {
	if s.failed {
		return 0, assert.AnError
	}
	var p EventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, err
	}
	s.events = append(s.events, p)
	return int64(len(s.events)), nil
}

func buildEquipment(t *testing.T) *model.Equipment {
	t.Helper()
	eq, err := model.NewEquipment("E1", model.EquipmentConfig{
		Code:     "MT-01",
		Metadata: map[string]interface{}{"planta": "sul"},
		Tags: []model.TagConfig{
			{Name: "Pressao", PLCAddress: "100", Type: "float"},
		},
		EventRules: []model.RuleConfig{
			{Name: "R1", Expression: "Pressao < 2.0", RoutingKey: "alerts.pressure", Output: "Pressao"},
		},
	}, rules.NewCache())
	require.NoError(t, err)
	return eq
}

func newTestGenerator(adapter *scriptedAdapter, sink *memorySink, eqs ...*model.Equipment) *Generator {
	g := New(adapter, eqs, sink, time.Second)
	base := time.Unix(1700000000, 0)
	tick := 0
	g.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return g
}

func TestRisingEdgeEmitsExactlyOnce(t *testing.T) {
	eq := buildEquipment(t)
	adapter := newScriptedAdapter()
	adapter.feed("E1",
		map[string]interface{}{"Pressao": 3.0},
		map[string]interface{}{"Pressao": 2.5},
		map[string]interface{}{"Pressao": 1.8},
		map[string]interface{}{"Pressao": 1.5},
	)
	sink := &memorySink{}
	g := newTestGenerator(adapter, sink, eq)

	for i := 0; i < 4; i++ {
		g.evaluateTick()
	}

	require.Len(t, sink.events, 1, "exactly one event across the falling readings")
	ev := sink.events[0]
	assert.Equal(t, "R1", ev.EventName)
	assert.Equal(t, "MT-01", ev.Code)
	assert.Equal(t, "alerts.pressure", ev.RoutingKey)
	assert.Equal(t, map[string]interface{}{"planta": "sul"}, ev.Metadata)
	assert.Equal(t, map[string]interface{}{"Pressao": 1.8}, ev.Data, "output carries the value at emission")
	assert.True(t, eq.Rules[0].State)
}

func TestNoDuplicateOnSustainedTrue(t *testing.T) {
	eq := buildEquipment(t)
	adapter := newScriptedAdapter()
	adapter.feed("E1",
		map[string]interface{}{"Pressao": 1.8},
		map[string]interface{}{"Pressao": 1.2},
	)
	sink := &memorySink{}
	g := newTestGenerator(adapter, sink, eq)

	g.evaluateTick()
	g.evaluateTick()

	assert.Len(t, sink.events, 1)
	assert.True(t, eq.Rules[0].State)
}

func TestReArmAfterFallingEdge(t *testing.T) {
	eq := buildEquipment(t)
	adapter := newScriptedAdapter()
	adapter.feed("E1",
		map[string]interface{}{"Pressao": 1.8}, // rising edge -> event
		map[string]interface{}{"Pressao": 2.1}, // falling edge -> no event
		map[string]interface{}{"Pressao": 1.9}, // rising edge again -> event
	)
	sink := &memorySink{}
	g := newTestGenerator(adapter, sink, eq)

	g.evaluateTick()
	g.evaluateTick()
	g.evaluateTick()

	assert.Len(t, sink.events, 2)
}

func TestUnchangedSymtableEmitsOnlyOnce(t *testing.T) {
	eq := buildEquipment(t)
	adapter := newScriptedAdapter()
	adapter.feed("E1", map[string]interface{}{"Pressao": 1.8})
	sink := &memorySink{}
	g := newTestGenerator(adapter, sink, eq)

	g.evaluateTick()
	g.evaluateTick() // adapter dry, symtable unchanged

	assert.Len(t, sink.events, 1, "edge semantics: second identical tick is silent")
}

func TestEquipmentWithoutReadingsIsSkipped(t *testing.T) {
	eq := buildEquipment(t)
	adapter := newScriptedAdapter()
	sink := &memorySink{}
	g := newTestGenerator(adapter, sink, eq)

	g.evaluateTick()
	g.evaluateTick()

	assert.Empty(t, sink.events)
	assert.False(t, eq.Rules[0].State, "rule state untouched before first reading")
}

func TestRuleErrorDoesNotStopOtherRules(t *testing.T) {
	eq, err := model.NewEquipment("E1", model.EquipmentConfig{
		Code: "MT-01",
		Tags: []model.TagConfig{
			{Name: "Pressao", PLCAddress: "100", Type: "float"},
			{Name: "Divisor", PLCAddress: "101", Type: "int"},
		},
		EventRules: []model.RuleConfig{
			{Name: "Quebrada", Expression: "10 / Divisor > 1"},
			{Name: "Boa", Expression: "Pressao < 2.0"},
		},
	}, rules.NewCache())
	require.NoError(t, err)

	adapter := newScriptedAdapter()
	adapter.feed("E1", map[string]interface{}{"Pressao": 1.5, "Divisor": 0})
	sink := &memorySink{}
	g := newTestGenerator(adapter, sink, eq)

	g.evaluateTick()

	require.Len(t, sink.events, 1, "healthy rule still evaluated after the broken one")
	assert.Equal(t, "Boa", sink.events[0].EventName)
	assert.False(t, eq.Rules[0].State, "erroring rule is treated as false")
}

func TestSinkFailureIsFatalToThatEventOnly(t *testing.T) {
	eq := buildEquipment(t)
	adapter := newScriptedAdapter()
	adapter.feed("E1",
		map[string]interface{}{"Pressao": 1.8},
		map[string]interface{}{"Pressao": 2.5},
		map[string]interface{}{"Pressao": 1.5},
	)
	sink := &memorySink{failed: true}
	g := newTestGenerator(adapter, sink, eq)

	g.evaluateTick() // store fails, event dropped
	sink.failed = false
	g.evaluateTick() // falling edge
	g.evaluateTick() // rising edge again

	require.Len(t, sink.events, 1)
}

func TestMultipleEquipmentsAreIsolated(t *testing.T) {
	e1 := buildEquipment(t)
	e2, err := model.NewEquipment("E2", model.EquipmentConfig{
		Code: "FV-101",
		Tags: []model.TagConfig{
			{Name: "Temp", PLCAddress: "200", Type: "float"},
		},
		EventRules: []model.RuleConfig{
			{Name: "TempAlta", Expression: "Temp > 25"},
		},
	}, rules.NewCache())
	require.NoError(t, err)

	adapter := newScriptedAdapter()
	adapter.feed("E1", map[string]interface{}{"Pressao": 1.5})
	adapter.feed("E2", map[string]interface{}{"Temp": 30.0})
	sink := &memorySink{}
	g := newTestGenerator(adapter, sink, e1, e2)

	g.evaluateTick()

	require.Len(t, sink.events, 2)
	assert.Equal(t, "R1", sink.events[0].EventName)
	assert.Equal(t, "TempAlta", sink.events[1].EventName)
	assert.Equal(t, "MT-01", sink.events[0].Code)
	assert.Equal(t, "FV-101", sink.events[1].Code)
}
