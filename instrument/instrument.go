package instrument

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/runtime/activity"
	"github.com/timzifer/scopectl/runtime/state"
	"github.com/timzifer/scopectl/runtime/writers"
	"github.com/timzifer/scopectl/telemetry"
)

var (
	// ErrNotFound is returned for unknown controls and properties.
	ErrNotFound = state.ErrNotFound
	// ErrTypeMismatch is returned when a property is accessed with the wrong type.
	ErrTypeMismatch = state.ErrTypeMismatch
	// ErrTimeout is returned when a confirmed write does not settle in time.
	ErrTimeout = errors.New("confirm timeout")
	// ErrState is returned for unbalanced temporary state or transaction calls.
	ErrState = errors.New("unbalanced state nesting")
	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("instrument closed")
	// ErrCycle is returned when a link would make the control graph cyclic.
	ErrCycle = errors.New("control dependency cycle")
)

// Control states reported by GetControlState.
const (
	StateSettled     = "settled"
	StateConfirming  = "confirming"
	StateUnconfirmed = "unconfirmed"
)

// Option configures an Instrument.
type Option func(*Instrument)

// WithLogger sets the logger used by the instrument.
func WithLogger(logger zerolog.Logger) Option {
	return func(i *Instrument) {
		i.logger = logger
	}
}

// WithTelemetry sets the telemetry collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(i *Instrument) {
		if collector != nil {
			i.metrics = collector
		}
	}
}

// WithListener subscribes a listener from construction on.
func WithListener(l activity.Listener) Option {
	return func(i *Instrument) {
		i.hub.Subscribe(l)
	}
}

// Dependency describes one weighted input of a control.
type Dependency struct {
	Control string
	Input   string
	Weight  float64
}

type change struct {
	name  string
	value float64
}

type frame struct {
	locals map[string]float64
	props  map[string]interface{}
}

// Instrument exposes dependency-linked controls and typed properties of one
// piece of hardware.
//
// Temporary state and transaction nesting assume a single logical caller;
// all other calls are safe for concurrent use.
type Instrument struct {
	id      string
	name    string
	logger  zerolog.Logger
	writer  writers.ControlWriter
	metrics telemetry.Collector
	hub     *activity.Hub

	tolerance float64
	timeout   time.Duration
	poll      time.Duration

	// writeMu orders graph updates with the hardware writes they cause.
	writeMu   sync.Mutex
	mu        sync.Mutex
	graph     *graph
	props     *state.Properties
	states    map[string]string
	temporary []frame
	txDepth   int
	pending   map[string]float64
	pendingPr map[string]struct{}
	closed    bool
}

// New builds an instrument from its configuration. A nil writer selects an
// in-memory writer whose read-back follows applied values immediately.
func New(cfg config.InstrumentConfig, writer writers.ControlWriter, opts ...Option) (*Instrument, error) {
	if cfg.ID == "" {
		return nil, errors.New("instrument id must not be empty")
	}
	if writer == nil {
		writer = writers.NewMemory()
	}
	props, err := state.NewProperties(cfg.Properties)
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", cfg.ID, err)
	}
	inst := &Instrument{
		id:        cfg.ID,
		name:      cfg.Name,
		logger:    zerolog.Nop(),
		writer:    writer,
		metrics:   telemetry.Noop(),
		hub:       activity.NewHub(),
		tolerance: DefaultConfirmToleranceFactor,
		timeout:   DefaultConfirmTimeout,
		poll:      DefaultPollInterval,
		graph:     newGraph(),
		props:     props,
		states:    make(map[string]string),
		pending:   make(map[string]float64),
		pendingPr: make(map[string]struct{}),
	}
	if inst.name == "" {
		inst.name = cfg.ID
	}
	if cfg.Confirm.ToleranceFactor > 0 {
		inst.tolerance = cfg.Confirm.ToleranceFactor
	}
	if cfg.Confirm.Timeout.Duration > 0 {
		inst.timeout = cfg.Confirm.Timeout.Duration
	}
	if cfg.Confirm.PollInterval.Duration > 0 {
		inst.poll = cfg.Confirm.PollInterval.Duration
	}
	for _, opt := range opts {
		if opt != nil {
			opt(inst)
		}
	}
	inst.logger = inst.logger.With().Str("component", "instrument").Str("instrument", cfg.ID).Logger()

	for _, ctrl := range cfg.Controls {
		if _, err := inst.graph.add(ctrl.Name, ctrl.Units, ctrl.Value); err != nil {
			return nil, fmt.Errorf("instrument %s: %w", cfg.ID, err)
		}
	}
	for _, ctrl := range cfg.Controls {
		for _, in := range ctrl.Inputs {
			if err := inst.linkLocked(ctrl.Name, in.Control, in.Weight); err != nil {
				return nil, fmt.Errorf("instrument %s: %w", cfg.ID, err)
			}
		}
	}
	inst.graph.recompute()
	return inst, nil
}

// ID returns the instrument identifier.
func (i *Instrument) ID() string { return i.id }

// Name returns the display name.
func (i *Instrument) Name() string { return i.name }

// Subscribe registers a change listener and returns its cancel function.
func (i *Instrument) Subscribe(l activity.Listener) func() {
	return i.hub.Subscribe(l)
}

// AddControl registers a new control with an initial local value.
func (i *Instrument) AddControl(name, units string, value float64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrClosed
	}
	if _, err := i.graph.add(name, units, value); err != nil {
		return err
	}
	i.graph.recompute()
	return nil
}

// Link makes control depend on input with the given weight. Links that
// would create a cycle fail with ErrCycle.
func (i *Instrument) Link(control, input string, weight float64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrClosed
	}
	if err := i.linkLocked(control, input, weight); err != nil {
		return err
	}
	i.graph.recompute()
	return nil
}

func (i *Instrument) linkLocked(control, input string, weight float64) error {
	to, err := i.graph.lookup(control)
	if err != nil {
		return err
	}
	from, err := i.graph.lookup(input)
	if err != nil {
		return err
	}
	return i.graph.link(to, from, weight)
}

// ControlNames returns the sorted control names.
func (i *Instrument) ControlNames() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.graph.names()
}

// PropertyNames returns the sorted property names.
func (i *Instrument) PropertyNames() []string {
	return i.props.Names()
}

// Dependencies lists every weighted link, ordered topologically by control.
func (i *Instrument) Dependencies() []Dependency {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Dependency, 0)
	for _, idx := range i.graph.order {
		node := i.graph.nodes[idx]
		for _, in := range node.inputs {
			out = append(out, Dependency{Control: node.name, Input: i.graph.nodes[in.from].name, Weight: in.weight})
		}
	}
	return out
}

// GetControlOutput returns the current output of a control.
func (i *Instrument) GetControlOutput(name string) (float64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return 0, ErrClosed
	}
	idx, err := i.graph.lookup(name)
	if err != nil {
		return 0, err
	}
	return i.graph.nodes[idx].output, nil
}

// SetControlOutput changes a control and propagates the change to its
// dependents. With Confirm set it blocks until the hardware read-back of
// the control is within tolerance or the confirm timeout elapses.
func (i *Instrument) SetControlOutput(ctx context.Context, name string, value float64, opts SetOptions) error {
	vt, err := opts.valueType()
	if err != nil {
		return err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("control %q: invalid value %v", name, value)
	}

	i.writeMu.Lock()
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		i.writeMu.Unlock()
		return ErrClosed
	}
	idx, err := i.graph.lookup(name)
	if err != nil {
		i.mu.Unlock()
		i.writeMu.Unlock()
		return err
	}
	before := i.outputsLocked()
	locals := i.graph.locals()
	previousState, hadState := i.states[name]

	var dependents []int
	held := make(map[int]float64)
	if opts.Inform {
		dependents = i.graph.downstream(idx)
		for _, d := range dependents {
			held[d] = i.graph.nodes[d].output
		}
	}

	node := &i.graph.nodes[idx]
	switch vt {
	case ValueLocal:
		node.local = value
	case ValueDelta:
		node.local += value
	case ValueOutput:
		node.local = value - i.graph.inputSum(idx)
	}
	i.graph.recompute()
	if opts.Inform {
		i.graph.compensate(dependents, held)
	}
	target := i.graph.nodes[idx].output
	changes := i.diffLocked(before, idx)
	if opts.Confirm {
		i.states[name] = StateConfirming
	} else {
		delete(i.states, name)
	}
	i.mu.Unlock()

	i.metrics.ObserveControlWrite(i.id, name, string(vt))
	i.logger.Debug().Str("control", name).Str("value_type", string(vt)).Float64("output", target).Bool("inform", opts.Inform).Msg("set control output")

	if applied, err := i.apply(ctx, changes); err != nil {
		i.rollback(locals, before, changes[:applied])
		i.mu.Lock()
		if hadState {
			i.states[name] = previousState
		} else {
			delete(i.states, name)
		}
		i.mu.Unlock()
		i.writeMu.Unlock()
		return err
	}
	i.writeMu.Unlock()
	i.notify(changes, nil)

	if !opts.Confirm {
		return nil
	}
	return i.confirm(ctx, name, target, opts)
}

func (i *Instrument) outputsLocked() []float64 {
	out := make([]float64, len(i.graph.nodes))
	for idx, node := range i.graph.nodes {
		out[idx] = node.output
	}
	return out
}

// diffLocked lists outputs that differ from before in topological order.
// force is always included, or ignored when negative.
func (i *Instrument) diffLocked(before []float64, force int) []change {
	out := make([]change, 0)
	for _, idx := range i.graph.order {
		node := i.graph.nodes[idx]
		if idx == force || idx >= len(before) || node.output != before[idx] {
			out = append(out, change{name: node.name, value: node.output})
		}
	}
	return out
}

// apply writes changes in order and reports how many reached the writer.
func (i *Instrument) apply(ctx context.Context, changes []change) (int, error) {
	for n, c := range changes {
		if err := i.writer.Apply(ctx, c.name, c.value); err != nil {
			i.logger.Error().Err(err).Str("control", c.name).Msg("apply control output")
			return n, fmt.Errorf("apply %s: %w", c.name, err)
		}
	}
	return len(changes), nil
}

// rollback restores the graph to locals and writes the previous outputs of
// the already applied controls back to the hardware. Caller holds writeMu.
func (i *Instrument) rollback(locals map[string]float64, before []float64, applied []change) {
	i.mu.Lock()
	i.restoreLocalsLocked(locals)
	restore := make([]change, 0, len(applied))
	for _, c := range applied {
		if idx, ok := i.graph.index[c.name]; ok && idx < len(before) {
			restore = append(restore, change{name: c.name, value: before[idx]})
		}
	}
	i.mu.Unlock()

	for _, c := range restore {
		if err := i.writer.Apply(context.Background(), c.name, c.value); err != nil {
			i.logger.Error().Err(err).Str("control", c.name).Msg("restore control output")
		}
	}
}

func (i *Instrument) restoreLocalsLocked(locals map[string]float64) {
	for name, local := range locals {
		if idx, ok := i.graph.index[name]; ok {
			i.graph.nodes[idx].local = local
		}
	}
	i.graph.recompute()
}

func (i *Instrument) confirm(ctx context.Context, name string, target float64, opts SetOptions) error {
	factor := opts.ConfirmToleranceFactor
	if factor <= 0 {
		factor = i.tolerance
	}
	timeout := opts.ConfirmTimeout
	if timeout <= 0 {
		timeout = i.timeout
	}
	poll := i.poll
	if poll > timeout {
		poll = timeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		readBack, err := i.writer.ReadBack(ctx, name)
		if err != nil {
			i.setState(name, StateUnconfirmed)
			return fmt.Errorf("read back %s: %w", name, err)
		}
		if withinTolerance(readBack, target, factor) {
			i.setState(name, StateSettled)
			return nil
		}
		select {
		case <-ctx.Done():
			i.setState(name, StateUnconfirmed)
			return ctx.Err()
		case <-timer.C:
			i.setState(name, StateUnconfirmed)
			i.metrics.IncConfirmTimeout(i.id, name)
			i.logger.Warn().Str("control", name).Float64("target", target).Float64("read_back", readBack).Dur("timeout", timeout).Msg("confirm timed out")
			return fmt.Errorf("control %s: read-back %g did not reach %g within %s: %w", name, readBack, target, timeout, ErrTimeout)
		case <-ticker.C:
		}
	}
}

func withinTolerance(readBack, target, factor float64) bool {
	tolerance := factor * math.Abs(target)
	if target == 0 {
		tolerance = factor
	}
	return math.Abs(readBack-target) <= tolerance
}

func (i *Instrument) setState(name, st string) {
	i.mu.Lock()
	i.states[name] = st
	i.mu.Unlock()
}

// GetControlState describes whether a control has settled. Writers that
// report their own state take precedence.
func (i *Instrument) GetControlState(name string) (string, error) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return "", ErrClosed
	}
	if _, err := i.graph.lookup(name); err != nil {
		i.mu.Unlock()
		return "", err
	}
	st := i.states[name]
	i.mu.Unlock()

	if reporter, ok := i.writer.(writers.StateReporter); ok {
		if own := reporter.ControlState(name); own != "" {
			return own, nil
		}
	}
	if st == "" {
		return StateSettled, nil
	}
	return st, nil
}

func (i *Instrument) getProperty(name string, kind config.ValueKind) (interface{}, error) {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return i.props.Get(name, kind)
}

func (i *Instrument) setProperty(name string, kind config.ValueKind, value interface{}) error {
	i.mu.Lock()
	closed := i.closed
	i.mu.Unlock()
	if closed {
		return ErrClosed
	}
	previous, err := i.props.Set(name, kind, value)
	if err != nil {
		return err
	}
	current, _ := i.props.Get(name, kind)
	if previous != current {
		i.notify(nil, []string{name})
	}
	return nil
}

// GetPropertyAsBool returns the bool property name.
func (i *Instrument) GetPropertyAsBool(name string) (bool, error) {
	v, err := i.getProperty(name, config.ValueKindBool)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// SetPropertyAsBool sets the bool property name.
func (i *Instrument) SetPropertyAsBool(name string, value bool) error {
	return i.setProperty(name, config.ValueKindBool, value)
}

// GetPropertyAsFloat returns the float property name.
func (i *Instrument) GetPropertyAsFloat(name string) (float64, error) {
	v, err := i.getProperty(name, config.ValueKindFloat)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// SetPropertyAsFloat sets the float property name.
func (i *Instrument) SetPropertyAsFloat(name string, value float64) error {
	return i.setProperty(name, config.ValueKindFloat, value)
}

// GetPropertyAsInt returns the int property name.
func (i *Instrument) GetPropertyAsInt(name string) (int64, error) {
	v, err := i.getProperty(name, config.ValueKindInt)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// SetPropertyAsInt sets the int property name.
func (i *Instrument) SetPropertyAsInt(name string, value int64) error {
	return i.setProperty(name, config.ValueKindInt, value)
}

// GetPropertyAsString returns the string property name.
func (i *Instrument) GetPropertyAsString(name string) (string, error) {
	v, err := i.getProperty(name, config.ValueKindString)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SetPropertyAsString sets the string property name.
func (i *Instrument) SetPropertyAsString(name string, value string) error {
	return i.setProperty(name, config.ValueKindString, value)
}

// GetPropertyAsFloatPoint returns the float point property name.
func (i *Instrument) GetPropertyAsFloatPoint(name string) (state.FloatPoint, error) {
	v, err := i.getProperty(name, config.ValueKindFloatPoint)
	if err != nil {
		return state.FloatPoint{}, err
	}
	return v.(state.FloatPoint), nil
}

// SetPropertyAsFloatPoint sets the float point property name.
func (i *Instrument) SetPropertyAsFloatPoint(name string, value state.FloatPoint) error {
	return i.setProperty(name, config.ValueKindFloatPoint, value)
}

// BeginTemporaryState checkpoints all control and property values.
func (i *Instrument) BeginTemporaryState() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrClosed
	}
	i.temporary = append(i.temporary, frame{locals: i.graph.locals(), props: i.props.Snapshot()})
	return nil
}

// EndTemporaryState restores the values captured by the matching
// BeginTemporaryState and writes restored outputs to the hardware.
func (i *Instrument) EndTemporaryState(ctx context.Context) error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrClosed
	}
	if len(i.temporary) == 0 {
		i.mu.Unlock()
		return fmt.Errorf("end temporary state without begin: %w", ErrState)
	}
	top := i.temporary[len(i.temporary)-1]
	i.temporary = i.temporary[:len(i.temporary)-1]

	before := i.outputsLocked()
	i.restoreLocalsLocked(top.locals)
	for name := range top.locals {
		delete(i.states, name)
	}
	changes := i.diffLocked(before, -1)
	i.mu.Unlock()

	props := i.props.Restore(top.props)
	_, err := i.apply(ctx, changes)
	i.notify(changes, props)
	return err
}

// BeginTransaction opens a batching frame. Changes made until the matching
// outermost EndTransaction are reported as one notification.
func (i *Instrument) BeginTransaction() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrClosed
	}
	i.txDepth++
	return nil
}

// EndTransaction closes the innermost batching frame.
func (i *Instrument) EndTransaction() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrClosed
	}
	if i.txDepth == 0 {
		i.mu.Unlock()
		return fmt.Errorf("end transaction without begin: %w", ErrState)
	}
	i.txDepth--
	if i.txDepth > 0 {
		i.mu.Unlock()
		return nil
	}
	controls := i.pending
	props := make([]string, 0, len(i.pendingPr))
	for name := range i.pendingPr {
		props = append(props, name)
	}
	i.pending = make(map[string]float64)
	i.pendingPr = make(map[string]struct{})
	i.mu.Unlock()

	sort.Strings(props)
	i.emit(controls, props)
	return nil
}

func (i *Instrument) notify(changes []change, props []string) {
	if len(changes) == 0 && len(props) == 0 {
		return
	}
	i.mu.Lock()
	if i.txDepth > 0 {
		for _, c := range changes {
			i.pending[c.name] = c.value
		}
		for _, p := range props {
			i.pendingPr[p] = struct{}{}
		}
		i.mu.Unlock()
		return
	}
	i.mu.Unlock()

	controls := make(map[string]float64, len(changes))
	for _, c := range changes {
		controls[c.name] = c.value
	}
	i.emit(controls, props)
}

func (i *Instrument) emit(controls map[string]float64, props []string) {
	if len(controls) == 0 && len(props) == 0 {
		return
	}
	if len(controls) == 0 {
		controls = nil
	}
	i.hub.InstrumentChanged(activity.ChangeEvent{
		Instrument: i.id,
		Controls:   controls,
		Properties: props,
		Timestamp:  time.Now(),
	})
}

// Close releases the writer. Later calls fail with ErrClosed.
func (i *Instrument) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()
	return i.writer.Close()
}
