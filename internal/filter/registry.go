package filter

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownFilter is returned for names that were never registered.
var ErrUnknownFilter = errors.New("unknown filter")

// CancelFunc is invoked when enabling filters turned the registry into a blocker.
type CancelFunc func(reason string)

// Registry combines independently toggled filters. A registry with no enabled
// filters allows trading.
type Registry struct {
	mu       sync.Mutex
	order    []string
	filters  map[string]Filter
	faults   map[string]string
	onCancel CancelFunc

	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		filters: make(map[string]Filter),
		faults:  make(map[string]string),
		logger:  logger,
	}
}

// Register adds f, replacing any filter with the same name.
func (r *Registry) Register(f Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := f.Name()
	if _, exists := r.filters[name]; !exists {
		r.order = append(r.order, name)
	}
	r.filters[name] = f
	r.logger.Info("filter registered", zap.String("filter", name), zap.Bool("enabled", f.Enabled()))
}

// SetCancelCallback installs the hook fired when enabling a filter blocks trading.
func (r *Registry) SetCancelCallback(fn CancelFunc) {
	r.mu.Lock()
	r.onCancel = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Filter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.filters[name]
	return f, ok
}

// Names returns filter names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// States returns every filter's state in registration order.
func (r *Registry) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.order))
	for _, name := range r.order {
		st := r.filters[name].State()
		if fault, ok := r.faults[name]; ok {
			details := make(map[string]any, len(st.Details)+1)
			for k, v := range st.Details {
				details[k] = v
			}
			details["fault"] = fault
			st.Details = details
		}
		out = append(out, st)
	}
	return out
}

// ShouldAllowTrade is the AND of every enabled filter.
func (r *Registry) ShouldAllowTrade() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		f := r.filters[name]
		if f.Enabled() && !r.allows(f) {
			return false
		}
	}
	return true
}

// ShouldProtectOrders is true when any enabled protector asks for it.
func (r *Registry) ShouldProtectOrders() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		f := r.filters[name]
		if p, ok := f.(OrderProtector); ok && f.Enabled() && p.ShouldProtectOrders() {
			return true
		}
	}
	return false
}

// Enable turns a filter on. The cancel callback fires only when the filter was
// off and now blocks trading.
func (r *Registry) Enable(name string) (bool, error) {
	r.mu.Lock()
	f, ok := r.filters[name]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownFilter, name)
	}
	if f.Enabled() {
		r.mu.Unlock()
		return false, nil
	}
	f.Enable()
	blocks := !r.allows(f)
	cb := r.onCancel
	r.mu.Unlock()

	r.logger.Info("filter enabled", zap.String("filter", name), zap.Bool("blocks", blocks))
	if blocks && cb != nil {
		cb(fmt.Sprintf("filter %s enabled and blocks trading", name))
		return true, nil
	}
	return false, nil
}

// Disable turns a filter off. Never cancels anything.
func (r *Registry) Disable(name string) error {
	r.mu.Lock()
	f, ok := r.filters[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownFilter, name)
	}
	f.Disable()
	r.mu.Unlock()
	r.logger.Info("filter disabled", zap.String("filter", name))
	return nil
}

// EnableAll turns every filter on and fires the callback at most once.
func (r *Registry) EnableAll() bool {
	r.mu.Lock()
	var blocking []string
	for _, name := range r.order {
		f := r.filters[name]
		if f.Enabled() {
			continue
		}
		f.Enable()
		if !r.allows(f) {
			blocking = append(blocking, name)
		}
	}
	cb := r.onCancel
	r.mu.Unlock()

	r.logger.Info("all filters enabled", zap.Strings("blocking", blocking))
	if len(blocking) > 0 && cb != nil {
		cb(fmt.Sprintf("filters %v enabled and block trading", blocking))
		return true
	}
	return false
}

func (r *Registry) DisableAll() {
	r.mu.Lock()
	for _, name := range r.order {
		r.filters[name].Disable()
	}
	r.mu.Unlock()
	r.logger.Info("all filters disabled")
}

// allows evaluates f with the registry lock held. A panicking filter blocks.
func (r *Registry) allows(f Filter) (allow bool) {
	name := f.Name()
	defer func() {
		if rec := recover(); rec != nil {
			r.faults[name] = fmt.Sprint(rec)
			r.logger.Error("filter panicked, blocking trades", zap.String("filter", name), zap.Any("panic", rec))
			allow = false
		}
	}()
	allow = f.ShouldAllowTrade()
	delete(r.faults, name)
	return allow
}
