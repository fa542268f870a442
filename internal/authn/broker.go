package authn

import "errors"

// ErrNoMethod is returned when no registered method satisfies a request.
var ErrNoMethod = errors.New("authn: no matching method")

// Broker keeps the registered authentication methods and picks one for a
// request's acr_values preference.
type Broker struct {
	order   []string
	methods map[string]Method
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{methods: make(map[string]Method)}
}

// Register adds a method under its acr. Registration order decides the
// default and tie-breaking.
func (b *Broker) Register(m Method) {
	acr := m.ACR()
	if _, ok := b.methods[acr]; !ok {
		b.order = append(b.order, acr)
	}
	b.methods[acr] = m
}

// Get returns the method for an exact acr.
func (b *Broker) Get(acr string) (Method, bool) {
	m, ok := b.methods[acr]
	return m, ok
}

// Pick returns the methods satisfying any of the preferred acr values, in
// preference order. An empty preference yields all methods in
// registration order.
func (b *Broker) Pick(acrValues []string) []Method {
	if len(acrValues) == 0 {
		out := make([]Method, 0, len(b.order))
		for _, acr := range b.order {
			out = append(out, b.methods[acr])
		}
		return out
	}
	var out []Method
	for _, acr := range acrValues {
		if m, ok := b.methods[acr]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Default returns the first registered method.
func (b *Broker) Default() (Method, error) {
	if len(b.order) == 0 {
		return nil, ErrNoMethod
	}
	return b.methods[b.order[0]], nil
}
