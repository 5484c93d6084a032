// Package fakedom provides an in-memory page that satisfies filler.Driver, so
// field resolution can be exercised without a browser.
package fakedom

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/shehryarbajwa/quotefill/internal/filler"
)

// Element is one form element of the fake page
type Element struct {
	ID       string
	Tag      string
	Value    string
	Readonly bool
	Clicks   int
	Options  []string
}

// Op records one mutating call made against the page
type Op struct {
	Kind  string
	ID    string
	Value string
}

// DOM is a fake page. Elements are kept in insertion order, which stands in for DOM order.
type DOM struct {
	mu       sync.Mutex
	elements []*Element
	controls []filler.Control
	ops      []Op
	failures map[string]error
	armed    []chan struct{}

	// ControlErr is returned when the control with the given index is clicked.
	ControlErr map[int]error
	// ControlsErr is returned by Controls.
	ControlsErr error
	// NeverNavigates keeps armed navigation waits from ever firing. Otherwise a
	// successful control click completes every wait armed before it.
	NeverNavigates bool
}

// New returns an empty page
func New() *DOM {
	return &DOM{failures: make(map[string]error), ControlErr: make(map[int]error)}
}

// Add appends an element and returns it for further setup
func (d *DOM) Add(tag, id string) *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	el := &Element{ID: id, Tag: tag}
	d.elements = append(d.elements, el)
	return el
}

// AddControl appends a visible interactive control
func (d *DOM) AddControl(tag, id, label string) filler.Control {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := filler.Control{Index: len(d.controls), ID: id, Tag: tag, Label: label}
	d.controls = append(d.controls, c)
	return c
}

// Fail makes every write to id return err
func (d *DOM) Fail(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[id] = err
}

// Element returns the element with the given id, or nil
func (d *DOM) Element(id string) *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.find(id)
}

// Ops returns a copy of the recorded mutations
func (d *DOM) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.ops)
}

func (d *DOM) find(id string) *Element {
	for _, el := range d.elements {
		if el.ID == id {
			return el
		}
	}
	return nil
}

func (d *DOM) target(id string) (*Element, error) {
	if err, ok := d.failures[id]; ok {
		return nil, err
	}
	el := d.find(id)
	if el == nil {
		return nil, fmt.Errorf("no element with id %q", id)
	}
	return el, nil
}

func (d *DOM) QueryBySuffix(ctx context.Context, tag, suffix string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, el := range d.elements {
		if el.Tag == tag && strings.HasSuffix(el.ID, suffix) {
			ids = append(ids, el.ID)
		}
	}
	return ids, nil
}

func (d *DOM) HasElement(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.find(id) != nil, nil
}

func (d *DOM) SetValue(ctx context.Context, id, value string, clearReadonly bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, err := d.target(id)
	if err != nil {
		return err
	}
	if clearReadonly {
		el.Readonly = false
	}
	if el.Readonly {
		return fmt.Errorf("element %q is readonly", id)
	}
	el.Value = value
	d.ops = append(d.ops, Op{Kind: "set", ID: id, Value: value})
	return nil
}

func (d *DOM) SelectValue(ctx context.Context, id, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, err := d.target(id)
	if err != nil {
		return err
	}
	if len(el.Options) > 0 && !slices.Contains(el.Options, value) {
		return fmt.Errorf("option %q not found in %q", value, id)
	}
	el.Value = value
	d.ops = append(d.ops, Op{Kind: "select", ID: id, Value: value})
	return nil
}

func (d *DOM) Click(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, err := d.target(id)
	if err != nil {
		return err
	}
	el.Clicks++
	d.ops = append(d.ops, Op{Kind: "click", ID: id})
	return nil
}

func (d *DOM) Controls(ctx context.Context) ([]filler.Control, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ControlsErr != nil {
		return nil, d.ControlsErr
	}
	return slices.Clone(d.controls), nil
}

func (d *DOM) ClickControl(ctx context.Context, c filler.Control) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, Op{Kind: "control", ID: c.ID, Value: c.Label})
	if err := d.ControlErr[c.Index]; err != nil {
		return err
	}
	for _, ch := range d.armed {
		ch <- struct{}{}
	}
	d.armed = nil
	return nil
}

func (d *DOM) PressKey(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, Op{Kind: "key", Value: key})
	return nil
}

func (d *DOM) ArmNavigation(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.NeverNavigates {
		d.armed = append(d.armed, ch)
	}
	return ch
}
