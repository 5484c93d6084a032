package filler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/quotefill/internal/filler"
	"github.com/shehryarbajwa/quotefill/internal/filler/fakedom"
)

var errContextDestroyed = errors.New("exception: Execution context was destroyed, most likely because of a navigation")

func TestIsContextDestroyed(t *testing.T) {
	assert.True(t, filler.IsContextDestroyed(errContextDestroyed))
	assert.True(t, filler.IsContextDestroyed(errors.New("Cannot find context with specified id")))
	assert.False(t, filler.IsContextDestroyed(errors.New("timeout")))
	assert.False(t, filler.IsContextDestroyed(nil))
}

func TestCancel(t *testing.T) {
	t.Run("clicks cancel control", func(t *testing.T) {
		dom := fakedom.New()
		dom.AddControl("input", "ctl00_btnSave", "Save Draft")
		dom.AddControl("a", "ctl00_lnkCancel", "Cancel")

		require.NoError(t, newFiller().Cancel(context.Background(), dom, "c1"))

		ops := dom.Ops()
		require.Len(t, ops, 1)
		assert.Equal(t, fakedom.Op{Kind: "control", ID: "ctl00_lnkCancel", Value: "Cancel"}, ops[0])
	})

	t.Run("falls back to escape", func(t *testing.T) {
		dom := fakedom.New()
		dom.AddControl("button", "", "Submit Quote")

		require.NoError(t, newFiller().Cancel(context.Background(), dom, "c1"))

		ops := dom.Ops()
		require.Len(t, ops, 1)
		assert.Equal(t, fakedom.Op{Kind: "key", Value: "Escape"}, ops[0])
	})

	t.Run("context destroyed counts as success", func(t *testing.T) {
		dom := fakedom.New()
		c := dom.AddControl("button", "", "cancel")
		dom.ControlErr[c.Index] = errContextDestroyed

		require.NoError(t, newFiller().Cancel(context.Background(), dom, "c1"))
		assert.Len(t, dom.Ops(), 1)
	})
}

func TestSubmit(t *testing.T) {
	t.Run("no submit control", func(t *testing.T) {
		dom := fakedom.New()
		dom.AddControl("button", "", "Cancel")
		dom.AddControl("button", "", "Print")

		ok, err := newFiller().Submit(context.Background(), dom, "c1")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, dom.Ops())
	})

	t.Run("skips cancel labelled controls", func(t *testing.T) {
		dom := fakedom.New()
		dom.AddControl("button", "", "Cancel Submission")
		dom.AddControl("input", "ctl00_btnSend", "Send Quote")

		ok, err := newFiller().Submit(context.Background(), dom, "c1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "ctl00_btnSend", dom.Ops()[0].ID)
	})

	t.Run("prefers submit over save", func(t *testing.T) {
		dom := fakedom.New()
		dom.AddControl("button", "", "Save")
		dom.AddControl("button", "btnSubmit", "Submit")

		ok, err := newFiller().Submit(context.Background(), dom, "c1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "btnSubmit", dom.Ops()[0].ID)
	})

	t.Run("fallback delay wins without navigation", func(t *testing.T) {
		dom := fakedom.New()
		dom.AddControl("button", "", "Submit")
		dom.NeverNavigates = true

		ok, err := newFiller().Submit(context.Background(), dom, "c1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("load fired during the click is observed", func(t *testing.T) {
		dom := fakedom.New()
		dom.AddControl("button", "", "Submit")
		opts := testOptions()
		opts.SubmitNavTimeout = time.Hour
		opts.SubmitFallbackDelay = time.Hour
		f := filler.New(opts, zap.NewNop())

		// Only a wait armed before the click sees the load, so returning
		// before the deadline means the listener was registered first.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ok, err := f.Submit(ctx, dom, "c1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("context destroyed on click counts as submitted", func(t *testing.T) {
		dom := fakedom.New()
		c := dom.AddControl("button", "", "Submit")
		dom.ControlErr[c.Index] = errContextDestroyed

		ok, err := newFiller().Submit(context.Background(), dom, "c1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("click failure", func(t *testing.T) {
		dom := fakedom.New()
		c := dom.AddControl("button", "", "Submit")
		dom.ControlErr[c.Index] = errors.New("node is detached")

		ok, err := newFiller().Submit(context.Background(), dom, "c1")
		assert.Error(t, err)
		assert.False(t, ok)
	})
}
