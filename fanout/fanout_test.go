package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchDeliversInRegistrationOrder(t *testing.T) {
	d := New[int](nil)
	var order []int
	d.AddListener(func(v int) { order = append(order, v*10+1) })
	d.AddListener(func(v int) { order = append(order, v*10+2) })
	d.AddListener(func(v int) { order = append(order, v*10+3) })

	d.Dispatch(7)

	assert.Equal(t, []int{71, 72, 73}, order)
}

func TestDispatchIsolatesListenerPanics(t *testing.T) {
	d := New[string](func(recovered any) {})
	var second bool
	d.AddListener(func(string) { panic("boom") })
	d.AddListener(func(string) { second = true })

	assert.NotPanics(t, func() { d.Dispatch("x") })
	assert.True(t, second)
}

func TestRemoveListenerStopsDelivery(t *testing.T) {
	d := New[int](nil)
	var a, b int
	tokenA := d.AddListener(func(v int) { a += v })
	d.AddListener(func(v int) { b += v })

	d.Dispatch(1)
	d.RemoveListener(tokenA)
	d.Dispatch(1)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestDispatchSnapshotsListenersAtStart(t *testing.T) {
	d := New[int](nil)
	var calls int
	d.AddListener(func(int) {
		calls++
		d.AddListener(func(int) { calls++ })
	})

	d.Dispatch(1)
	assert.Equal(t, 1, calls)

	d.Dispatch(1)
	assert.Equal(t, 3, calls)
}
