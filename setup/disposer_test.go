package setup

import "testing"

func TestJoinDisposersOrderAndIdempotence(t *testing.T) {
	var order []string
	first := DisposerFunc(func() { order = append(order, "first") })
	second := DisposerFunc(func() { order = append(order, "second") })

	joined := JoinDisposers(first, nil, second)
	joined.Dispose()
	joined.Dispose()

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected dispose order: %+v", order)
	}
}

func TestNopDisposer(t *testing.T) {
	d := NopDisposer()
	d.Dispose()
	d.Dispose()
}

func TestJoinDisposersNested(t *testing.T) {
	calls := 0
	inner := JoinDisposers(DisposerFunc(func() { calls++ }))
	outer := JoinDisposers(inner, DisposerFunc(func() { calls++ }))
	outer.Dispose()
	inner.Dispose()
	if calls != 2 {
		t.Fatalf("expected each child disposed once, got %d", calls)
	}
}
