package initstate

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/backend"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/model"
)

func testConfig(batchSize int) Config {
	be, _ := backend.New(backend.KindNative)
	return Config{
		Sizes:     model.Sizes{0: {H: 4, C: 6}, 1: {H: 8, C: 8}},
		NumLayers: 2,
		Backend:   be,
		BatchSize: batchSize,
	}
}

func TestCreateZeroUnbatched(t *testing.T) {
	f := NewFactory(testConfig(0))
	bundle := f.CreateZero()

	if len(bundle) != 2 {
		t.Fatalf("bundle has %d layers, want 2", len(bundle))
	}
	hx := bundle[0].Hx
	if hx.Rank() != 1 || hx.Shape[0] != 4 {
		t.Fatalf("layer 0 hx shape %v, want [4]", hx.Shape)
	}
	cx := bundle[1].Cx
	if cx.Rank() != 1 || cx.Shape[0] != 8 {
		t.Fatalf("layer 1 cx shape %v, want [8]", cx.Shape)
	}
	for _, x := range hx.Data {
		if x != 0 {
			t.Fatal("zero state contains non-zero element")
		}
	}
}

func TestCreateZeroBatched(t *testing.T) {
	f := NewFactory(testConfig(3))
	bundle := f.CreateZero()

	hx := bundle[0].Hx
	if hx.Rank() != 2 || hx.Shape[0] != 3 || hx.Shape[1] != 4 {
		t.Fatalf("layer 0 hx shape %v, want [3 4]", hx.Shape)
	}
}

func TestValidateAcceptsOwnZeroStates(t *testing.T) {
	for _, batch := range []int{0, 5} {
		f := NewFactory(testConfig(batch))
		if err := f.Validate(f.CreateZero()); err != nil {
			t.Fatalf("batch %d: zero states rejected: %v", batch, err)
		}
	}
}

func TestValidateLayerCountMismatch(t *testing.T) {
	f := NewFactory(testConfig(0))
	bundle := f.CreateZero()
	delete(bundle, 1)

	err := f.Validate(bundle)
	var sm *ShapeMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("expected ShapeMismatchError, got %v", err)
	}
	if sm.Field != "layers" {
		t.Fatalf("Field = %q, want layers", sm.Field)
	}
}

func TestValidateMissingCx(t *testing.T) {
	f := NewFactory(testConfig(0))
	bundle := f.CreateZero()
	ls := bundle[1]
	ls.Cx = backend.Tensor{}
	bundle[1] = ls

	err := f.Validate(bundle)
	var sm *ShapeMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("expected ShapeMismatchError, got %v", err)
	}
	if sm.Layer != 1 || sm.Field != model.StateCx || !sm.Missing {
		t.Fatalf("got %+v", sm)
	}
}

func TestValidateWrongVectorLength(t *testing.T) {
	f := NewFactory(testConfig(0))
	bundle := f.CreateZero()
	ls := bundle[0]
	ls.Hx = backend.Vector(make([]float32, 5)) // spec says 4
	bundle[0] = ls

	err := f.Validate(bundle)
	var sm *ShapeMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("expected ShapeMismatchError, got %v", err)
	}
	if sm.Layer != 0 || sm.Field != model.StateHx || sm.Want != 4 || sm.Got != 5 {
		t.Fatalf("got %+v", sm)
	}
}

func TestValidateInconsistentBatchDim(t *testing.T) {
	be, _ := backend.New(backend.KindNative)
	f := NewFactory(testConfig(0))
	bundle := f.CreateZero()
	ls := bundle[1]
	ls.Hx = be.ZerosBatch(2, 8) // rest of the bundle is unbatched
	bundle[1] = ls

	if err := f.Validate(bundle); err == nil {
		t.Fatal("expected batch-dimension mismatch")
	}
}

func TestCreateFallsBackToZero(t *testing.T) {
	f := NewFactory(testConfig(0))
	bundle, err := f.Create()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bundle) != 2 {
		t.Fatalf("bundle has %d layers", len(bundle))
	}
}

func TestBundleStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init.db")
	store, err := OpenBundleStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	saved := model.Bundle{
		0: {Hx: backend.Vector([]float32{1, 2, 3, 4}), Cx: backend.Vector([]float32{0, 0, 0, 0, 0, 0.5})},
		1: {Hx: backend.Vector(make([]float32, 8)), Cx: backend.Vector(make([]float32, 8))},
	}
	if err := store.Save(saved); err != nil {
		t.Fatalf("save: %v", err)
	}

	cfg := testConfig(0)
	cfg.Store = store
	f := NewFactory(cfg)

	bundle, err := f.Create()
	if err != nil {
		t.Fatalf("create from store: %v", err)
	}
	if got := bundle[0].Hx.Data[1]; got != 2 {
		t.Fatalf("hx[1] = %v, want 2", got)
	}
	if got := bundle[0].Cx.Data[5]; got != 0.5 {
		t.Fatalf("cx[5] = %v, want 0.5", got)
	}
}

func TestCreateRejectsMismatchedStoredBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init.db")
	store, err := OpenBundleStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	// hx of layer 0 has the wrong length for the test spec.
	bad := model.Bundle{
		0: {Hx: backend.Vector(make([]float32, 7)), Cx: backend.Vector(make([]float32, 6))},
		1: {Hx: backend.Vector(make([]float32, 8)), Cx: backend.Vector(make([]float32, 8))},
	}
	if err := store.Save(bad); err != nil {
		t.Fatalf("save: %v", err)
	}

	cfg := testConfig(0)
	cfg.Store = store
	f := NewFactory(cfg)

	_, err = f.Create()
	var sm *ShapeMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("expected ShapeMismatchError, got %v", err)
	}
	if sm.Layer != 0 || sm.Field != model.StateHx || sm.Want != 4 || sm.Got != 7 {
		t.Fatalf("got %+v", sm)
	}
}

func TestLoadEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	store, err := OpenBundleStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if _, err := store.Load(); err == nil {
		t.Fatal("expected error for empty store")
	}
}
