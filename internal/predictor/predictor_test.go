package predictor

import (
	"context"
	"math"
	"testing"
)

func TestNaivifyBounds(t *testing.T) {
	for n := uint64(1); n <= 1<<20; n = n*3 + 1 {
		result := NaivifyFileSize(n)

		if result&(result-1) != 0 {
			t.Fatalf("naivify(%d) = %d is not a power of two", n, result)
		}
		if !(n/2 < result && result <= 2*n) {
			t.Fatalf("naivify(%d) = %d violates n/2 < result <= 2n", n, result)
		}
	}
}

func TestNaivifyTieBreaksUp(t *testing.T) {
	// Midpoint between 1024 and 2048 is 1536; ties break to the higher
	// power of two.
	if got := NaivifyFileSize(1536); got != 2048 {
		t.Fatalf("naivify(1536) = %d, want 2048", got)
	}
}

func TestPredictAfterTune(t *testing.T) {
	p := New()
	p.Tune(10000, 4096, 0.8)

	blockSize := p.Predict(10000)
	if blockSize != 4096 {
		t.Fatalf("predict(10000) = %d, want 4096 after tuning", blockSize)
	}
}

func TestPredictFallsBackToNaiveBucket(t *testing.T) {
	p := New()
	p.Tune(10000, 4096, 0.8)

	// A nearby but distinct exact file size should miss the exact list and
	// fall through to the naive (bucketed) list instead of the raw default.
	blockSize := p.Predict(10001)
	if blockSize != 4096 {
		t.Fatalf("predict(10001) = %d, want 4096 via naive bucket fallback", blockSize)
	}
}

func TestPredictDefaultsWithNoHistory(t *testing.T) {
	p := New()

	if got := p.Predict(500); got != smallBlockSize {
		t.Fatalf("predict(500) = %d, want default %d", got, smallBlockSize)
	}
	if got := p.Predict(50_000_000); got != mediumBlockSize {
		t.Fatalf("predict(50_000_000) = %d, want default %d", got, mediumBlockSize)
	}
	if got := p.Predict(500_000_000); got != largeBlockSize {
		t.Fatalf("predict(500_000_000) = %d, want default %d", got, largeBlockSize)
	}
}

// After a single tune, repeated explorative predictions must eventually
// propose both the doubled and the halved neighbor of the tuned value.
func TestExplorativeEventuallyProposesBothNeighbors(t *testing.T) {
	p := New()
	p.Tune(1024, 4096, 0.9)

	sawUp := false
	sawDown := false

	for i := 0; i < 10000 && !(sawUp && sawDown); i++ {
		proposed := p.ExplorativePredict(1024)
		switch proposed {
		case 8192:
			sawUp = true
		case 2048:
			sawDown = true
		}
	}

	if !sawUp {
		t.Fatal("explorative predict never proposed the doubled neighbor (8192)")
	}
	if !sawDown {
		t.Fatal("explorative predict never proposed the halved neighbor (2048)")
	}
}

func TestOptimalIndexPrefersHigherRatio(t *testing.T) {
	p := New()
	p.Tune(2048, 4096, 0.5)
	p.Tune(2048, 8192, 0.9)

	if got := p.Predict(2048); got != 8192 {
		t.Fatalf("predict(2048) = %d, want 8192 (higher observed ratio)", got)
	}
}

func TestOptimalIndexKeepsFirstWhenLaterRatioWorse(t *testing.T) {
	p := New()
	p.Tune(2048, 8192, 0.9)
	p.Tune(2048, 4096, 0.5)

	if got := p.Predict(2048); got != 8192 {
		t.Fatalf("predict(2048) = %d, want 8192 (first entry's ratio not beaten)", got)
	}
}

func TestTuneClampsInfiniteRatio(t *testing.T) {
	p := New()
	p.Tune(5, 1, float32(math.Inf(1)))

	if got := p.Predict(5); got != 1 {
		t.Fatalf("predict(5) = %d, want 1", got)
	}
}

// stubStore is an in-memory PredictorStore used to test Save/Load without
// an embedded database.
type stubStore struct {
	data []byte
}

func (s *stubStore) LoadSnapshot(context.Context) ([]byte, error) { return s.data, nil }
func (s *stubStore) SaveSnapshot(_ context.Context, data []byte) error {
	s.data = append([]byte(nil), data...)
	return nil
}
func (s *stubStore) Close() error { return nil }

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	backing := &stubStore{}

	p := New()
	p.Tune(10000, 4096, 0.8)
	p.Tune(999999999, 16384, 0.95)

	if err := p.Save(ctx, backing); err != nil {
		t.Fatalf("unable to save predictor: %v", err)
	}

	loaded, err := Load(ctx, backing)
	if err != nil {
		t.Fatalf("unable to load predictor: %v", err)
	}

	if got := loaded.Predict(10000); got != 4096 {
		t.Fatalf("loaded predict(10000) = %d, want 4096", got)
	}
	if got := loaded.Predict(999999999); got != 16384 {
		t.Fatalf("loaded predict(999999999) = %d, want 16384", got)
	}
}

func TestLoadWithNoSnapshotReturnsFreshPredictor(t *testing.T) {
	ctx := context.Background()
	loaded, err := Load(ctx, &stubStore{})
	if err != nil {
		t.Fatalf("unable to load predictor with no snapshot: %v", err)
	}
	if got := loaded.Predict(500); got != smallBlockSize {
		t.Fatalf("fresh predictor predict(500) = %d, want default %d", got, smallBlockSize)
	}
}
