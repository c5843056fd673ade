package protocol

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/GustavoWidman/syncr/internal/predictor"
	"github.com/GustavoWidman/syncr/internal/protocol/packet"
)

// queuePipe is a buffered, goroutine-safe byte queue used in place of
// net.Pipe for scenarios where both ends may need to write before either
// has read anything: net.Pipe has no internal buffering, so two sides
// writing first would deadlock waiting on each other's Read.
type queuePipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buffer bytes.Buffer
}

func newQueuePipe() *queuePipe {
	p := &queuePipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *queuePipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.buffer.Write(b)
	p.cond.Broadcast()
	return n, err
}

func (p *queuePipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buffer.Len() == 0 {
		p.cond.Wait()
	}
	return p.buffer.Read(b)
}

// duplex pairs two queuePipes into a single io.ReadWriter per side of a
// conversation.
type duplex struct {
	r *queuePipe
	w *queuePipe
}

func (d *duplex) Read(b []byte) (int, error)  { return d.r.Read(b) }
func (d *duplex) Write(b []byte) (int, error) { return d.w.Write(b) }

func newDuplexPair() (io.ReadWriter, io.ReadWriter) {
	aToB := newQueuePipe()
	bToA := newQueuePipe()
	return &duplex{r: bToA, w: aToB}, &duplex{r: aToB, w: bToA}
}

type exchangeResult struct {
	outcome Outcome
	err     error
}

func runExchange(t *testing.T, initiatorPath, initiatorKnownName string, responderPath string, initiatorID, responderID [16]byte) (Outcome, Outcome) {
	t.Helper()

	connA, connB := newDuplexPair()

	machineA := NewMachine(packet.NewCodec(connA), predictor.New(), initiatorID)
	machineB := NewMachine(packet.NewCodec(connB), predictor.New(), responderID)

	resultsA := make(chan exchangeResult, 1)
	resultsB := make(chan exchangeResult, 1)

	go func() {
		outcome, err := machineA.Initiate(initiatorPath, initiatorKnownName)
		resultsA <- exchangeResult{outcome, err}
	}()
	go func() {
		outcome, err := machineB.Respond(responderPath)
		resultsB <- exchangeResult{outcome, err}
	}()

	a := <-resultsA
	b := <-resultsB

	if a.err != nil {
		t.Fatalf("initiator side failed: %v", a.err)
	}
	if b.err != nil {
		t.Fatalf("responder side failed: %v", b.err)
	}
	return a.outcome, b.outcome
}

func writeTemp(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("unable to write %s: %v", path, err)
	}
	return path
}

func TestInitiateRespondNoOpWhenIdentical(t *testing.T) {
	dir := t.TempDir()
	content := []byte("the quick brown fox jumps over the lazy dog")
	newPath := writeTemp(t, dir, "new.txt", content)
	oldPath := writeTemp(t, dir, "old.txt", content)

	outcomeA, outcomeB := runExchange(t, newPath, "file.txt", oldPath, [16]byte{1}, [16]byte{2})

	if outcomeA.Applied || outcomeB.Applied {
		t.Fatalf("expected no-op, got initiator=%+v responder=%+v", outcomeA, outcomeB)
	}
}

func TestInitiateRespondAppliesDelta(t *testing.T) {
	dir := t.TempDir()
	// The shared filler makes both files large enough that, at the default
	// 1024-byte block size, the delta stays under the force-full threshold.
	filler := bytes.Repeat([]byte("unchanged filler line shared by both versions of the file\n"), 200)
	oldContent := append([]byte("hello there, this is the original file content used as the base\n"), filler...)
	newContent := append([]byte("hello there, this is the UPDATED file content used as the target\n"), filler...)
	newPath := writeTemp(t, dir, "new.txt", newContent)
	oldPath := writeTemp(t, dir, "old.txt", oldContent)

	outcomeA, outcomeB := runExchange(t, newPath, "file.txt", oldPath, [16]byte{1}, [16]byte{2})

	if !outcomeA.Applied || !outcomeB.Applied {
		t.Fatalf("expected delta to be applied, got initiator=%+v responder=%+v", outcomeA, outcomeB)
	}
	if outcomeA.ForcedFull || outcomeB.ForcedFull {
		t.Fatalf("did not expect a forced full transfer: initiator=%+v responder=%+v", outcomeA, outcomeB)
	}

	patched, err := os.ReadFile(oldPath)
	if err != nil {
		t.Fatalf("unable to read patched file: %v", err)
	}
	if !bytes.Equal(patched, newContent) {
		t.Fatalf("patched content = %q, want %q", patched, newContent)
	}
}

func TestInitiateRespondForcesFullTransferPastThreshold(t *testing.T) {
	dir := t.TempDir()
	oldPath := writeTemp(t, dir, "old.txt", nil)
	newContent := bytes.Repeat([]byte("abcdefgh"), 64)
	newPath := writeTemp(t, dir, "new.txt", newContent)

	outcomeA, outcomeB := runExchange(t, newPath, "file.txt", oldPath, [16]byte{1}, [16]byte{2})

	if !outcomeA.ForcedFull || !outcomeB.ForcedFull {
		t.Fatalf("expected a forced full transfer, got initiator=%+v responder=%+v", outcomeA, outcomeB)
	}

	patched, err := os.ReadFile(oldPath)
	if err != nil {
		t.Fatalf("unable to read patched file: %v", err)
	}
	if !bytes.Equal(patched, newContent) {
		t.Fatalf("patched content = %q, want %q", patched, newContent)
	}
}

func TestSimultaneousInitTieBreakStepsAside(t *testing.T) {
	dir := t.TempDir()
	oldContent := []byte("base content that the lower-id side will end up serving")
	newContentA := []byte("base content that the lower-id side will end up serving, edited by A")
	pathA := writeTemp(t, dir, "a.txt", newContentA)
	pathB := writeTemp(t, dir, "b.txt", oldContent)

	lowID := [16]byte{0}
	highID := [16]byte{0xff}

	connA, connB := newDuplexPair()

	codecA := packet.NewCodec(connA)
	codecB := packet.NewCodec(connB)

	machineHigh := NewMachine(codecA, predictor.New(), highID)
	machineLow := NewMachine(codecB, predictor.New(), lowID)

	resultsHigh := make(chan exchangeResult, 1)
	resultsLow := make(chan exchangeResult, 1)

	// Both sides believe they are initiating for the same logical file.
	// The higher-id side must detect the collision and step aside into
	// serving the lower-id side's INIT instead of erroring.
	go func() {
		outcome, err := machineHigh.Initiate(pathA, "shared.txt")
		resultsHigh <- exchangeResult{outcome, err}
	}()
	go func() {
		outcome, err := machineLow.Initiate(pathB, "shared.txt")
		resultsLow <- exchangeResult{outcome, err}
	}()

	high := <-resultsHigh
	low := <-resultsLow

	if high.err != nil {
		t.Fatalf("higher-id side failed: %v", high.err)
	}
	if low.err != nil {
		t.Fatalf("lower-id side failed: %v", low.err)
	}

	if !high.outcome.Applied {
		t.Fatalf("expected higher-id side, now responding, to have applied the lower-id side's file: %+v", high.outcome)
	}
}

func TestComputeRatioCountsLengthHeader(t *testing.T) {
	ratio := computeRatio(100, 0, 0)
	if ratio != 12.5 {
		t.Fatalf("expected 100 / the 8-byte length header = 12.5 for an empty signature and delta, got %v", ratio)
	}
}

func TestLexicographicallyLower(t *testing.T) {
	low := [16]byte{0x01}
	high := [16]byte{0x02}
	if !lexicographicallyLower(low, high) {
		t.Fatal("expected low to sort before high")
	}
	if lexicographicallyLower(high, low) {
		t.Fatal("did not expect high to sort before low")
	}
	if lexicographicallyLower(low, low) {
		t.Fatal("did not expect a value to sort before itself")
	}
}
