package predictor

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/GustavoWidman/syncr/internal/store"
)

// Predictor is the online block-size predictor: an exact node list keyed by
// literal file size and a naive node list keyed by the bucketed (nearest
// power of two) file size, each maintaining its own OptimalIndex.
type Predictor struct {
	exact *List
	naive *List
}

// New creates an empty predictor with no observation history.
func New() *Predictor {
	return &Predictor{
		exact: NewList(),
		naive: NewList(),
	}
}

// Predict returns the best known block size for fileSize: the exact list is
// consulted first, then the naive list keyed on the bucketed size, and
// finally a size-class default if neither has ever seen this file size.
func (p *Predictor) Predict(fileSize uint64) uint64 {
	if blockSize, ok := p.exact.Find(fileSize); ok {
		return blockSize
	}
	if blockSize, ok := p.naive.Find(NaivifyFileSize(fileSize)); ok {
		return blockSize
	}
	return DefaultBlockSize(fileSize)
}

// ExplorativePredict behaves like Predict half the time; the other half, it
// probes an untried neighbor of the current best via Wonder. Callers that
// use the explorative result must later report the outcome through Tune so
// the predictor can learn whether the explored value was actually better.
func (p *Predictor) ExplorativePredict(fileSize uint64) uint64 {
	if blockSize, ok := p.exact.WonderfulFind(fileSize); ok {
		return blockSize
	}
	if blockSize, ok := p.naive.WonderfulFind(NaivifyFileSize(fileSize)); ok {
		return blockSize
	}
	return DefaultBlockSize(fileSize)
}

// Wonder exposes the exact list's neighbor-exploration directly, for callers
// that already have a current-best block size in hand (e.g. re-exploring
// after a Tune) rather than looking one up fresh.
func (p *Predictor) Wonder(fileSize, currentBest uint64) uint64 {
	return p.exact.Wonder(fileSize, currentBest)
}

// Tune reports the outcome of a sync: the file size that was synced, the
// block size that was used, and the compression ratio it achieved. This
// inserts one node into the exact list and its bucketed mirror into the
// naive list. An infinite or NaN ratio (such as the +Inf reported for an
// identical-content exchange) is replaced with math.MaxFloat32 before
// insertion, since it would otherwise corrupt comparisons in the
// OptimalIndex.
func (p *Predictor) Tune(fileSize uint64, blockSize uint64, ratio float32) {
	if math.IsInf(float64(ratio), 0) || math.IsNaN(float64(ratio)) {
		ratio = math.MaxFloat32
	}

	exactNode := NewNode(fileSize, ratio, blockSize, false)
	p.exact.Push(exactNode)

	if naiveNode, ok := exactNode.Naivify(); ok {
		p.naive.Push(naiveNode)
	}
}

// nodeWireSize is the size, in bytes, of a single marshaled node: an 8-byte
// file size, a 4-byte rate, a 1-byte block size exponent, and a 1-byte
// naive flag.
const nodeWireSize = 8 + 4 + 1 + 1

// Save serializes the predictor's full state (both node lists, in insertion
// order) and writes it to the store's singleton snapshot row, replacing any
// previous snapshot.
func (p *Predictor) Save(ctx context.Context, predictorStore store.PredictorStore) error {
	data, err := p.marshalBinary()
	if err != nil {
		return errors.Wrap(err, "unable to marshal predictor state")
	}
	return predictorStore.SaveSnapshot(ctx, data)
}

// Load reads the store's singleton snapshot row and reconstructs a
// predictor from it. If no snapshot has ever been saved, Load returns a
// fresh, empty predictor rather than an error.
func Load(ctx context.Context, predictorStore store.PredictorStore) (*Predictor, error) {
	data, err := predictorStore.LoadSnapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load predictor snapshot")
	}
	if data == nil {
		return New(), nil
	}

	predictor := New()
	if err := predictor.unmarshalBinary(data); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal predictor snapshot")
	}
	return predictor, nil
}

// marshalBinary encodes both node lists as a count-prefixed sequence of
// fixed-width node records. The OptimalIndex is not stored directly; it is
// reconstructed by unmarshalBinary replaying Push for every node in its
// original insertion order, which reproduces the index identically since
// Push's index update rule is a pure function of insertion order.
func (p *Predictor) marshalBinary() ([]byte, error) {
	exact := p.exact.Snapshot()
	naive := p.naive.Snapshot()

	buffer := make([]byte, 0, 8+len(exact)*nodeWireSize+8+len(naive)*nodeWireSize)
	buffer = appendNodes(buffer, exact)
	buffer = appendNodes(buffer, naive)
	return buffer, nil
}

func appendNodes(buffer []byte, nodes []Node) []byte {
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(nodes)))
	buffer = append(buffer, count[:]...)

	for _, n := range nodes {
		var record [nodeWireSize]byte
		binary.BigEndian.PutUint64(record[0:8], n.FileSize)
		binary.BigEndian.PutUint32(record[8:12], math.Float32bits(n.Rate))
		record[12] = n.blockSizeExponent
		if n.Naive {
			record[13] = 1
		}
		buffer = append(buffer, record[:]...)
	}
	return buffer
}

func (p *Predictor) unmarshalBinary(data []byte) error {
	exactNodes, rest, err := readNodes(data)
	if err != nil {
		return err
	}
	naiveNodes, _, err := readNodes(rest)
	if err != nil {
		return err
	}

	for _, n := range exactNodes {
		p.exact.Push(n)
	}
	for _, n := range naiveNodes {
		p.naive.Push(n)
	}
	return nil
}

func readNodes(data []byte) ([]Node, []byte, error) {
	if len(data) < 8 {
		return nil, nil, errors.New("predictor snapshot truncated before node count")
	}
	count := binary.BigEndian.Uint64(data[0:8])
	data = data[8:]

	expected := count * nodeWireSize
	if uint64(len(data)) < expected {
		return nil, nil, errors.New("predictor snapshot truncated before expected node records")
	}

	nodes := make([]Node, count)
	for i := range nodes {
		record := data[i*nodeWireSize : (i+1)*nodeWireSize]
		nodes[i] = Node{
			FileSize:          binary.BigEndian.Uint64(record[0:8]),
			Rate:              math.Float32frombits(binary.BigEndian.Uint32(record[8:12])),
			blockSizeExponent: record[12],
			Naive:             record[13] != 0,
		}
	}
	return nodes, data[expected:], nil
}
