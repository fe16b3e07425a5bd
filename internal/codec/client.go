// Package codec talks to the Python model service over gRPC. Messages are
// exchanged through a registered JSON codec, so the Python side only needs
// a grpc server with JSON (de)serialization and no generated stubs.
package codec

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/danielpatrickdp/lm-probe/go-prober/internal/backend"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/corpus"
	"github.com/danielpatrickdp/lm-probe/go-prober/internal/model"
)

// #region json-codec

// CodecName is the content-subtype both sides agree on.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// #endregion json-codec

// #region wire-types

const (
	methodDescribe = "/lmprobe.ModelService/Describe"
	methodForward  = "/lmprobe.ModelService/Forward"
)

type describeRequest struct{}

type wireLayerSize struct {
	Hidden int `json:"hidden"`
	Cell   int `json:"cell"`
}

type describeResponse struct {
	ModelName     string          `json:"model_name"`
	Vocab         []string        `json:"vocab"`
	Layers        []wireLayerSize `json:"layers"`
	DecoderWeight [][]float32     `json:"decoder_weight"`
	DecoderBias   []float32       `json:"decoder_bias"`
}

type forwardRequest struct {
	Sentences [][]string `json:"sentences"`
	Slots     []string   `json:"slots"`
	// InitStates maps a slot name to its initial rows: one row for a
	// broadcast state, one row per sentence for a batched state. Empty
	// means the service starts from its own zero state.
	InitStates map[string][][]float32 `json:"init_states,omitempty"`
}

type forwardResponse struct {
	// Activations maps a slot name to [sentence][position][dim].
	Activations map[string][][][]float32 `json:"activations"`
}

// #endregion wire-types

// #region invoker

// Invoker abstracts the single gRPC call surface the client needs, so
// tests can substitute a fake without a live connection.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any) error
}

type grpcInvoker struct {
	conn *grpc.ClientConn
}

func (g grpcInvoker) Invoke(ctx context.Context, method string, args, reply any) error {
	return g.conn.Invoke(ctx, method, args, reply, grpc.CallContentSubtype(CodecName))
}

// #endregion invoker

// #region remote-model

// RemoteModel implements model.Model against the Python model service.
// The model surface (vocabulary, sizes, decoder) is fetched once at
// construction; Forward is one RPC per batch.
type RemoteModel struct {
	inv      Invoker
	conn     *grpc.ClientConn
	be       backend.Backend
	name     string
	vocab    *corpus.Vocabulary
	sizes    model.Sizes
	topLayer int
	decW     backend.Tensor
	decB     []float32
}

// NewRemoteModel connects to the model service at addr and fetches the
// model description. The numeric backend kind applies to all tensors the
// model hands out.
func NewRemoteModel(ctx context.Context, addr string, kind backend.Kind) (*RemoteModel, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	m, err := newRemoteModel(ctx, grpcInvoker{conn: conn}, kind)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.conn = conn
	return m, nil
}

// NewRemoteModelWithInvoker builds a RemoteModel over an injected invoker.
// Used for testing without a real gRPC connection.
func NewRemoteModelWithInvoker(ctx context.Context, inv Invoker, kind backend.Kind) (*RemoteModel, error) {
	return newRemoteModel(ctx, inv, kind)
}

func newRemoteModel(ctx context.Context, inv Invoker, kind backend.Kind) (*RemoteModel, error) {
	be, err := backend.New(kind)
	if err != nil {
		return nil, err
	}

	var desc describeResponse
	if err := inv.Invoke(ctx, methodDescribe, &describeRequest{}, &desc); err != nil {
		return nil, fmt.Errorf("describe rpc: %w", err)
	}
	if len(desc.Vocab) == 0 {
		return nil, fmt.Errorf("describe rpc: empty vocabulary")
	}
	if len(desc.Layers) == 0 {
		return nil, fmt.Errorf("describe rpc: no layers")
	}
	if len(desc.DecoderWeight) != len(desc.Vocab) {
		return nil, fmt.Errorf("describe rpc: decoder has %d rows, vocab has %d entries",
			len(desc.DecoderWeight), len(desc.Vocab))
	}

	sizes := make(model.Sizes, len(desc.Layers))
	for i, l := range desc.Layers {
		sizes[i] = model.LayerSize{H: l.Hidden, C: l.Cell}
	}

	return &RemoteModel{
		inv:      inv,
		be:       be,
		name:     desc.ModelName,
		vocab:    corpus.NewVocabulary(desc.Vocab),
		sizes:    sizes,
		topLayer: len(desc.Layers) - 1,
		decW:     backend.FromRows(desc.DecoderWeight),
		decB:     desc.DecoderBias,
	}, nil
}

// Close shuts down the gRPC connection.
func (m *RemoteModel) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}

// Name identifies the remote model for run logging.
func (m *RemoteModel) Name() string { return m.name }

func (m *RemoteModel) Sizes() model.Sizes            { return m.sizes }
func (m *RemoteModel) NumLayers() int                { return m.topLayer + 1 }
func (m *RemoteModel) TopLayer() int                 { return m.topLayer }
func (m *RemoteModel) Vocab() *corpus.Vocabulary     { return m.vocab }
func (m *RemoteModel) DecoderWeight() backend.Tensor { return m.decW }
func (m *RemoteModel) DecoderBias() []float32        { return m.decB }
func (m *RemoteModel) Backend() backend.Backend      { return m.be }

// Forward runs one batch through the remote model and decodes the
// requested state vectors.
func (m *RemoteModel) Forward(ctx context.Context, batch [][]string, init model.Bundle, slots []model.Slot) (model.Activations, error) {
	req := forwardRequest{
		Sentences:  batch,
		Slots:      make([]string, len(slots)),
		InitStates: encodeBundle(init),
	}
	for i, slot := range slots {
		req.Slots[i] = slot.String()
	}

	var resp forwardResponse
	if err := m.inv.Invoke(ctx, methodForward, &req, &resp); err != nil {
		return nil, fmt.Errorf("forward rpc: %w", err)
	}

	out := make(model.Activations, len(slots))
	for _, slot := range slots {
		perSen, ok := resp.Activations[slot.String()]
		if !ok {
			return nil, fmt.Errorf("forward rpc: slot %s missing from response", slot)
		}
		if len(perSen) != len(batch) {
			return nil, fmt.Errorf("forward rpc: slot %s has %d sentences, batch has %d",
				slot, len(perSen), len(batch))
		}
		for i, perPos := range perSen {
			if len(perPos) != len(batch[i]) {
				return nil, fmt.Errorf("forward rpc: slot %s sentence %d has %d positions, want %d",
					slot, i, len(perPos), len(batch[i]))
			}
		}
		out[slot] = perSen
	}
	return out, nil
}

// encodeBundle flattens an init-state bundle into wire rows per slot.
func encodeBundle(init model.Bundle) map[string][][]float32 {
	if len(init) == 0 {
		return nil
	}
	out := make(map[string][][]float32, 2*len(init))
	for layer, st := range init {
		out[model.Slot{Layer: layer, Name: model.StateHx}.String()] = tensorRows(st.Hx)
		out[model.Slot{Layer: layer, Name: model.StateCx}.String()] = tensorRows(st.Cx)
	}
	return out
}

func tensorRows(t backend.Tensor) [][]float32 {
	rows := make([][]float32, t.Rows())
	for i := range rows {
		if t.Rank() == 1 {
			rows[i] = t.Data
			continue
		}
		rows[i] = t.Row(i)
	}
	return rows
}

// #endregion remote-model
