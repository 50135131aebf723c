// Package remote runs context attention on an out-of-process kernel server
// over Arrow Flight. Tensors travel as one DoExchange record, scalar
// parameters ride in the flight descriptor command.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-verify/internal/harness"
	"github.com/23skdu/longbow-verify/internal/logger"
)

// requestSchema carries every tensor of one case, one named row each.
// Float tensors fill the data column, integer tensors the idata column,
// with the unused column null for that row.
var requestSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
	{Name: "idata", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32), Nullable: true},
}, nil)

// exchangeParams are the scalar kernel arguments, JSON-encoded into the
// flight descriptor command.
type exchangeParams struct {
	Heads         int     `json:"heads"`
	KVHeads       int     `json:"kv_heads"`
	HeadDim       int     `json:"head_dim"`
	BlockSize     int     `json:"block_size"`
	BlocksPerSeq  int     `json:"blocks_per_seq"`
	MaxSeqLen     int     `json:"max_seq_len"`
	NewLen        int     `json:"new_len"`
	Precision     string  `json:"dtype"`
	CacheDType    string  `json:"kv_cache_dtype"`
	KScale        float32 `json:"k_scale"`
	VScale        float32 `json:"v_scale"`
	SlidingWindow int     `json:"sliding_window"`
	Scale         float32 `json:"sm_scale"`
}

// Kernel is a Flight client satisfying the kernel contract. Connection
// failures surface as harness.ErrUnsupported so suites skip instead of
// failing when no server is listening.
type Kernel struct {
	addr   string
	client flight.Client
	log    *logger.Logger
}

// Register makes the remote kernel available under the "flight" name.
func Register(addr string) {
	harness.RegisterKernel("flight", func() (harness.Kernel, error) {
		return &Kernel{addr: addr, log: logger.Log.WithComponent("remote")}, nil
	})
}

func (k *Kernel) Name() string { return "flight:" + k.addr }

func (k *Kernel) connect() error {
	if k.client != nil {
		return nil
	}
	client, err := flight.NewClientWithMiddleware(k.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("%w: flight dial %s: %v", harness.ErrUnsupported, k.addr, err)
	}
	k.client = client
	return nil
}

func (k *Kernel) Close() error {
	if k.client == nil {
		return nil
	}
	err := k.client.Close()
	k.client = nil
	return err
}

// ContextAttention ships the case to the server and blocks until the full
// output record arrives, so device work is drained when it returns.
func (k *Kernel) ContextAttention(ctx context.Context, in *harness.Input, out []float32) error {
	if err := in.Validate(); err != nil {
		return err
	}
	if err := k.connect(); err != nil {
		return err
	}

	rec, cmd, err := buildRequest(in)
	if err != nil {
		return err
	}
	defer rec.Release()

	stream, err := k.client.DoExchange(ctx)
	if err != nil {
		return fmt.Errorf("%w: DoExchange to %s: %v", harness.ErrUnsupported, k.addr, err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(requestSchema))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  cmd,
	})
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("writing exchange record: %w", err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("closing exchange writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send side: %w", err)
	}

	rd, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("opening exchange reader: %w", err)
	}
	defer rd.Release()

	if !rd.Next() {
		if err := rd.Err(); err != nil {
			return fmt.Errorf("reading kernel output: %w", err)
		}
		return fmt.Errorf("kernel server returned no output record")
	}
	if err := readOutput(rd.Record(), out); err != nil {
		return err
	}
	k.log.Debug("exchange complete", "addr", k.addr, "elements", len(out))
	return nil
}

// buildRequest packs the tensors and scalar parameters of one case.
func buildRequest(in *harness.Input) (arrow.Record, []byte, error) {
	params := exchangeParams{
		Heads:         in.Heads,
		KVHeads:       in.KVHeads,
		HeadDim:       in.HeadDim,
		BlockSize:     in.BlockSize,
		BlocksPerSeq:  in.BlocksPerSeq,
		MaxSeqLen:     in.MaxSeqLen,
		NewLen:        in.NewLen,
		Precision:     in.Precision.String(),
		CacheDType:    in.CacheDType.String(),
		KScale:        in.KScale,
		VScale:        in.VScale,
		SlidingWindow: in.SlidingWindow,
		Scale:         in.Scale,
	}
	cmd, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding exchange params: %w", err)
	}

	bld := array.NewRecordBuilder(memory.DefaultAllocator, requestSchema)
	defer bld.Release()

	nameB := bld.Field(0).(*array.StringBuilder)
	dataB := bld.Field(1).(*array.ListBuilder)
	dataV := dataB.ValueBuilder().(*array.Float32Builder)
	idataB := bld.Field(2).(*array.ListBuilder)
	idataV := idataB.ValueBuilder().(*array.Int32Builder)

	floatRow := func(name string, xs []float32) {
		nameB.Append(name)
		dataB.Append(true)
		dataV.AppendValues(xs, nil)
		idataB.AppendNull()
	}
	intRow := func(name string, xs []int32) {
		nameB.Append(name)
		dataB.AppendNull()
		idataB.Append(true)
		idataV.AppendValues(xs, nil)
	}

	floatRow("query", in.Query)
	floatRow("key_new", in.KeyNew)
	floatRow("value_new", in.ValueNew)
	floatRow("k_cache", in.KCache)
	floatRow("v_cache", in.VCache)
	intRow("block_table", in.BlockTable)
	intRow("start_loc", in.StartLoc)
	intRow("seq_lens", in.SeqLens)
	intRow("ctx_lens", in.CtxLens)
	if in.AlibiSlopes != nil {
		floatRow("alibi_slopes", in.AlibiSlopes)
	}

	return bld.NewRecord(), cmd, nil
}

// readOutput copies the single data row of the response record into out.
func readOutput(rec arrow.Record, out []float32) error {
	if rec.NumRows() == 0 {
		return fmt.Errorf("empty output record")
	}
	col, ok := rec.Column(0).(*array.List)
	if !ok {
		return fmt.Errorf("output column is %T, want list<float32>", rec.Column(0))
	}
	vals, ok := col.ListValues().(*array.Float32)
	if !ok {
		return fmt.Errorf("output values are %T, want float32", col.ListValues())
	}
	start, end := col.ValueOffsets(0)
	if int(end-start) != len(out) {
		return fmt.Errorf("output length %d, want %d", end-start, len(out))
	}
	copy(out, vals.Float32Values()[start:end])
	return nil
}
