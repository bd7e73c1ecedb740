package model

import (
	"context"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/linkrank/linkrank/internal/kg"
	"github.com/linkrank/linkrank/internal/pkg/errors"
)

// Scoring RPC. Payloads are structpb.Struct values so no generated stubs
// are needed on either side:
//
//	request:  {"triples": [[h, r, t], ...], "labels": [y, ...]}
//	response: {"scores": [s, ...]}
const (
	scorerServiceName = "linkrank.Scorer"
	scoreMethod       = "/" + scorerServiceName + "/Score"
)

// GRPCConfig configures a remote scorer connection.
type GRPCConfig struct {
	// Address is "host:port" or "unix:///path/to.sock".
	Address string

	// Timeout bounds each scoring call. Zero means no per-call deadline.
	Timeout time.Duration

	// RPS caps scoring calls per second. Zero means unlimited.
	RPS float64
}

// GRPCScorer scores batches on a remote model host.
type GRPCScorer struct {
	conn    *grpc.ClientConn
	limiter *rate.Limiter
	timeout time.Duration
}

// DialScorer connects to a remote model host.
func DialScorer(cfg GRPCConfig) (*GRPCScorer, error) {
	if cfg.Address == "" {
		return nil, errors.ConfigError("grpc scorer address is empty")
	}

	addr := cfg.Address
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(256*1024*1024),
			grpc.MaxCallSendMsgSize(256*1024*1024),
		),
	}

	if strings.HasPrefix(addr, "unix://") {
		socketPath := strings.TrimPrefix(addr, "unix://")
		opts = append(opts, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}))
		addr = "passthrough:///" + socketPath
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, fmt.Sprintf("failed to connect to %s", cfg.Address), err)
	}

	return NewGRPCScorer(conn, cfg), nil
}

// NewGRPCScorer uses an existing connection. Address in cfg is ignored.
func NewGRPCScorer(conn *grpc.ClientConn, cfg GRPCConfig) *GRPCScorer {
	g := &GRPCScorer{conn: conn, timeout: cfg.Timeout}
	if cfg.RPS > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}
	return g
}

// Score implements Scorer.
func (g *GRPCScorer) Score(ctx context.Context, batch []kg.Triple, labels []float64) ([]float64, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, errors.TimeoutError("scoring rate limit wait")
		}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	req := encodeScoreRequest(batch, labels)
	resp := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, scoreMethod, req, resp); err != nil {
		return nil, errors.ModelError("remote scoring call failed", err)
	}

	return decodeScores(resp)
}

// Close closes the connection.
func (g *GRPCScorer) Close() error {
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}

// RegisterScoringServer exposes scorer on s. Calls are serialized because a
// model instance is not assumed to be safe for concurrent use.
func RegisterScoringServer(s grpc.ServiceRegistrar, scorer Scorer) {
	s.RegisterService(&scorerServiceDesc, &scoringServer{scorer: NewSerialized(scorer)})
}

type scoringService interface {
	score(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type scoringServer struct {
	scorer Scorer
}

func (s *scoringServer) score(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	batch, labels, err := decodeScoreRequest(req)
	if err != nil {
		return nil, err
	}
	scores, err := s.scorer.Score(ctx, batch, labels)
	if err != nil {
		return nil, err
	}
	return encodeScores(scores), nil
}

func scoreHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	svc := srv.(scoringService)
	if interceptor == nil {
		return svc.score(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: scoreMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return svc.score(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var scorerServiceDesc = grpc.ServiceDesc{
	ServiceName: scorerServiceName,
	HandlerType: (*scoringService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Score", Handler: scoreHandler},
	},
	Metadata: "linkrank/scorer",
}

func encodeScoreRequest(batch []kg.Triple, labels []float64) *structpb.Struct {
	rows := make([]*structpb.Value, len(batch))
	for i, t := range batch {
		rows[i] = structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
			structpb.NewNumberValue(float64(t.Head)),
			structpb.NewNumberValue(float64(t.Relation)),
			structpb.NewNumberValue(float64(t.Tail)),
		}})
	}
	ys := make([]*structpb.Value, len(labels))
	for i, y := range labels {
		ys[i] = structpb.NewNumberValue(y)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"triples": structpb.NewListValue(&structpb.ListValue{Values: rows}),
		"labels":  structpb.NewListValue(&structpb.ListValue{Values: ys}),
	}}
}

func decodeScoreRequest(req *structpb.Struct) ([]kg.Triple, []float64, error) {
	rows := req.GetFields()["triples"].GetListValue().GetValues()
	batch := make([]kg.Triple, len(rows))
	for i, row := range rows {
		vals := row.GetListValue().GetValues()
		if len(vals) != 3 {
			return nil, nil, errors.ValidationError(fmt.Sprintf("triple %d has %d ids, want 3", i, len(vals)))
		}
		var ids [3]int
		for j, v := range vals {
			f := v.GetNumberValue()
			if f != math.Trunc(f) {
				return nil, nil, errors.ValidationError(fmt.Sprintf("triple %d id %v is not an integer", i, f))
			}
			ids[j] = int(f)
		}
		batch[i] = kg.Triple{Head: ids[0], Relation: ids[1], Tail: ids[2]}
	}

	ys := req.GetFields()["labels"].GetListValue().GetValues()
	labels := make([]float64, len(ys))
	for i, y := range ys {
		labels[i] = y.GetNumberValue()
	}
	return batch, labels, nil
}

func encodeScores(scores []float64) *structpb.Struct {
	vals := make([]*structpb.Value, len(scores))
	for i, s := range scores {
		vals[i] = structpb.NewNumberValue(s)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"scores": structpb.NewListValue(&structpb.ListValue{Values: vals}),
	}}
}

func decodeScores(resp *structpb.Struct) ([]float64, error) {
	field, ok := resp.GetFields()["scores"]
	if !ok {
		return nil, errors.ModelError("remote response has no scores field", nil)
	}
	vals := field.GetListValue().GetValues()
	scores := make([]float64, len(vals))
	for i, v := range vals {
		scores[i] = v.GetNumberValue()
	}
	return scores, nil
}
