package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/kunal/infer-batcher/pkg/classify"
)

const (
	serviceName        = "inference.v1.ClassificationService"
	predictMethod      = "/" + serviceName + "/Predict"
	batchPredictMethod = "/" + serviceName + "/BatchPredict"
)

// Classifier is what the gRPC service fronts: usually an Orchestrator over a
// classification pipeline.
type Classifier interface {
	Predict(ctx context.Context, text string) (classify.Result[string], error)
	BatchPredict(ctx context.Context, texts []string) ([]classify.Result[string], error)
}

// ClassificationServer is the server API for inference.v1.ClassificationService.
type ClassificationServer interface {
	Predict(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	BatchPredict(context.Context, *structpb.ListValue) (*structpb.ListValue, error)
}

// Server is the worker's gRPC classification service.
type Server struct {
	clf      Classifier
	workerID string
	logger   *zap.Logger
}

func NewServer(clf Classifier, workerID string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{clf: clf, workerID: workerID, logger: logger.With(zap.String("component", "grpc"))}
}

// RegisterGRPC registers the classification service.
func (s *Server) RegisterGRPC(g grpc.ServiceRegistrar) {
	g.RegisterService(&ClassificationServiceDesc, s)
}

// RegisterHTTP registers /metrics, /health and, if b is non-nil, /ws.
func RegisterHTTP(mux *http.ServeMux, m *Metrics, b *Broadcaster) {
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("OK"))
	})
	if b != nil {
		mux.HandleFunc("/ws", b.HandleWS)
	}
}

// Predict handles a single classification. It blocks until the dynamic batch
// containing the request has run.
func (s *Server) Predict(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	requestID := uuid.NewString()
	res, err := s.clf.Predict(ctx, in.GetValue())
	if err != nil {
		s.logger.Warn("predict failed", zap.String("request_id", requestID), zap.Error(err))
		return nil, toStatus(err)
	}
	return s.encode(res, requestID)
}

// BatchPredict classifies a list of strings in one pipeline call.
func (s *Server) BatchPredict(ctx context.Context, in *structpb.ListValue) (*structpb.ListValue, error) {
	requestID := uuid.NewString()
	texts := make([]string, len(in.GetValues()))
	for i, v := range in.GetValues() {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "value %d is not a string", i)
		}
		texts[i] = sv.StringValue
	}

	results, err := s.clf.BatchPredict(ctx, texts)
	if err != nil {
		s.logger.Warn("batch predict failed", zap.String("request_id", requestID), zap.Int("size", len(texts)), zap.Error(err))
		return nil, toStatus(err)
	}

	out := &structpb.ListValue{Values: make([]*structpb.Value, len(results))}
	for i, r := range results {
		st, err := s.encode(r, requestID)
		if err != nil {
			return nil, err
		}
		out.Values[i] = structpb.NewStructValue(st)
	}
	return out, nil
}

func (s *Server) encode(r classify.Result[string], requestID string) (*structpb.Struct, error) {
	logits := make([]any, len(r.Logits))
	for i, l := range r.Logits {
		logits[i] = float64(l)
	}
	st, err := structpb.NewStruct(map[string]any{
		"label":      r.Label,
		"index":      r.Index,
		"confidence": float64(r.Confidence),
		"logits":     logits,
		"worker_id":  s.workerID,
		"request_id": requestID,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return st, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// Prediction is a decoded classification returned to gRPC clients.
type Prediction struct {
	Label      string
	Index      int
	Confidence float32
	Logits     []float32
	WorkerID   string
	RequestID  string
}

// DecodePrediction reads a result struct produced by the server.
func DecodePrediction(st *structpb.Struct) (Prediction, error) {
	f := st.GetFields()
	label, ok := f["label"].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return Prediction{}, fmt.Errorf("prediction has no label")
	}
	p := Prediction{
		Label:      label.StringValue,
		Index:      int(f["index"].GetNumberValue()),
		Confidence: float32(f["confidence"].GetNumberValue()),
		WorkerID:   f["worker_id"].GetStringValue(),
		RequestID:  f["request_id"].GetStringValue(),
	}
	for _, v := range f["logits"].GetListValue().GetValues() {
		p.Logits = append(p.Logits, float32(v.GetNumberValue()))
	}
	return p, nil
}

// Client calls a worker's classification service.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Predict(ctx context.Context, text string, opts ...grpc.CallOption) (Prediction, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, predictMethod, wrapperspb.String(text), out, opts...); err != nil {
		return Prediction{}, err
	}
	return DecodePrediction(out)
}

func (c *Client) BatchPredict(ctx context.Context, texts []string, opts ...grpc.CallOption) ([]Prediction, error) {
	in := &structpb.ListValue{Values: make([]*structpb.Value, len(texts))}
	for i, t := range texts {
		in.Values[i] = structpb.NewStringValue(t)
	}
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, batchPredictMethod, in, out, opts...); err != nil {
		return nil, err
	}
	preds := make([]Prediction, len(out.GetValues()))
	for i, v := range out.GetValues() {
		p, err := DecodePrediction(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		preds[i] = p
	}
	return preds, nil
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClassificationServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: predictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClassificationServer).Predict(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func batchPredictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.ListValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClassificationServer).BatchPredict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: batchPredictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClassificationServer).BatchPredict(ctx, req.(*structpb.ListValue))
	}
	return interceptor(ctx, in, info, handler)
}

// ClassificationServiceDesc describes the service using well-known protobuf
// message types, so no generated code is needed on either side.
var ClassificationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ClassificationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
		{MethodName: "BatchPredict", Handler: batchPredictHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inference/v1/classification.proto",
}
