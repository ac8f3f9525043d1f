// Package remote talks to an out-of-process face model service over gRPC.
package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/facematch/internal/detection"
	"github.com/example/facematch/internal/imageio"
	"github.com/example/facematch/internal/logging"
	"github.com/example/facematch/internal/models"
)

// ExtractMethod is the unary RPC the model service exposes. Both request and
// response are google.protobuf.Struct messages.
const ExtractMethod = "/facematch.v1.FaceExtractor/Extract"

var errMalformedResponse = errors.New("malformed extractor response")

// Extractor implements detection.Extractor over a gRPC connection.
type Extractor struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

var _ models.Backend = (*Extractor)(nil)

// Dial returns a ready-to-use client for the model service at addr.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Extractor, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("remote.dial_extractor", "", err)
		logger.Error("failed to dial face extractor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &Extractor{conn: conn, logger: logger}, nil
}

// Loader returns a models.Loader that treats the location as a service address.
func Loader(logger *zap.Logger, opts ...grpc.DialOption) models.Loader {
	return func(ctx context.Context, addr string) (models.Backend, error) {
		return Dial(ctx, addr, logger, opts...)
	}
}

// Extract sends the image as JPEG together with the strategy parameters.
func (e *Extractor) Extract(ctx context.Context, img *imageio.Image, s detection.Strategy) (*detection.Detection, error) {
	data, err := img.JPEG(imageio.JPEGQuality)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"image":      base64.StdEncoding.EncodeToString(data),
		"detector":   string(s.Detector),
		"input_size": s.InputSize,
		"min_score":  s.MinScore,
	})
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, ExtractMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("remote.extract", "", err)
		e.logger.Error("face extractor call failed", zap.Error(wrapped), zap.String("strategy", s.Name()))
		return nil, wrapped
	}
	return decodeResponse(resp)
}

// Close closes the connection.
func (e *Extractor) Close() error {
	return e.conn.Close()
}

func decodeResponse(resp *structpb.Struct) (*detection.Detection, error) {
	fields := resp.GetFields()
	if !fields["found"].GetBoolValue() {
		return nil, detection.ErrNoFace
	}

	list := fields["descriptor"].GetListValue()
	if list == nil || len(list.GetValues()) == 0 {
		return nil, fmt.Errorf("%w: missing descriptor", errMalformedResponse)
	}
	desc := make([]float64, len(list.GetValues()))
	for i, v := range list.GetValues() {
		if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
			return nil, fmt.Errorf("%w: descriptor[%d] is not a number", errMalformedResponse, i)
		}
		desc[i] = v.GetNumberValue()
	}

	box := fields["box"].GetStructValue().GetFields()
	return &detection.Detection{
		Confidence: fields["score"].GetNumberValue(),
		Box: detection.Box{
			X:      box["x"].GetNumberValue(),
			Y:      box["y"].GetNumberValue(),
			Width:  box["width"].GetNumberValue(),
			Height: box["height"].GetNumberValue(),
		},
		Descriptor: desc,
	}, nil
}
