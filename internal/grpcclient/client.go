package grpcclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/tryon/internal/camera"
	"github.com/example/tryon/internal/geometry"
	"github.com/example/tryon/internal/landmark"
	"github.com/example/tryon/internal/logging"
)

// DetectLandmarksMethod is the full gRPC method name of the landmark service.
// Requests carry a JPEG frame as google.protobuf.BytesValue; replies are a
// google.protobuf.Struct of the form
//
//	{"faces": [{"left_eye": [[x, y], ...], "right_eye": [[x, y], ...]}]}
//
// with coordinates in source frame pixels.
const DetectLandmarksMethod = "/tryon.landmarks.v1.LandmarkDetector/DetectLandmarks"

// ErrMalformedReply is returned when the service answers with an unexpected shape.
var ErrMalformedReply = errors.New("grpcclient: malformed landmark reply")

const defaultJPEGQuality = 80

// DialLandmarkDetector returns a ready-to-use gRPC client for the landmark service.
func DialLandmarkDetector(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*LandmarkDetector, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_landmark_detector", "", err)
		logger.Error("failed to dial landmark detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewLandmarkDetector(conn, logger), conn, nil
}

// LandmarkDetector implements camera.Detector over gRPC.
type LandmarkDetector struct {
	conn        grpc.ClientConnInterface
	logger      *zap.Logger
	jpegQuality int
	timeout     time.Duration
}

// NewLandmarkDetector wraps an existing connection.
func NewLandmarkDetector(conn grpc.ClientConnInterface, logger *zap.Logger) *LandmarkDetector {
	return &LandmarkDetector{
		conn:        conn,
		logger:      logger.Named("landmark_detector"),
		jpegQuality: defaultJPEGQuality,
		timeout:     time.Second,
	}
}

// WithTimeout bounds each detection call.
func (d *LandmarkDetector) WithTimeout(timeout time.Duration) *LandmarkDetector {
	d.timeout = timeout
	return d
}

// DetectLandmarks implements camera.Detector.
func (d *LandmarkDetector) DetectLandmarks(ctx context.Context, frame camera.Frame) ([]landmark.Detection, error) {
	if frame.Image == nil {
		return nil, logging.NewOperationError("grpcclient.detect_landmarks", "", errors.New("empty frame"))
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame.Image, imaging.JPEG, imaging.JPEGQuality(d.jpegQuality)); err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_frame", "", err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	reply := &structpb.Struct{}
	if err := d.conn.Invoke(ctx, DetectLandmarksMethod, wrapperspb.Bytes(buf.Bytes()), reply); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect_landmarks", "", err)
		// Called once per tick; failures are counted by the render loop.
		d.logger.Debug("landmark detector call failed", zap.Error(wrapped), zap.Uint64("frame_seq", frame.Seq))
		return nil, wrapped
	}
	return decodeFaces(reply)
}

func decodeFaces(reply *structpb.Struct) ([]landmark.Detection, error) {
	facesValue, ok := reply.GetFields()["faces"]
	if !ok {
		return nil, nil
	}
	faces := facesValue.GetListValue()
	if faces == nil {
		return nil, fmt.Errorf("%w: faces is not a list", ErrMalformedReply)
	}

	detections := make([]landmark.Detection, 0, len(faces.GetValues()))
	for i, v := range faces.GetValues() {
		face := v.GetStructValue()
		if face == nil {
			return nil, fmt.Errorf("%w: face %d is not an object", ErrMalformedReply, i)
		}
		left, err := decodeEye(face, "left_eye")
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		right, err := decodeEye(face, "right_eye")
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		detections = append(detections, landmark.Detection{LeftEye: left, RightEye: right})
	}
	return detections, nil
}

// decodeEye reads a list of [x, y] pairs. A missing eye decodes to an empty
// set, which the caller treats as an incomplete detection.
func decodeEye(face *structpb.Struct, key string) (landmark.EyeLandmarkSet, error) {
	value, ok := face.GetFields()[key]
	if !ok {
		return nil, nil
	}
	list := value.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: %s is not a list", ErrMalformedReply, key)
	}
	points := make(landmark.EyeLandmarkSet, 0, len(list.GetValues()))
	for j, pv := range list.GetValues() {
		pair := pv.GetListValue()
		if pair == nil || len(pair.GetValues()) != 2 {
			return nil, fmt.Errorf("%w: %s[%d] is not an [x, y] pair", ErrMalformedReply, key, j)
		}
		x, xok := pair.GetValues()[0].GetKind().(*structpb.Value_NumberValue)
		y, yok := pair.GetValues()[1].GetKind().(*structpb.Value_NumberValue)
		if !xok || !yok {
			return nil, fmt.Errorf("%w: %s[%d] has non-numeric coordinates", ErrMalformedReply, key, j)
		}
		points = append(points, geometry.Point{X: x.NumberValue, Y: y.NumberValue})
	}
	return points, nil
}
