package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/biocard/internal/logging"
	"github.com/example/biocard/internal/notify"
)

// SendMethod is the fully qualified RPC the notification gateway exposes. It
// accepts and returns google.protobuf.Struct documents.
const SendMethod = "/notification.v1.Notifier/Send"

// Invoker is the subset of *grpc.ClientConn used by the dispatcher.
type Invoker interface {
	Invoke(ctx context.Context, method string, args any, reply any, opts ...grpc.CallOption) error
}

// DialNotifier returns a notify.Dispatcher backed by the remote notification gateway.
func DialNotifier(ctx context.Context, addr string, logger *zap.Logger) (*Notifier, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_notifier", "", err)
		logger.Error("failed to dial notification gateway", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewNotifier(conn, logger), conn, nil
}

// NewNotifier wraps an existing connection.
func NewNotifier(conn Invoker, logger *zap.Logger) *Notifier {
	return &Notifier{conn: conn, logger: logger.Named("grpc_notifier")}
}

// Notifier implements notify.Dispatcher over gRPC.
type Notifier struct {
	conn    Invoker
	logger  *zap.Logger
	timeout time.Duration
}

var _ notify.Dispatcher = (*Notifier)(nil)

// Send forwards the alert and maps the gateway reply onto an acknowledgement.
func (n *Notifier) Send(ctx context.Context, to, subject, body string) (notify.Acknowledgement, error) {
	req, err := structpb.NewStruct(map[string]any{
		"to":      to,
		"subject": subject,
		"body":    body,
	})
	if err != nil {
		return notify.Acknowledgement{}, logging.NewOperationError("grpcclient.encode_alert", to, err)
	}

	timeout := n.timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := n.conn.Invoke(callCtx, SendMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.send_alert", to, err)
		n.logger.Error("notification gateway call failed", zap.Error(wrapped))
		return notify.Acknowledgement{}, wrapped
	}

	fields := resp.GetFields()
	return notify.Acknowledgement{
		ID:       fields["id"].GetStringValue(),
		Accepted: fields["accepted"].GetBoolValue(),
		Message:  fields["message"].GetStringValue(),
	}, nil
}
