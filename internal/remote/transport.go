package remote

import (
	"context"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"github.com/ocapkernel/kernel/internal/kref"
)

// LoopbackSender routes Send calls directly into another Handle's
// HandleIncoming, in-process — the peer-link equivalent of
// worker.NewLoopback, for tests and same-process peer pairs.
type LoopbackSender struct {
	self kref.RemoteID

	mu   sync.Mutex
	dest map[kref.RemoteID]*Handle
}

// NewLoopbackSender returns a Sender identifying itself as self.
func NewLoopbackSender(self kref.RemoteID) *LoopbackSender {
	return &LoopbackSender{self: self, dest: make(map[kref.RemoteID]*Handle)}
}

// Connect registers peer's Handle as the in-process destination for
// messages addressed to it.
func (s *LoopbackSender) Connect(peer kref.RemoteID, h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dest[peer] = h
}

// Send implements Sender by calling straight into the destination
// Handle's HandleIncoming, tagging the message as coming from self.
func (s *LoopbackSender) Send(ctx context.Context, peer kref.RemoteID, raw []byte) error {
	s.mu.Lock()
	h, ok := s.dest[peer]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("remote: no loopback connection to peer %s", peer)
	}
	return h.HandleIncoming(ctx, s.self, raw)
}

// ---- gRPC transport: a raw-bytes bidi stream carrying the peer
// protocol's JSON envelopes verbatim, since that protocol predates and
// is independent of protobuf. A custom codec passes frames through
// unmarshalled so no .proto-generated types are needed. ----

const rawCodecName = "raw"

// rawCodec is a pass-through encoding.Codec over *[]byte: Marshal and
// Unmarshal do no transformation, letting the peer-envelope JSON bytes
// travel as the gRPC message body directly.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("remote: raw codec cannot marshal %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("remote: raw codec cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return rawCodecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

const (
	peerServiceName  = "ocapkernel.remote.Peer"
	exchangeFullName = "/" + peerServiceName + "/Exchange"
)

// peerServer is the method the hand-written grpc.ServiceDesc below
// dispatches to; GRPCServer implements it.
type peerServer interface {
	exchange(stream grpc.ServerStream) error
}

func exchangeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(peerServer).exchange(stream)
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: peerServiceName,
	HandlerType: (*peerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// GRPCServer exposes a Handle's inbound peer protocol over the
// Exchange bidi stream, identifying the calling peer from the
// "peer-id" request metadata each connecting kernel sets.
type GRPCServer struct {
	handle *Handle
}

// NewGRPCServer wraps h as a gRPC-reachable peer endpoint.
func NewGRPCServer(h *Handle) *GRPCServer { return &GRPCServer{handle: h} }

// Register attaches the peer service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	srv.RegisterService(&peerServiceDesc, s)
}

func (s *GRPCServer) exchange(stream grpc.ServerStream) error {
	peer, err := peerFromContext(stream.Context())
	if err != nil {
		return err
	}
	for {
		var frame []byte
		if err := stream.RecvMsg(&frame); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := s.handle.HandleIncoming(stream.Context(), peer, frame); err != nil {
			return err
		}
	}
}

func peerFromContext(ctx context.Context) (kref.RemoteID, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", fmt.Errorf("remote: incoming stream carries no peer-id metadata")
	}
	vals := md.Get("peer-id")
	if len(vals) == 0 {
		return "", fmt.Errorf("remote: incoming stream carries no peer-id metadata")
	}
	return kref.RemoteID(vals[0]), nil
}

// GRPCSender is a Sender that forwards peer envelopes over one
// long-lived Exchange stream per connected peer.
type GRPCSender struct {
	self kref.RemoteID

	mu      sync.Mutex
	conns   map[kref.RemoteID]*grpc.ClientConn
	streams map[kref.RemoteID]grpc.ClientStream
}

// NewGRPCSender returns a Sender identifying this kernel as self on
// every connection it dials.
func NewGRPCSender(self kref.RemoteID) *GRPCSender {
	return &GRPCSender{
		self:    self,
		conns:   make(map[kref.RemoteID]*grpc.ClientConn),
		streams: make(map[kref.RemoteID]grpc.ClientStream),
	}
}

// Dial opens (idempotently) the gRPC connection and Exchange stream
// to peer at target.
func (s *GRPCSender) Dial(ctx context.Context, peer kref.RemoteID, target string, opts ...grpc.DialOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[peer]; ok {
		return nil
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return err
	}
	md := metadata.Pairs("peer-id", string(s.self))
	streamCtx := metadata.NewOutgoingContext(ctx, md)
	stream, err := conn.NewStream(streamCtx, &peerServiceDesc.Streams[0], exchangeFullName, grpc.CallContentSubtype(rawCodecName))
	if err != nil {
		conn.Close()
		return err
	}
	s.conns[peer] = conn
	s.streams[peer] = stream
	return nil
}

// Send implements Sender over the peer's Exchange stream.
func (s *GRPCSender) Send(ctx context.Context, peer kref.RemoteID, raw []byte) error {
	s.mu.Lock()
	stream, ok := s.streams[peer]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("remote: no gRPC connection to peer %s", peer)
	}
	frame := raw
	return stream.SendMsg(&frame)
}

// Close tears down the connection to peer, if any.
func (s *GRPCSender) Close(peer kref.RemoteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[peer]
	if !ok {
		return nil
	}
	delete(s.conns, peer)
	delete(s.streams, peer)
	return conn.Close()
}
