// Package grpcserver exposes the saunalog.v1.Sessions gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/and161185/saunalog/internal/api"
	"github.com/and161185/saunalog/internal/convert"
	"github.com/and161185/saunalog/internal/errs"
	"github.com/and161185/saunalog/internal/service"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server wires services into gRPC handlers.
type Server struct {
	accounts service.AccountService
	sessions service.SessionService
	signKey  []byte
}

var _ api.SessionsServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(accounts service.AccountService, sessions service.SessionService, signKey []byte) *Server {
	return &Server{accounts: accounts, sessions: sessions, signKey: signKey}
}

// toStatus maps service errors to gRPC status codes.
func toStatus(op string, err error) error {
	var apiErr *errs.RemoteAPIError
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, errs.ErrForbidden):
		return status.Error(codes.PermissionDenied, "not your device")
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrConflict):
		return status.Error(codes.FailedPrecondition, "session already ended")
	case errors.Is(err, errs.ErrAuthExpired):
		return status.Error(codes.FailedPrecondition, "vendor authorization expired, link the account again")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case strings.HasPrefix(err.Error(), "validation:"):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &apiErr):
		return status.Errorf(codes.Unavailable, "%s: vendor: %s", op, apiErr.Message)
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

func owner(ctx context.Context) (uuid.UUID, error) {
	id, ok := OwnerFromCtx(ctx)
	if !ok || id == uuid.Nil {
		return uuid.Nil, status.Error(codes.Unauthenticated, "no auth")
	}
	return id, nil
}

func rangeArgs(in *structpb.Struct) (uuid.UUID, time.Time, time.Time, error) {
	dev, err := convert.UUID(in, "device_id")
	if err != nil {
		return uuid.Nil, time.Time{}, time.Time{}, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	from, err := convert.Time(in, "from")
	if err != nil {
		return uuid.Nil, time.Time{}, time.Time{}, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	to, err := convert.Time(in, "to")
	if err != nil {
		return uuid.Nil, time.Time{}, time.Time{}, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	return dev, from, to, nil
}

func encoded(out *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// --- Accounts ---

// LinkAccount stores vendor credentials for the caller.
func (s *Server) LinkAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	username, password := convert.String(in, "username"), convert.String(in, "password")
	if username == "" || password == "" {
		return nil, status.Error(codes.InvalidArgument, "empty username/password")
	}
	if err := s.accounts.LinkAccount(ctx, ownerID, username, password); err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			return nil, status.Error(codes.PermissionDenied, "vendor rejected credentials")
		}
		return nil, toStatus("link account", err)
	}
	return encoded(structpb.NewStruct(map[string]any{"linked": true}))
}

// DiscoverDevices registers the caller's vendor devices.
func (s *Server) DiscoverDevices(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	ds, err := s.accounts.DiscoverDevices(ctx, ownerID)
	if err != nil {
		return nil, toStatus("discover devices", err)
	}
	return encoded(convert.ToProtoDevices(ds))
}

// --- Sessions ---

// ListSessions returns sessions of a device overlapping [from, to].
func (s *Server) ListSessions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	dev, from, to, err := rangeArgs(in)
	if err != nil {
		return nil, err
	}
	ss, err := s.sessions.ListSessions(ctx, ownerID, dev, from, to)
	if err != nil {
		return nil, toStatus("list sessions", err)
	}
	return encoded(convert.ToProtoSessions(ss))
}

// ListMeasurements returns measurements of a device within [from, to].
func (s *Server) ListMeasurements(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	dev, from, to, err := rangeArgs(in)
	if err != nil {
		return nil, err
	}
	ms, err := s.sessions.ListMeasurements(ctx, ownerID, dev, from, to)
	if err != nil {
		return nil, toStatus("list measurements", err)
	}
	return encoded(convert.ToProtoMeasurements(ms))
}

// ListSessionMeasurements returns a session and the measurements inside it.
func (s *Server) ListSessionMeasurements(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	id, err := convert.UUID(in, "session_id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad session_id")
	}
	sess, ms, err := s.sessions.ListSessionMeasurements(ctx, ownerID, id)
	if err != nil {
		return nil, toStatus("list session measurements", err)
	}
	return encoded(convert.ToProtoSessionMeasurements(*sess, ms))
}

// EndSession ends an ongoing session now.
func (s *Server) EndSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ownerID, err := owner(ctx)
	if err != nil {
		return nil, err
	}
	id, err := convert.UUID(in, "session_id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad session_id")
	}
	sess, err := s.sessions.EndSession(ctx, ownerID, id)
	if err != nil {
		return nil, toStatus("end session", err)
	}
	return encoded(convert.ToProtoSession(*sess))
}

// --- Auth ---

func remoteIP(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

// ownerIDFromCtx verifies the HS256 bearer JWT and returns its subject as the owner ID.
func (s *Server) ownerIDFromCtx(ctx context.Context) (uuid.UUID, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	}, jwt.WithLeeway(30*time.Second))
	if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
		return uuid.Nil, errors.New("token expired or not valid yet")
	}
	if err != nil || !parsed.Valid {
		return uuid.Nil, errors.New("invalid token")
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, errors.New("bad subject")
	}
	return id, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
