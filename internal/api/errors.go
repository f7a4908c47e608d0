package api

import (
	"errors"

	"github.com/matheus3301/todosync/internal/apperr"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var kindCodes = map[apperr.Kind]codes.Code{
	apperr.KindNetwork:        codes.Unavailable,
	apperr.KindUnauthorized:   codes.Unauthenticated,
	apperr.KindNotFound:       codes.NotFound,
	apperr.KindValidation:     codes.InvalidArgument,
	apperr.KindStaleSelection: codes.Aborted,
	apperr.KindUsage:          codes.FailedPrecondition,
	apperr.KindRejected:       codes.Internal,
}

// toStatus converts an engine error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code, ok := kindCodes[apperr.KindOf(err)]
	if !ok {
		code = codes.Internal
	}
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	return grpcstatus.Error(code, msg)
}

func invalid(err error) error {
	return grpcstatus.Error(codes.InvalidArgument, err.Error())
}
