package grpcsvc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

var invalidArgumentErrors = []error{
	domain.ErrUserRequired,
	domain.ErrCurrencyRequired,
	domain.ErrItemsRequired,
	domain.ErrQuantityInvalid,
	domain.ErrItemPriceInvalid,
	domain.ErrAmountMismatch,
	domain.ErrOrderIDRequired,
	domain.ErrProductIDRequired,
	domain.ErrPaymentAmountMismatch,
	domain.ErrPaymentAmountNegative,
	domain.ErrPaymentMethodRequired,
	domain.ErrPaymentNumberRequired,
	domain.ErrOutcomeInvalid,
}

var notFoundErrors = []error{
	domain.ErrOrderNotFound,
	domain.ErrPaymentNotFound,
	domain.ErrProductNotFound,
}

// toStatus переводит доменную ошибку в gRPC-статус. Сообщение для
// бизнес-ошибок сохраняется целиком: клиент видит, каких товаров не хватило.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrProductInactive),
		errors.Is(err, domain.ErrPaymentTerminal):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrAlreadyPaid),
		errors.Is(err, domain.ErrOrderAlreadyExists),
		errors.Is(err, domain.ErrPaymentAlreadyExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrOrderStatusConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return status.Error(codes.NotFound, err.Error())
		}
	}
	for _, target := range invalidArgumentErrors {
		if errors.Is(err, target) {
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}
	return status.Error(codes.Internal, "internal error")
}
