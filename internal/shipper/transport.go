package shipper

import (
	"context"
	"fmt"
)

// Transport delivers records to one destination. R is the wire form of a
// record and Resp whatever the destination answers.
type Transport[R, Resp any] interface {
	// PrepareRecord converts one raw buffer line into its wire form. It must
	// not keep raw, which the caller may reuse.
	PrepareRecord(raw []byte) R

	// SendRecords delivers a batch synchronously. Any failure, whatever the
	// cause, is reported as successful == false.
	SendRecords(ctx context.Context, records []R) (resp Resp, successful bool)

	// HandleError is called once for every unsuccessful SendRecords. It has
	// side effects only and does not change what the shipper does next.
	HandleError(resp Resp, originalRecordCount int)
}

// ShippingError is raised for failures other than contention or a rejected
// batch. The shipper keeps running; the next tick retries.
type ShippingError struct {
	Destination string
	Err         error
}

func (e *ShippingError) Error() string {
	return fmt.Sprintf("error in shipping logs to '%s': %v", e.Destination, e.Err)
}

func (e *ShippingError) Unwrap() error {
	return e.Err
}

// ErrorHandler receives shipping errors, e.g. to alert an operator.
type ErrorHandler func(err *ShippingError)
