package approval

import "context"

// Store persists approval requests.
type Store interface {
	SaveRequest(ctx context.Context, req *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	GetRequestByEnvelopeID(ctx context.Context, envelopeID string) (*Request, error)
	ListPending(ctx context.Context) ([]*Request, error)
}
