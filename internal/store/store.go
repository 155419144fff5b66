package store

import (
	"context"
	"errors"
	"time"

	"github.com/ILLUVRSE/account-pool/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("resource already registered")
	// ErrConflict reports a lost compare-and-swap: the record changed since it was read.
	ErrConflict = errors.New("concurrent modification")
)

// Store is the durable record store behind the lease pool. Every status change goes
// through CompareAndSwap except Overwrite, which exists for administrative recovery.
type Store interface {
	Create(ctx context.Context, in CreateInput) (models.Resource, error)
	Get(ctx context.Context, id string) (models.Resource, error)
	List(ctx context.Context) ([]models.Resource, error)
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Resource, error)
	CompareAndSwap(ctx context.Context, in SwapInput) (models.Resource, error)
	Overwrite(ctx context.Context, in OverwriteInput) (models.Resource, error)
	Delete(ctx context.Context, id string) error
	Counts(ctx context.Context) (Counts, error)
	Ping(ctx context.Context) error
}

type CreateInput struct {
	ID         string
	Descriptor models.Descriptor
	At         time.Time
}

// SwapInput applies Status/Holder/At only when the stored record still has
// ExpectStatus and ExpectVersion. The stored version is incremented on success.
type SwapInput struct {
	ID            string
	ExpectStatus  models.Status
	ExpectVersion int64
	Status        models.Status
	Holder        string
	At            time.Time
}

type OverwriteInput struct {
	ID     string
	Status models.Status
	Holder string
	At     time.Time
}

type Counts struct {
	Available int `json:"available"`
	InUse     int `json:"inUse"`
	Total     int `json:"total"`
}

func newResource(in CreateInput) models.Resource {
	return models.Resource{
		ID:           in.ID,
		Status:       models.StatusAvailable,
		Descriptor:   in.Descriptor,
		Version:      1,
		RegisteredAt: in.At,
		LastUpdated:  in.At,
	}
}
