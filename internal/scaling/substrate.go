package scaling

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Substrate is whatever runs the workers. Setting the size is idempotent.
type Substrate interface {
	SetDesiredSize(ctx context.Context, n int) error
}

type ECSAPI interface {
	UpdateService(ctx context.Context, in *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

// ECSSubstrate scales an ECS service through its desired count.
type ECSSubstrate struct {
	client  ECSAPI
	cluster string
	service string
}

// ParseServiceResourceID splits an application-autoscaling style id,
// service/<cluster>/<service>, into its cluster and service names.
func ParseServiceResourceID(id string) (cluster, service string, err error) {
	parts := strings.Split(id, "/")
	if len(parts) != 3 || parts[0] != "service" || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid ecs service resource id %q: want service/<cluster>/<service>", id)
	}
	return parts[1], parts[2], nil
}

func NewECSSubstrate(client ECSAPI, resourceID string) (*ECSSubstrate, error) {
	cluster, service, err := ParseServiceResourceID(resourceID)
	if err != nil {
		return nil, err
	}
	return &ECSSubstrate{client: client, cluster: cluster, service: service}, nil
}

func (s *ECSSubstrate) SetDesiredSize(ctx context.Context, n int) error {
	if n < 0 || n > math.MaxInt32 {
		return fmt.Errorf("desired count %d out of range", n)
	}
	_, err := s.client.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(s.cluster),
		Service:      aws.String(s.service),
		DesiredCount: aws.Int32(int32(n)),
	})
	if err != nil {
		return fmt.Errorf("update service %s/%s: %w", s.cluster, s.service, err)
	}
	return nil
}

// LogSubstrate records the last desired size and logs it. Used when no real
// fleet is attached.
type LogSubstrate struct {
	mu      sync.Mutex
	desired int
	applied bool
	logger  zerolog.Logger
}

func NewLogSubstrate() *LogSubstrate {
	return &LogSubstrate{logger: log.Logger.With().Str("component", "scaling.substrate").Logger()}
}

func (s *LogSubstrate) SetDesiredSize(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desired, s.applied = n, true
	s.logger.Info().Int("desired", n).Msg("fleet size set")
	return nil
}

// Desired returns the last applied size, if any.
func (s *LogSubstrate) Desired() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired, s.applied
}
