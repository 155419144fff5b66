package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusInUse     Status = "IN_USE"
)

func (s Status) Valid() bool {
	return s == StatusAvailable || s == StatusInUse
}

// descriptorNamespace seeds name-based ids for descriptors that carry only an opaque role reference.
var descriptorNamespace = uuid.MustParse("6f1d7a1e-3c2b-4f59-9a4e-0b8f2d7c5e11")

// Descriptor is the handle a holder needs to exercise an account. It is immutable after registration.
type Descriptor struct {
	AccountID string `json:"accountId,omitempty"`
	RoleARN   string `json:"roleArn"`
}

// ResourceID derives the stable identity of the descriptor.
func (d Descriptor) ResourceID() (string, error) {
	if id := strings.TrimSpace(d.AccountID); id != "" {
		return id, nil
	}
	arn := strings.TrimSpace(d.RoleARN)
	if arn == "" {
		return "", fmt.Errorf("descriptor requires accountId or roleArn")
	}
	// arn:<partition>:iam::<account>:role/<name>
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) == 6 && parts[0] == "arn" && parts[2] == "iam" && parts[4] != "" {
		return parts[4], nil
	}
	return uuid.NewSHA1(descriptorNamespace, []byte(arn)).String(), nil
}

type Resource struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	Descriptor   Descriptor `json:"descriptor"`
	Holder       string     `json:"holder,omitempty"`
	Version      int64      `json:"version"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LastUpdated  time.Time  `json:"lastUpdated"`
}

// Stale reports whether an IN_USE lease has outlived maxLease at now.
func (r Resource) Stale(now time.Time, maxLease time.Duration) bool {
	return r.Status == StatusInUse && now.Sub(r.LastUpdated) > maxLease
}

type DemandSnapshot struct {
	PendingWork int       `json:"pendingWork"`
	Available   int       `json:"available"`
	Total       int       `json:"total"`
	CapturedAt  time.Time `json:"capturedAt"`
}

type ScalingDecision struct {
	DesiredSize int            `json:"desiredSize"`
	Snapshot    DemandSnapshot `json:"snapshot"`
	AppliedAt   time.Time      `json:"appliedAt,omitempty"`
}
