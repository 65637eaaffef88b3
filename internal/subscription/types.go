package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrStreamEnded = errors.New("subscription ended by server")
	ErrPoolFailed  = errors.New("connection pool failed")
)

// idNamespace is the UUIDv5 namespace for deterministic subscription ids.
var idNamespace = uuid.MustParse("8f1c2a34-9d0b-4c7e-b7a1-3e5d6f708192")

// ErrorPolicy controls how server-side subscription errors reach listeners.
type ErrorPolicy int

const (
	// ErrorPolicyAll delivers errors as results and keeps the stream open.
	ErrorPolicyAll ErrorPolicy = iota

	// ErrorPolicyIgnore drops errors silently.
	ErrorPolicyIgnore

	// ErrorPolicyNone terminates the stream for all attached consumers on
	// the first error.
	ErrorPolicyNone
)

// Definition describes a subscription operation.
type Definition struct {
	OperationName string
	Query         string
}

// Options configure a single subscribe call.
type Options struct {
	PoolKey     string // scoping key, empty = default pool
	ErrorPolicy ErrorPolicy
}

// Config holds multiplexer tuning.
type Config struct {
	DeliveryRetryBase time.Duration // backoff base for listener delivery retries
	DeliveryRetryMax  time.Duration // backoff cap for listener delivery retries
	MaxDeliveryRetry  int           // retries before a bad event is dropped
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DeliveryRetryBase: 1 * time.Second,
		DeliveryRetryMax:  30 * time.Second,
		MaxDeliveryRetry:  3,
	}
}

// ID computes the deterministic identity of a subscription from its
// operation name and variables. encoding/json sorts map keys, so the
// serialization is canonical and identical requests always collide.
func ID(operationName string, variables map[string]any) string {
	vars, err := json.Marshal(variables)
	if err != nil {
		vars = []byte(fmt.Sprintf("%v", variables))
	}
	return uuid.NewSHA1(idNamespace, append([]byte(operationName+"\x00"), vars...)).String()
}
