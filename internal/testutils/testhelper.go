package testutils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/peripheral"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// OutcomeRecorder collects transfer results reported by a Manager.
type OutcomeRecorder struct {
	mu       sync.Mutex
	outcomes []peripheral.DeliveryOutcome
}

func NewOutcomeRecorder() *OutcomeRecorder {
	return &OutcomeRecorder{}
}

// Record is a peripheral.TransferResultHandler.
func (r *OutcomeRecorder) Record(o peripheral.DeliveryOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *OutcomeRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

// All returns a copy of the recorded outcomes in arrival order.
func (r *OutcomeRecorder) All() []peripheral.DeliveryOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]peripheral.DeliveryOutcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// LoadScript reads a file relative to the project root (the directory holding go.mod).
func LoadScript(relPath string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	projectRoot := wd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			return "", fmt.Errorf("could not find project root (go.mod not found)")
		}
		projectRoot = parent
	}

	fullPath := filepath.Join(projectRoot, relPath)
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", fullPath, err)
	}
	return string(data), nil
}
