//go:build test

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blepd/internal/peripheral"
	"github.com/srg/blepd/internal/testutils"
	"github.com/srg/blepd/pkg/config"
)

// testConfig declares TestServiceUUID/TestCharUUID with fast delivery timings.
const testConfig = `
device_name: blepd-test
log_level: error
delivery:
  requeue_backoff: 5ms
  chunk_pacing: 1ms
  shutdown_timeout: 500ms
services:
  - uuid: "180d"
    characteristics:
      - uuid: "2a37"
        properties: read,notify
      - uuid: "2a39"
        properties: write
`

// syncBuffer is a bytes.Buffer safe for a command writing while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against a mock transport.
// All cmd/blepd suites should embed it instead of MockPeripheralSuite.
type CommandTestSuite struct {
	testutils.MockPeripheralSuite

	ConfigPath string
	original   func(*config.Config, *logrus.Logger) peripheral.Transport
}

func (s *CommandTestSuite) SetupSuite() {
	s.MockPeripheralSuite.SetupSuite()
	color.NoColor = true
	s.original = newTransport
}

func (s *CommandTestSuite) TearDownSuite() {
	newTransport = s.original
}

func (s *CommandTestSuite) SetupTest() {
	s.MockPeripheralSuite.SetupTest()
	s.Transport.AllowAll()
	newTransport = func(*config.Config, *logrus.Logger) peripheral.Transport {
		return s.Transport
	}
	s.ConfigPath = s.WriteConfig(testConfig)
	resetFlags(rootCmd)
}

// WriteConfig stores content as a config file in a temp dir and returns its path.
func (s *CommandTestSuite) WriteConfig(content string) string {
	path := filepath.Join(s.T().TempDir(), "blepd.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600), "config MUST be written")
	return path
}

// ExecuteCommand runs the root command with args and returns combined output.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	out := &syncBuffer{}
	err := runRoot(context.Background(), out, args...)
	return out.String(), err
}

// StartCommand runs the root command in the background. The returned channel yields
// the command error once it exits.
func (s *CommandTestSuite) StartCommand(ctx context.Context, args ...string) (*syncBuffer, <-chan error) {
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- runRoot(ctx, out, args...) }()
	return out, done
}

// WaitAdvertising blocks until the command started advertising.
func (s *CommandTestSuite) WaitAdvertising() {
	s.Require().Eventually(func() bool {
		return s.Transport.AdvertiseCalls() > 0
	}, 2*time.Second, 5*time.Millisecond, "command MUST start advertising")
}

// WaitResult waits for a background command to exit.
func (s *CommandTestSuite) WaitResult(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		s.FailNow("command MUST exit")
		return nil
	}
}

func runRoot(ctx context.Context, out *syncBuffer, args ...string) error {
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)
	defer resetFlags(rootCmd)
	return rootCmd.ExecuteContext(ctx)
}

// resetFlags restores every flag of cmd and its children to its default, since
// cobra keeps parsed values between Execute calls.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
