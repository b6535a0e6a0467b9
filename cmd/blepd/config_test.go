//go:build test

package main

import (
	"testing"

	"github.com/srg/blepd/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	CommandTestSuite
}

func (s *ConfigTestSuite) TestPrintsDefaults() {
	out, err := s.ExecuteCommand("config")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Equal(`
device_name: blepd
log_level: info
hci_device: -1
preferred_mtu: 512
delivery:
  default_retries: 3
  requeue_backoff: 500ms
  chunk_size: 20
  chunk_pacing: 10ms
  shutdown_timeout: 100ms
  report_dropped_on_shutdown: false
  history_size: 256
advertising:
  readvertise_on_disconnect: true
`, out)
}

func (s *ConfigTestSuite) TestFileAndLogLevelOverride() {
	path := s.WriteConfig(`
device_name: sensor
delivery:
  default_retries: 0
services:
  - uuid: "180f"
    characteristics:
      - uuid: "2a19"
        properties: read,notify
        value: "d"
`)
	out, err := s.ExecuteCommand("config", "--config", path, "--log-level", "debug")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Equal(`
device_name: sensor
log_level: debug
hci_device: -1
preferred_mtu: 512
delivery:
  default_retries: 0
  requeue_backoff: 500ms
  chunk_size: 20
  chunk_pacing: 10ms
  shutdown_timeout: 100ms
  report_dropped_on_shutdown: false
  history_size: 256
advertising:
  readvertise_on_disconnect: true
services:
  - uuid: 180f
    characteristics:
      - uuid: 2a19
        properties: read,notify
        value: d
`, out)
}

func (s *ConfigTestSuite) TestRejections() {
	_, err := s.ExecuteCommand("config", "--log-level", "loud")
	s.ErrorContains(err, "invalid log level")

	_, err = s.ExecuteCommand("config", "--config", s.WriteConfig("unknown_key: 1\n"))
	s.Error(err, "unknown keys MUST be rejected")
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
