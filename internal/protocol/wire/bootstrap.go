package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// BootstrapEnvVar carries the encoded bootstrap payload into the worker
// process environment. It is the worker's sole bootstrap input.
const BootstrapEnvVar = "UMBRA_BOOTSTRAP"

var (
	ErrInvalidBootstrap = errors.New("wire: invalid bootstrap payload")
	ErrBootstrapMissing = errors.New("wire: bootstrap payload not present in environment")
)

// Bootstrap is the immutable configuration snapshot handed to the worker
// host at creation time.
type Bootstrap struct {
	MachineID       string            `json:"machine_id"`
	HostID          string            `json:"host_id"`
	AppRoot         string            `json:"app_root"`
	CacheDir        string            `json:"cache_dir"`
	BackupStatePath string            `json:"backup_state_path"`
	Env             map[string]string `json:"env,omitempty"`
	TransportAddr   string            `json:"transport_addr"`
	Args            []string          `json:"args,omitempty"`
	LogLevel        string            `json:"log_level,omitempty"`
}

func (b Bootstrap) Validate() error {
	if strings.TrimSpace(b.MachineID) == "" {
		return fmt.Errorf("%w: missing machine_id", ErrInvalidBootstrap)
	}
	if strings.TrimSpace(b.HostID) == "" {
		return fmt.Errorf("%w: missing host_id", ErrInvalidBootstrap)
	}
	if strings.TrimSpace(b.TransportAddr) == "" {
		return fmt.Errorf("%w: missing transport_addr", ErrInvalidBootstrap)
	}
	return nil
}

func (b Bootstrap) Encode() (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func DecodeBootstrap(raw string) (Bootstrap, error) {
	var b Bootstrap
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return Bootstrap{}, fmt.Errorf("%w: %v", ErrInvalidBootstrap, err)
	}
	if err := b.Validate(); err != nil {
		return Bootstrap{}, err
	}
	return b, nil
}

// BootstrapFromEnv decodes the payload the parent embedded in the worker's
// process environment.
func BootstrapFromEnv() (Bootstrap, error) {
	raw := strings.TrimSpace(os.Getenv(BootstrapEnvVar))
	if raw == "" {
		return Bootstrap{}, ErrBootstrapMissing
	}
	return DecodeBootstrap(raw)
}
