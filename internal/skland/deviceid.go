package skland

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	apperrors "github.com/enduid/enduid-server/internal/errors"
)

// DeviceProfile describes the client the fingerprint is generated for.
type DeviceProfile struct {
	UserAgent      string
	AcceptLanguage string
	Referer        string
	Platform       string
}

type DeviceIDProvider interface {
	DeviceID(ctx context.Context, profile DeviceProfile) (string, error)
}

// NodeDeviceID runs the anti-bot fingerprint SDK through a node runner script.
// A fresh id is generated for every call.
type NodeDeviceID struct {
	NodeBinary string
	RunnerPath string
	SDKPath    string
}

func NewNodeDeviceID(nodeBinary, runnerPath, sdkPath string) *NodeDeviceID {
	if nodeBinary == "" {
		nodeBinary = "node"
	}
	return &NodeDeviceID{NodeBinary: nodeBinary, RunnerPath: runnerPath, SDKPath: sdkPath}
}

func (n *NodeDeviceID) DeviceID(ctx context.Context, profile DeviceProfile) (string, error) {
	if n == nil || n.RunnerPath == "" || n.SDKPath == "" {
		return "", apperrors.DeviceIDUnavailable(errors.New("runner or sdk path not configured"))
	}

	cmd := exec.CommandContext(ctx, n.NodeBinary, n.RunnerPath, n.SDKPath)
	cmd.Dir = filepath.Dir(n.SDKPath)
	cmd.Env = append(os.Environ(), profileEnv(profile)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return "", apperrors.DeviceIDUnavailable(fmt.Errorf("%s not found: %w", n.NodeBinary, err))
		}
		return "", apperrors.DeviceIDUnavailable(
			fmt.Errorf("runner failed: %w: %s", err, strings.TrimSpace(stderr.String())),
		)
	}

	id := lastLine(stdout.String())
	if id == "" {
		return "", apperrors.DeviceIDUnavailable(errors.New("runner printed an empty device id"))
	}
	return id, nil
}

// NodeVersion returns the installed node version, or "" when node cannot run.
func (n *NodeDeviceID) NodeVersion(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, n.NodeBinary, "-v").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func profileEnv(p DeviceProfile) []string {
	var env []string
	if p.UserAgent != "" {
		env = append(env, "SMSDK_USER_AGENT="+p.UserAgent)
	}
	if p.AcceptLanguage != "" {
		env = append(env, "SMSDK_ACCEPT_LANGUAGE="+p.AcceptLanguage)
	}
	if p.Referer != "" {
		env = append(env, "SMSDK_REFERER="+p.Referer)
	}
	if p.Platform != "" {
		env = append(env, "SMSDK_PLATFORM="+p.Platform)
	}
	return env
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
