package skland

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/enduid/enduid-server/internal/errors"
)

func TestNodeDeviceID_Unconfigured(t *testing.T) {
	provider := NewNodeDeviceID("", "", "")

	_, err := provider.DeviceID(context.Background(), DeviceProfile{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceIDUnavailable))
}

func TestNodeDeviceID_MissingBinary(t *testing.T) {
	provider := NewNodeDeviceID("definitely-not-a-node-binary", "runner.js", "/tmp/sm.sdk.js")

	_, err := provider.DeviceID(context.Background(), DeviceProfile{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceIDUnavailable))
}

func TestNodeDeviceID_UsesLastStdoutLine(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	runner := filepath.Join(dir, "runner.sh")
	require.NoError(t, os.WriteFile(runner, []byte("echo loading sdk\necho \"B$SMSDK_PLATFORM-id\"\n"), 0o755))
	sdk := filepath.Join(dir, "sm.sdk.js")
	require.NoError(t, os.WriteFile(sdk, []byte("// sdk"), 0o644))

	provider := NewNodeDeviceID(sh, runner, sdk)
	id, err := provider.DeviceID(context.Background(), DeviceProfile{Platform: "web"})
	require.NoError(t, err)
	assert.Equal(t, "Bweb-id", id)
}

func TestProfileEnv(t *testing.T) {
	env := profileEnv(DeviceProfile{UserAgent: "ua", Referer: "https://www.skland.com/"})
	assert.Equal(t, []string{"SMSDK_USER_AGENT=ua", "SMSDK_REFERER=https://www.skland.com/"}, env)
}
