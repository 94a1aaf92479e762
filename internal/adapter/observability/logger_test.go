package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/comfy-queue/internal/config"
)

func TestSetupLogger(t *testing.T) {
	t.Parallel()
	l := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "comfy-queue"})
	assert.NotNil(t, l)
	assert.True(t, l.Enabled(t.Context(), -4), "dev logger keeps debug level")

	l = SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "comfy-queue"})
	assert.False(t, l.Enabled(t.Context(), -4), "prod logger drops debug level")
}
