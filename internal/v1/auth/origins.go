package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/flylive/msab/internal/v1/logging"
)

// GetAllowedOriginsFromEnv reads a comma-separated origin list from envVarName,
// falling back to defaultEnvs when unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
