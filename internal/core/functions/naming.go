package functions

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ImageTag returns the version-qualified tag of a deployment's image.
func ImageTag(functionID string, version int) string {
	return fmt.Sprintf("faas-fn-%s:v%d", strings.ToLower(functionID), version)
}

// ArchiveKey returns the object key of a deployment's source archive.
func ArchiveKey(functionID string, version int) string {
	return fmt.Sprintf("functions/%s/v%d.zip", functionID, version)
}

const (
	LabelRole      = "faas.role"
	LabelFunction  = "faas.function"
	RoleInvocation = "invocation"
)

// InvocationLabels returns the labels every invocation container carries.
func InvocationLabels(functionID string) map[string]string {
	return map[string]string{LabelRole: RoleInvocation, LabelFunction: functionID}
}

// containerName returns a unique name for one invocation.
func containerName(functionID, invocationID string) string {
	return fmt.Sprintf("faas-run-%s-%s", strings.ToLower(functionID), invocationID)
}

func newID() string { return uuid.NewString() }
