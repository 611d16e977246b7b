package runtime

import (
	"context"
	"fmt"
	goruntime "runtime"
	"strings"
)

// HostPlatform is the platform images are built for by default.
func HostPlatform() string {
	return "linux/" + goruntime.GOARCH
}

// NormalizePlatform lowercases p and folds the architecture aliases engines
// report interchangeably.
func NormalizePlatform(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	osName, arch, ok := strings.Cut(p, "/")
	if !ok {
		osName, arch = "linux", osName
	}
	// drop variants such as arm64/v8
	arch, _, _ = strings.Cut(arch, "/")
	switch arch {
	case "x86_64", "x86-64":
		arch = "amd64"
	case "aarch64":
		arch = "arm64"
	}
	return osName + "/" + arch
}

// SamePlatform compares two platforms after normalization.
func SamePlatform(a, b string) bool {
	return NormalizePlatform(a) == NormalizePlatform(b)
}

// EnsurePlatform is the shared implementation of
// Runtime.EnsurePlatformCompatibility: a missing image or an image of unknown
// platform is left alone, a mismatching one is removed so the next build pulls
// or rebuilds it for the right architecture.
func EnsurePlatform(ctx context.Context, rt Runtime, tag, platform string) (bool, error) {
	exists, err := rt.ImageExists(ctx, tag)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	actual, err := rt.ImagePlatform(ctx, tag)
	if err != nil {
		return false, err
	}
	if actual == "" || SamePlatform(actual, platform) {
		return false, nil
	}
	if err := rt.RemoveImage(ctx, tag); err != nil {
		return false, fmt.Errorf("remove %s image %s: %w", actual, tag, err)
	}
	return true, nil
}
