package simple

import (
	"path/filepath"
	"testing"

	definitions "github.com/cochaviz/xbuild/internal/build/repositories"
)

func TestOptionsFromEnvAndMerge(t *testing.T) {
	env := map[string]string{
		"XBUILD_TARGET":           "32-bit",
		"XBUILD_INSTALL_ROOT":     "/var/cache/xb/i686",
		"XBUILD_TOOLCHAIN_PREFIX": "/opt/llvm-mingw/bin/i686-w64-mingw32-",
		"XBUILD_JOBS":             "8",
	}
	lookup := func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}

	fromEnv := OptionsFromEnv(lookup)
	flags := Options{Target: "64-bit"}
	merged := flags.Merge(fromEnv)

	if merged.Target != "64-bit" {
		t.Fatalf("flag should win over env, got %q", merged.Target)
	}
	if merged.InstallRoot != "/var/cache/xb/i686" || merged.Jobs != 8 {
		t.Fatalf("env fallback not applied: %+v", merged)
	}
}

func TestNewBuildServiceWiresDefaultPipeline(t *testing.T) {
	storage := t.TempDir()
	service, err := NewBuildService(Options{
		Target:      "32-bit",
		InstallRoot: filepath.Join(storage, "i686"),
		StorageDir:  storage,
	}, nil)
	if err != nil {
		t.Fatalf("NewBuildService() error = %v", err)
	}

	if service.Profile.Host() != "i686-w64-mingw32" {
		t.Fatalf("host = %q", service.Profile.Host())
	}
	if service.Runner.LogDir != filepath.Join(storage, "logs") {
		t.Fatalf("log dir = %q", service.Runner.LogDir)
	}

	statuses, err := service.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(statuses) == 0 {
		t.Fatalf("default pipeline %s has no recipes", definitions.DefaultPipeline)
	}
	if err := service.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
