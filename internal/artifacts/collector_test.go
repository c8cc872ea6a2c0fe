package artifacts

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/xbuild/internal/target"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("chmod %s: %v", path, err)
	}
}

func testProfile(t *testing.T, id string) (*target.Profile, string) {
	t.Helper()
	toolchain := filepath.Join(t.TempDir(), "toolchain")
	p, err := target.Resolve(id, target.Options{
		InstallRoot: filepath.Join(t.TempDir(), "root"),
		SearchRoots: []string{toolchain},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return p, toolchain
}

func TestCollectCopiesRuntimeAndProjectFiles(t *testing.T) {
	t.Parallel()

	p, toolchain := testProfile(t, "64-bit")
	writeFile(t, filepath.Join(toolchain, "libgcc_s_seh-1.dll"), "gcc", 0o644)
	writeFile(t, filepath.Join(toolchain, "libwinpthread-1.dll"), "pthread", 0o644)
	writeFile(t, filepath.Join(p.BinDir(), "libfoo-1.dll"), "foo", 0o755)
	writeFile(t, filepath.Join(p.BinDir(), "foo.exe"), "exe", 0o755)
	writeFile(t, filepath.Join(p.LibDir(), "libfoo.dll.a"), "import", 0o644)

	distDir := filepath.Join(t.TempDir(), "dist")
	collector := &Collector{Logger: quietLogger()}
	set, err := collector.Collect(p, DefaultManifest(p, "foo"), distDir)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	for _, rel := range []string{"bin/libgcc_s_seh-1.dll", "bin/libwinpthread-1.dll", "bin/libfoo-1.dll", "bin/foo.exe", "lib/libfoo.dll.a"} {
		if _, err := os.Stat(filepath.Join(distDir, rel)); err != nil {
			t.Fatalf("expected %s in dist tree: %v", rel, err)
		}
	}

	info, err := os.Stat(filepath.Join(distDir, "bin", "foo.exe"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("mode = %v, want 0755", info.Mode().Perm())
	}

	if set.Count() != 5 {
		t.Fatalf("Count() = %d, want 5", set.Count())
	}
	artifact := set.Artifacts["libfoo*.dll"][0]
	if artifact.Kind != BinaryArtifact || artifact.Size != 3 || !strings.HasPrefix(artifact.Checksum, "sha256:") || artifact.ID == "" {
		t.Fatalf("unexpected artifact %+v", artifact)
	}
	if path, err := PathFromURI(artifact.URI); err != nil || path != filepath.Join(distDir, "bin", "libfoo-1.dll") {
		t.Fatalf("artifact URI %q resolves to %q (%v)", artifact.URI, path, err)
	}

	data, err := os.ReadFile(filepath.Join(distDir, ManifestFileName))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var stored CollectedSet
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if stored.Count() != 5 || stored.Target != "64-bit" {
		t.Fatalf("stored manifest = %+v", stored)
	}
}

func TestCollectPrefersInstallTreeOverSearchRoots(t *testing.T) {
	t.Parallel()

	p, toolchain := testProfile(t, "64-bit")
	writeFile(t, filepath.Join(toolchain, "libwinpthread-1.dll"), "toolchain", 0o644)
	writeFile(t, filepath.Join(p.BinDir(), "libwinpthread-1.dll"), "installed", 0o644)

	distDir := filepath.Join(t.TempDir(), "dist")
	manifest := Manifest{Patterns: []Pattern{{Glob: "libwinpthread-1.dll", Mandatory: true}}}
	if _, err := (&Collector{Logger: quietLogger()}).Collect(p, manifest, distDir); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(distDir, "bin", "libwinpthread-1.dll"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "installed" {
		t.Fatalf("collected %q, want the installed copy", data)
	}
}

func TestCollectReportsEveryMissingMandatoryPattern(t *testing.T) {
	t.Parallel()

	p, _ := testProfile(t, "32-bit")
	writeFile(t, filepath.Join(p.BinDir(), "libfoo-1.dll"), "foo", 0o644)

	distDir := filepath.Join(t.TempDir(), "dist")
	_, err := (&Collector{Logger: quietLogger()}).Collect(p, DefaultManifest(p, "foo"), distDir)

	var missingErr *MissingArtifactError
	if !errors.As(err, &missingErr) {
		t.Fatalf("expected MissingArtifactError, got %v", err)
	}
	want := []string{"libgcc_s_dw2-1.dll", "libwinpthread-1.dll"}
	if strings.Join(missingErr.Patterns, ",") != strings.Join(want, ",") {
		t.Fatalf("missing = %v, want %v", missingErr.Patterns, want)
	}
	if _, err := os.Stat(filepath.Join(distDir, "bin", "libfoo-1.dll")); err != nil {
		t.Fatalf("matched files should still be collected: %v", err)
	}
}

func TestManifestWithReplacesSameGlob(t *testing.T) {
	t.Parallel()

	base := Manifest{Patterns: []Pattern{{Glob: "zlib1.dll", Mandatory: true, Dest: DestBin}}}
	extended := base.With(
		Pattern{Glob: "zlib1.dll", Dest: DestBin},
		Pattern{Glob: "libz.dll.a", Dest: DestLib},
	)

	if len(extended.Patterns) != 2 || extended.Patterns[0].Mandatory {
		t.Fatalf("unexpected manifest %+v", extended.Patterns)
	}
	if !base.Patterns[0].Mandatory {
		t.Fatalf("With() modified the receiver")
	}
}
