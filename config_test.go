package stripjpeg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.viam.com/test"
)

func TestParseConfig(t *testing.T) {
	t.Run("full", func(t *testing.T) {
		on := true
		cfg, err := ParseConfig([]byte(`
quality: 85
workers: 6
strip_timeout: 1500ms
retries: 2
restart_markers: true
agent:
  mode: process
  command: /usr/bin/stripjpeg
  args: [agent]
  env: [GOGC=50]
`))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg, test.ShouldResemble, &Config{
			Quality:        85,
			Workers:        6,
			StripTimeout:   1500 * time.Millisecond,
			Retries:        2,
			RestartMarkers: &on,
			Agent: AgentConfig{
				Mode:    AgentModeProcess,
				Command: "/usr/bin/stripjpeg",
				Args:    []string{"agent"},
				Env:     []string{"GOGC=50"},
			},
		})

		logger := zap.NewNop()
		opts, err := cfg.Options(logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, opts.Quality, test.ShouldEqual, 85)
		test.That(t, opts.Workers, test.ShouldEqual, 6)
		test.That(t, opts.StripTimeout, test.ShouldEqual, 1500*time.Millisecond)
		test.That(t, opts.Retries, test.ShouldEqual, 2)
		test.That(t, opts.DisableRestartMarkers, test.ShouldBeFalse)
		test.That(t, opts.Agents, test.ShouldNotBeNil)
		test.That(t, opts.Logger, test.ShouldEqual, logger)
	})

	t.Run("empty", func(t *testing.T) {
		cfg, err := ParseConfig(nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg, test.ShouldResemble, &Config{})
		opts, err := cfg.Options(nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, opts.Agents, test.ShouldBeNil)
		test.That(t, opts.DisableRestartMarkers, test.ShouldBeFalse)
	})

	t.Run("restart markers turned off", func(t *testing.T) {
		cfg, err := ParseConfig([]byte("restart_markers: false\n"))
		test.That(t, err, test.ShouldBeNil)
		opts, err := cfg.Options(nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, opts.DisableRestartMarkers, test.ShouldBeTrue)
	})

	t.Run("process mode defaults to this executable", func(t *testing.T) {
		cfg, err := ParseConfig([]byte("agent:\n  mode: process\n"))
		test.That(t, err, test.ShouldBeNil)
		opts, err := cfg.Options(nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, opts.Agents, test.ShouldNotBeNil)
	})

	for _, tc := range []struct {
		name, yaml string
		validation bool
	}{
		{"unknown key", "qualty: 80\n", false},
		{"bad duration", "strip_timeout: soon\n", false},
		{"quality out of range", "quality: 101\n", true},
		{"negative retries", "retries: -1\n", true},
		{"unknown agent mode", "agent:\n  mode: carrier-pigeon\n", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.yaml))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, IsKind(err, KindValidation), test.ShouldEqual, tc.validation)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stripjpeg.yaml")
	test.That(t, os.WriteFile(path, []byte("quality: 42\nworkers: 3\n"), 0o600), test.ShouldBeNil)

	cfg, err := LoadConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Quality, test.ShouldEqual, 42)
	test.That(t, cfg.Workers, test.ShouldEqual, 3)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "reading config")
}
